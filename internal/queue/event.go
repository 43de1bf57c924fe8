// Package queue defines the message payloads exchanged over the park
// exchange, the consumer receive loops and the dispatcher that routes each
// delivery to its handling path.
package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lockdownpark/parkbus/internal/topology"
)

var (
	// ErrMessageParse means a body is not JSON or lacks required fields.
	ErrMessageParse = errors.New("message parse error")
	// ErrUnknownRoutingKey means no handling path exists for a key.
	ErrUnknownRoutingKey = errors.New("unknown routing key")
	// ErrInvalidRoutingKey is returned by RoutingKey for a malformed origin
	// or outcome segment.
	ErrInvalidRoutingKey = errors.New("invalid routing key")
)

// Outcome segments of a routing key.
const (
	OutcomeError        = "error"
	OutcomeAccess       = "access"
	OutcomeNotification = "notification"

	OriginPayment          = "payment"
	KeyPaymentNotification = OriginPayment + "." + OutcomeNotification
)

// Access attempt results carried in AccessEvent.Type.
const (
	AccessSuccess = "Success"
	AccessFailed  = "Failed"
)

const (
	UserTypeStaff = "staff"
	UserTypeGuest = "guest"
)

// RoutingKey builds "<origin>.<outcome>".  Both segments must be single
// words: no dots, no wildcards, no whitespace.
func RoutingKey(origin, outcome string) (string, error) {
	for _, seg := range []string{origin, outcome} {
		if seg == "" || strings.ContainsAny(seg, ".*# \t\n") {
			return "", fmt.Errorf("%w: segment %q", ErrInvalidRoutingKey, seg)
		}
	}
	return origin + "." + outcome, nil
}

// Kind is the handling path a routing key selects.
type Kind int

const (
	KindUnknown Kind = iota
	KindError
	KindAccess
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindAccess:
		return "access"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Classify maps a routing key to its handling path.  Matching uses the same
// patterns as the queue bindings so the dispatcher and the broker agree.
func Classify(key string) Kind {
	switch {
	case topology.Match(topology.PatternError, key):
		return KindError
	case topology.Match(topology.PatternAccess, key):
		return KindAccess
	case key == topology.PatternNotification:
		return KindNotification
	default:
		return KindUnknown
	}
}

// Event is one of ErrorEvent, AccessEvent or PaymentNotification.
type Event interface {
	Kind() Kind
	Validate() error
}

// ErrorEvent is emitted when a service catches an exception while
// handling a request.
type ErrorEvent struct {
	Service  string `json:"service"`
	Endpoint string `json:"endpoint"`
	Error    string `json:"error"`
}

func (ErrorEvent) Kind() Kind { return KindError }

func (e ErrorEvent) Validate() error {
	var missing []string
	if e.Service == "" {
		missing = append(missing, "service")
	}
	if e.Endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if e.Error == "" {
		missing = append(missing, "error")
	}
	return missingFields(missing)
}

// AccessEvent is the outcome of one access attempt.  The entry service sends
// {staff_id|guest_id, type, message}; the log schema adds user_id,
// user_type and action.  Ids are accepted as JSON numbers or strings.
type AccessEvent struct {
	UserID   FlexString `json:"user_id,omitempty"`
	UserType string     `json:"user_type,omitempty"`
	StaffID  FlexString `json:"staff_id,omitempty"`
	GuestID  FlexString `json:"guest_id,omitempty"`
	Action   string     `json:"action,omitempty"`
	Type     string     `json:"type"`
	Message  string     `json:"message"`
}

func (AccessEvent) Kind() Kind { return KindAccess }

func (e AccessEvent) Validate() error {
	var missing []string
	if e.Type == "" {
		missing = append(missing, "type")
	}
	userType, id := e.Subject()
	if id == "" {
		if userType != "" && firstNonEmpty(e.StaffID, e.GuestID) != "" {
			return fmt.Errorf("%w: user_type %q does not match the id given, send user_id or %s_id",
				ErrMessageParse, userType, userType)
		}
		missing = append(missing, "user_id|staff_id|guest_id")
	}
	return missingFields(missing)
}

// Subject returns the user type and id the attempt was made by.  An explicit
// user_type wins; otherwise staff_id and then guest_id decide.  A staff or
// guest user_type only takes its own id field, never the other one; any
// other user_type takes whichever id is set.
func (e AccessEvent) Subject() (userType, id string) {
	userType = strings.ToLower(e.UserType)
	switch userType {
	case UserTypeStaff:
		return userType, firstNonEmpty(e.UserID, e.StaffID)
	case UserTypeGuest:
		return userType, firstNonEmpty(e.UserID, e.GuestID)
	case "":
	default:
		return userType, firstNonEmpty(e.UserID, e.StaffID, e.GuestID)
	}
	switch {
	case e.StaffID != "":
		return UserTypeStaff, e.StaffID.String()
	case e.GuestID != "":
		return UserTypeGuest, e.GuestID.String()
	default:
		return "", e.UserID.String()
	}
}

// IsFailedStaff reports whether the event is a failed staff attempt, the
// one case that alerts every staff member.
func (e AccessEvent) IsFailedStaff() bool {
	userType, id := e.Subject()
	return userType == UserTypeStaff && id != "" && strings.EqualFold(e.Type, AccessFailed)
}

// PaymentNotification points at a guest whose payment just completed.  The
// guest record is re-read at consumption time.
type PaymentNotification struct {
	GuestID int64 `json:"guest_id"`
}

func (PaymentNotification) Kind() Kind { return KindNotification }

func (p PaymentNotification) Validate() error {
	if p.GuestID <= 0 {
		return missingFields([]string{"guest_id"})
	}
	return nil
}

// UnmarshalJSON accepts {"guest_id": 42}, {"guest_id": "42"} and a bare 42,
// which is what the payment service has historically published.
func (p *PaymentNotification) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '{' {
		id, err := parseID(b)
		if err != nil {
			return err
		}
		p.GuestID = id
		return nil
	}
	var raw struct {
		GuestID FlexString `json:"guest_id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.GuestID == "" {
		p.GuestID = 0
		return nil
	}
	id, err := strconv.ParseInt(raw.GuestID.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("guest_id %q: %w", raw.GuestID, err)
	}
	p.GuestID = id
	return nil
}

// Decode checks that body is JSON, classifies key and decodes body into the
// matching Event.  Parse and validation failures wrap ErrMessageParse; a key
// with no handling path wraps ErrUnknownRoutingKey.
func Decode(key string, body []byte) (Event, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrMessageParse)
	}
	var ev Event
	switch Classify(key) {
	case KindError:
		var e ErrorEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMessageParse, err)
		}
		ev = e
	case KindAccess:
		var e AccessEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMessageParse, err)
		}
		ev = e
	case KindNotification:
		var e PaymentNotification
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMessageParse, err)
		}
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoutingKey, key)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// FlexString holds a JSON value that upstream services send either as a
// string or as a number, such as chat ids and OTPs.  null decodes to "".
type FlexString string

func (f FlexString) String() string { return string(f) }

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = FlexString(n.String())
	return nil
}

func parseID(b []byte) (int64, error) {
	var f FlexString
	if err := f.UnmarshalJSON(b); err != nil {
		return 0, err
	}
	return strconv.ParseInt(f.String(), 10, 64)
}

func firstNonEmpty(vals ...FlexString) string {
	for _, v := range vals {
		if v != "" {
			return v.String()
		}
	}
	return ""
}

func missingFields(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: missing required fields: %s", ErrMessageParse, strings.Join(missing, ", "))
}
