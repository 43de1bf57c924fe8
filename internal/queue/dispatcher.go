package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lockdownpark/parkbus/internal/deadletter"
	"github.com/lockdownpark/parkbus/internal/metrics"
)

// ErrNotFound is returned by a Directory when the requested record does
// not exist.
var ErrNotFound = errors.New("record not found")

// ErrIncompleteRecord means a directory record lacks a field the message
// needs, such as a guest with no OTP.
var ErrIncompleteRecord = errors.New("incomplete record")

// Message texts sent to guests and staff.
const (
	MailSubjectTicket = "Ticket Purchase Confirmation"

	guestChatFormat   = "🎫 Your OTP is %s! Thanks for purchasing a ticket."
	guestMailFormat   = "Your OTP is %s!"
	staffAlertFormat  = "⚠️ Failed access attempt by staff %s: %s"
	staffUnknownAlert = "⚠️ Failed access attempt by staff #%s: %s"
)

// Staff is a staff record as served by the staff service.
type Staff struct {
	StaffID FlexString `json:"staff_id"`
	Name    string     `json:"staff_name"`
	Tele    string     `json:"staff_tele,omitempty"`
	ChatID  FlexString `json:"chat_id"`
}

// Guest is a guest record as served by the guest service.
type Guest struct {
	GuestID FlexString `json:"guest_id"`
	Name    string     `json:"guest_name,omitempty"`
	Email   string     `json:"guest_email"`
	ChatID  FlexString `json:"chat_id"`
	OTP     FlexString `json:"otp"`
}

// LogSink persists a raw event body.
type LogSink interface {
	Record(ctx context.Context, body []byte) error
}

// Directory looks up staff and guest records.
type Directory interface {
	Staff(ctx context.Context, id string) (Staff, error)
	AllStaff(ctx context.Context) ([]Staff, error)
	Guest(ctx context.Context, id int64) (Guest, error)
}

// ChatNotifier sends a chat message to one chat id.
type ChatNotifier interface {
	Send(ctx context.Context, chatID, text string) error
}

// MailNotifier sends one email.
type MailNotifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// DropRecorder keeps a trace of dropped messages.
type DropRecorder interface {
	Record(ctx context.Context, e deadletter.Entry) error
}

// Deps are the collaborators of a Dispatcher.  Drops may be nil.
type Deps struct {
	ErrorSink  LogSink
	AccessSink LogSink
	Directory  Directory
	Chat       ChatNotifier
	Mail       MailNotifier
	Drops      DropRecorder
}

type routingKeyCtx struct{}

// WithRoutingKey returns a context carrying key.  Dispatch sets it for every
// message.
func WithRoutingKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routingKeyCtx{}, key)
}

// RoutingKeyFrom returns the routing key stored by WithRoutingKey, or "".
func RoutingKeyFrom(ctx context.Context) string {
	k, _ := ctx.Value(routingKeyCtx{}).(string)
	return k
}

// Delivery is the broker independent view of one delivered message.
type Delivery struct {
	Queue      string
	RoutingKey string
	MessageID  string
	Body       []byte
}

// Outcome reports what Dispatch did with a message.  Err is nil when every
// side effect succeeded; otherwise the message counts as dropped and Reason
// says why.
type Outcome struct {
	Kind   Kind
	Err    error
	Reason string
}

func (o Outcome) Dropped() bool { return o.Err != nil }

// Dispatcher routes deliveries to the error, access or notification path.
// It is safe for concurrent use as long as its collaborators are.
type Dispatcher struct {
	deps Deps
}

// NewDispatcher validates deps.  A nil Drops is replaced by deadletter.Noop.
func NewDispatcher(deps Deps) (*Dispatcher, error) {
	var missing []string
	if deps.ErrorSink == nil {
		missing = append(missing, "error sink")
	}
	if deps.AccessSink == nil {
		missing = append(missing, "access sink")
	}
	if deps.Directory == nil {
		missing = append(missing, "directory")
	}
	if deps.Chat == nil {
		missing = append(missing, "chat notifier")
	}
	if deps.Mail == nil {
		missing = append(missing, "mail notifier")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("dispatcher: missing %s", strings.Join(missing, ", "))
	}
	if deps.Drops == nil {
		deps.Drops = deadletter.Noop{}
	}
	return &Dispatcher{deps: deps}, nil
}

// Dispatch handles one message.  It never panics and never returns an
// error: failures are logged, counted and recorded, and the message is
// considered processed.
func (d *Dispatcher) Dispatch(ctx context.Context, m Delivery) (out Outcome) {
	start := time.Now()
	ctx = WithRoutingKey(ctx, m.RoutingKey)
	out.Kind = Classify(m.RoutingKey)
	log := logrus.WithFields(logrus.Fields{
		"queue":       m.Queue,
		"routing_key": m.RoutingKey,
		"message_id":  m.MessageID,
	})

	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("handler panic: %v", r)
			out.Reason = deadletter.ReasonPanic
		}
		path := out.Kind.String()
		metrics.DispatchDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		if out.Err == nil {
			metrics.Dispatched.WithLabelValues(path, "ok").Inc()
			log.Debug("message handled")
			return
		}
		metrics.Dispatched.WithLabelValues(path, "dropped").Inc()
		d.drop(ctx, log, m, out)
	}()

	ev, err := Decode(m.RoutingKey, m.Body)
	if err != nil {
		return Outcome{Kind: out.Kind, Err: err, Reason: reasonFor(err)}
	}

	switch ev := ev.(type) {
	case ErrorEvent:
		err = d.handleError(ctx, m.Body)
	case AccessEvent:
		err = d.handleAccess(ctx, m.Body, ev, log)
	case PaymentNotification:
		err = d.handleNotification(ctx, ev, log)
	}
	if err != nil {
		return Outcome{Kind: out.Kind, Err: err, Reason: reasonFor(err)}
	}
	return Outcome{Kind: out.Kind}
}

func (d *Dispatcher) drop(ctx context.Context, log *logrus.Entry, m Delivery, out Outcome) {
	metrics.Dropped.WithLabelValues(out.Reason).Inc()
	log = log.WithField("reason", out.Reason).WithError(out.Err)
	if out.Reason == deadletter.ReasonUnknownKey {
		log.Warn("unknown routing key, message dropped")
	} else {
		log.Error("message dropped")
	}

	// The delivery context may already be cancelled during shutdown.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	entry := deadletter.Entry{
		Queue:      m.Queue,
		RoutingKey: m.RoutingKey,
		MessageID:  m.MessageID,
		Reason:     out.Reason,
		Error:      out.Err.Error(),
		Body:       string(m.Body),
	}
	if err := d.deps.Drops.Record(rctx, entry); err != nil {
		log.WithError(err).Warn("could not record dropped message")
	}
}

// handleError forwards the body verbatim to the error log sink.
func (d *Dispatcher) handleError(ctx context.Context, body []byte) error {
	if err := d.deps.ErrorSink.Record(ctx, body); err != nil {
		return fmt.Errorf("record error log: %w", err)
	}
	return nil
}

// handleAccess forwards the body to the access log sink and, for a failed
// staff attempt, alerts every staff member with a chat id.  A sink failure
// does not suppress the alerts.
func (d *Dispatcher) handleAccess(ctx context.Context, body []byte, ev AccessEvent, log *logrus.Entry) error {
	var errs []error
	if err := d.deps.AccessSink.Record(ctx, body); err != nil {
		errs = append(errs, fmt.Errorf("record access log: %w", err))
	}
	if ev.IsFailedStaff() {
		if err := d.alertStaff(ctx, ev, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) alertStaff(ctx context.Context, ev AccessEvent, log *logrus.Entry) error {
	_, id := ev.Subject()
	member, err := d.deps.Directory.Staff(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		log.WithField("staff_id", id).Warn("failed attempt by unknown staff id")
		member = Staff{StaffID: FlexString(id)}
	case err != nil:
		return fmt.Errorf("lookup staff %s: %w", id, err)
	}
	all, err := d.deps.Directory.AllStaff(ctx)
	if err != nil {
		return fmt.Errorf("list staff: %w", err)
	}

	text := staffAlertText(member, ev.Message)
	var errs []error
	sent := 0
	for _, s := range all {
		if s.ChatID == "" {
			continue
		}
		if err := d.deps.Chat.Send(ctx, s.ChatID.String(), text); err != nil {
			errs = append(errs, fmt.Errorf("alert staff %s: %w", s.StaffID, err))
			continue
		}
		sent++
	}
	log.WithFields(logrus.Fields{"staff_id": id, "alerts": sent}).Info("staff alerted of failed access")
	return errors.Join(errs...)
}

// handleNotification re-reads the guest and sends the OTP by chat and by
// mail, whichever the guest has registered.  Nothing is logged to a sink.
// A guest without an OTP gets no message at all.
func (d *Dispatcher) handleNotification(ctx context.Context, ev PaymentNotification, log *logrus.Entry) error {
	guest, err := d.deps.Directory.Guest(ctx, ev.GuestID)
	if err != nil {
		return fmt.Errorf("lookup guest %d: %w", ev.GuestID, err)
	}
	log = log.WithField("guest_id", ev.GuestID)
	if guest.OTP == "" {
		log.Warn("guest has no OTP, ticket not sent")
		return fmt.Errorf("%w: guest %d has no otp", ErrIncompleteRecord, ev.GuestID)
	}

	var errs []error
	if guest.ChatID != "" {
		if err := d.deps.Chat.Send(ctx, guest.ChatID.String(), fmt.Sprintf(guestChatFormat, guest.OTP)); err != nil {
			errs = append(errs, fmt.Errorf("chat guest %d: %w", ev.GuestID, err))
		} else {
			log.Info("ticket chat message sent")
		}
	}
	if guest.Email != "" {
		if err := d.deps.Mail.Send(ctx, guest.Email, MailSubjectTicket, fmt.Sprintf(guestMailFormat, guest.OTP)); err != nil {
			errs = append(errs, fmt.Errorf("mail guest %d: %w", ev.GuestID, err))
		} else {
			log.Info("ticket email sent")
		}
	}
	if guest.ChatID == "" && guest.Email == "" {
		log.Warn("guest has no chat id or email, nothing sent")
	}
	return errors.Join(errs...)
}

func staffAlertText(s Staff, message string) string {
	if message == "" {
		message = "access denied"
	}
	if s.Name == "" {
		return fmt.Sprintf(staffUnknownAlert, s.StaffID, message)
	}
	return fmt.Sprintf(staffAlertFormat, s.Name, message)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrMessageParse):
		return deadletter.ReasonParse
	case errors.Is(err, ErrUnknownRoutingKey):
		return deadletter.ReasonUnknownKey
	case errors.Is(err, ErrNotFound):
		return deadletter.ReasonNotFound
	case errors.Is(err, ErrIncompleteRecord):
		return deadletter.ReasonIncomplete
	default:
		return deadletter.ReasonCollaborator
	}
}
