// Package service publishes park events to the topic exchange.  Publishing
// is fire-and-forget: a nil error means the broker accepted the frame, not
// that any consumer will see the message.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/lockdownpark/parkbus/internal/metrics"
	"github.com/lockdownpark/parkbus/internal/queue"
	"github.com/lockdownpark/parkbus/internal/topology"
)

// ErrUnroutableKey is returned for a routing key that matches no binding.
// The broker would silently discard such a message.
var ErrUnroutableKey = errors.New("routing key matches no binding")

// EventPublisher publishes a JSON payload under a routing key.  Callers
// depend on this interface so a confirming or outbox backed publisher can
// replace AMQPPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// ChannelPublisher is the part of a broker channel used for publishing.
type ChannelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher publishes persistent JSON messages to the park exchange.
// Calls are serialized because an AMQP channel is not safe for concurrent
// use.
type AMQPPublisher struct {
	mu    sync.Mutex
	ch    ChannelPublisher
	spec  topology.Spec
	appID string
}

// NewAMQPPublisher publishes on ch to spec.Exchange.  appID is stamped on
// every message.
func NewAMQPPublisher(ch ChannelPublisher, spec topology.Spec, appID string) *AMQPPublisher {
	if spec.Exchange == "" {
		spec.Exchange = topology.DefaultExchange
	}
	return &AMQPPublisher{ch: ch, spec: spec, appID: appID}
}

// Publish marshals payload and publishes it with delivery mode persistent.
// A []byte or json.RawMessage payload is sent as is once it is checked to be
// valid JSON.  Unless dead-lettering is on, keys that match no binding are
// refused with ErrUnroutableKey.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	outcome := outcomeOf(routingKey)
	log := logrus.WithFields(logrus.Fields{"exchange": p.spec.Exchange, "routing_key": routingKey})

	if !p.spec.DeadLetter && !p.spec.Routable(routingKey) {
		metrics.Published.WithLabelValues(outcome, "unroutable").Inc()
		log.Warn("refusing to publish unroutable message")
		return fmt.Errorf("%w: %q", ErrUnroutableKey, routingKey)
	}

	body, err := encode(payload)
	if err != nil {
		metrics.Published.WithLabelValues(outcome, "invalid").Inc()
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		MessageId:    uuid.NewString(),
		AppId:        p.appID,
		Body:         body,
	}

	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx,
		p.spec.Exchange, // exchange
		routingKey,      // routing key
		false,           // mandatory
		false,           // immediate
		pub,
	)
	p.mu.Unlock()
	if err != nil {
		metrics.Published.WithLabelValues(outcome, "failure").Inc()
		log.WithError(err).Error("publish failed")
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	metrics.Published.WithLabelValues(outcome, "success").Inc()
	log.WithField("message_id", pub.MessageId).Debug("published")
	return nil
}

func encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return checkJSON(v)
	case json.RawMessage:
		return checkJSON(v)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return body, nil
}

func checkJSON(b []byte) ([]byte, error) {
	if !json.Valid(b) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", queue.ErrMessageParse)
	}
	return b, nil
}

func outcomeOf(key string) string {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Events builds the three park event kinds for one origin service.
type Events struct {
	pub    EventPublisher
	origin string
}

func NewEvents(pub EventPublisher, origin string) *Events {
	return &Events{pub: pub, origin: origin}
}

// Error publishes an ErrorEvent on "<origin>.error".
func (e *Events) Error(ctx context.Context, endpoint string, cause error) error {
	key, err := queue.RoutingKey(e.origin, queue.OutcomeError)
	if err != nil {
		return err
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	ev := queue.ErrorEvent{Service: e.origin, Endpoint: endpoint, Error: msg}
	if err := ev.Validate(); err != nil {
		return err
	}
	return e.pub.Publish(ctx, key, ev)
}

// Access publishes an AccessEvent on "<origin>.access".
func (e *Events) Access(ctx context.Context, ev queue.AccessEvent) error {
	key, err := queue.RoutingKey(e.origin, queue.OutcomeAccess)
	if err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	return e.pub.Publish(ctx, key, ev)
}

// PaymentNotification publishes {"guest_id": id} on payment.notification.
func (e *Events) PaymentNotification(ctx context.Context, guestID int64) error {
	ev := queue.PaymentNotification{GuestID: guestID}
	if err := ev.Validate(); err != nil {
		return err
	}
	return e.pub.Publish(ctx, queue.KeyPaymentNotification, ev)
}
