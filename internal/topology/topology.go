// Package topology declares the park exchange, its queues and their
// bindings.  Declaration is idempotent: running it again with the same
// definitions is a no-op on the broker, while conflicting definitions fail
// with ErrTopologyConflict.
package topology

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrTopologyConflict reports an exchange or queue that exists with
// different properties, or a passive check against a missing exchange.
var ErrTopologyConflict = errors.New("topology conflict")

const (
	DefaultExchange = "park_topic"
	KindTopic       = "topic"

	QueueError        = "Error"
	QueueAccess       = "Access"
	QueueNotification = "Notification"

	PatternError        = "*.error"
	PatternAccess       = "*.access"
	PatternNotification = "payment.notification"

	// DeadLetterQueue receives unroutable publishes when dead-lettering is on.
	DeadLetterQueue = "DeadLetter"
)

// Binding ties a durable queue to the exchange with a routing pattern.
type Binding struct {
	Queue   string
	Pattern string
}

// DefaultBindings is the canonical binding set every service relies on.
func DefaultBindings() []Binding {
	return []Binding{
		{Queue: QueueError, Pattern: PatternError},
		{Queue: QueueAccess, Pattern: PatternAccess},
		{Queue: QueueNotification, Pattern: PatternNotification},
	}
}

// Spec is a full topology definition.
type Spec struct {
	Exchange string
	Kind     string
	Bindings []Binding
	// DeadLetter adds an alternate exchange so that publishes matching no
	// binding end up in DeadLetterQueue instead of being discarded.
	// Existing exchanges declared without it will conflict.
	DeadLetter bool
}

// Default returns the park topology on the named exchange.
func Default(exchange string) Spec {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return Spec{Exchange: exchange, Kind: KindTopic, Bindings: DefaultBindings()}
}

// DeadLetterExchange is the name of the alternate exchange for s.
func (s Spec) DeadLetterExchange() string { return s.Exchange + ".dlx" }

// Queues lists the bound queue names in declaration order.
func (s Spec) Queues() []string {
	out := make([]string, 0, len(s.Bindings))
	seen := make(map[string]struct{}, len(s.Bindings))
	for _, b := range s.Bindings {
		if _, ok := seen[b.Queue]; ok {
			continue
		}
		seen[b.Queue] = struct{}{}
		out = append(out, b.Queue)
	}
	return out
}

// Route returns the queues a message published with key would land in.
// An empty result means the broker drops the message.
func (s Spec) Route(key string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, b := range s.Bindings {
		if _, ok := seen[b.Queue]; ok {
			continue
		}
		if Match(b.Pattern, key) {
			seen[b.Queue] = struct{}{}
			out = append(out, b.Queue)
		}
	}
	return out
}

// Routable reports whether key matches at least one binding.
func (s Spec) Routable(key string) bool { return len(s.Route(key)) > 0 }

// Declarer is the part of a broker channel needed to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates the exchange, every queue and every binding in s.  All
// entities are durable.
func Declare(ch Declarer, s Spec) error {
	if s.Kind == "" {
		s.Kind = KindTopic
	}
	var exchangeArgs amqp.Table
	if s.DeadLetter {
		dlx := s.DeadLetterExchange()
		if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return classify(fmt.Sprintf("declare exchange %s", dlx), err)
		}
		if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
			return classify(fmt.Sprintf("declare queue %s", DeadLetterQueue), err)
		}
		if err := ch.QueueBind(DeadLetterQueue, "", dlx, false, nil); err != nil {
			return classify(fmt.Sprintf("bind queue %s", DeadLetterQueue), err)
		}
		exchangeArgs = amqp.Table{"alternate-exchange": dlx}
	}

	logrus.WithFields(logrus.Fields{"exchange": s.Exchange, "kind": s.Kind}).Info("declaring exchange")
	if err := ch.ExchangeDeclare(
		s.Exchange,   // name
		s.Kind,       // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		exchangeArgs, // arguments
	); err != nil {
		return classify(fmt.Sprintf("declare exchange %s", s.Exchange), err)
	}

	for _, b := range s.Bindings {
		log := logrus.WithFields(logrus.Fields{"queue": b.Queue, "pattern": b.Pattern})
		if _, err := ch.QueueDeclare(
			b.Queue, // name
			true,    // durable
			false,   // auto-delete
			false,   // exclusive
			false,   // no-wait
			nil,     // arguments
		); err != nil {
			return classify(fmt.Sprintf("declare queue %s", b.Queue), err)
		}
		if err := ch.QueueBind(b.Queue, b.Pattern, s.Exchange, false, nil); err != nil {
			return classify(fmt.Sprintf("bind queue %s", b.Queue), err)
		}
		log.Info("queue bound")
	}
	return nil
}

// Verify checks that the exchange already exists with the given kind
// without creating it.  Publishing services use it so they never race the
// consumer over who owns the declaration.
func Verify(ch Declarer, exchange, kind string) error {
	if kind == "" {
		kind = KindTopic
	}
	if err := ch.ExchangeDeclarePassive(exchange, kind, true, false, false, false, nil); err != nil {
		return classify(fmt.Sprintf("verify exchange %s", exchange), err)
	}
	return nil
}

func classify(op string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && (amqpErr.Code == amqp.PreconditionFailed || amqpErr.Code == amqp.NotFound) {
		return fmt.Errorf("%w: %s: %v", ErrTopologyConflict, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
