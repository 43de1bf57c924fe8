// Package broker owns the RabbitMQ connection of a process.  Connect dials
// with a bounded retry budget and fails loudly once it is exhausted; there
// is no background reconnect.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/lockdownpark/parkbus/internal/metrics"
)

// ErrBrokerUnavailable is returned by Connect after every attempt failed.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// Channel is the subset of *amqp.Channel used by topology, publishers and
// consumers.  A Channel must not be shared between goroutines without
// external locking.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Conn is a dialed broker connection.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a Conn.  DialAMQP is the production implementation; tests
// substitute their own.
type Dialer func(url string, cfg amqp.Config) (Conn, error)

// DialAMQP dials a real RabbitMQ server.
func DialAMQP(url string, cfg amqp.Config) (Conn, error) {
	c, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConn{c}, nil
}

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Options controls Connect.
type Options struct {
	URL           string
	Name          string // connection_name client property, shows up in the management UI
	MaxRetries    int
	RetryInterval time.Duration
	Heartbeat     time.Duration
	Dial          Dialer
}

func (o Options) applyDefaults() Options {
	if o.MaxRetries < 1 {
		o.MaxRetries = 5
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 300 * time.Second
	}
	if o.Dial == nil {
		o.Dial = DialAMQP
	}
	return o
}

// Connection is an open broker connection together with the channel the
// owning component uses.  It is created once at startup and released with
// Close on shutdown.
type Connection struct {
	conn Conn
	ch   Channel
}

// Channel returns the channel opened during Connect.
func (c *Connection) Channel() Channel { return c.ch }


// NotifyClose registers receiver for connection level close events.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

// WatchClose calls onLost once if the broker closes the connection with an
// error.  A clean Close does not call it.  The connection is not redialed.
func (c *Connection) WatchClose(onLost func(err error)) {
	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			onLost(err)
		}
	}()
}

// Close closes the channel and then the connection.
func (c *Connection) Close() error {
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}

// Connect dials the broker up to opts.MaxRetries times, sleeping
// opts.RetryInterval between attempts.  It never dials more than MaxRetries
// times.  The returned error wraps ErrBrokerUnavailable, or ctx.Err() when
// the context ends first.
func Connect(ctx context.Context, opts Options) (*Connection, error) {
	opts = opts.applyDefaults()
	target := redact(opts.URL)
	cfg := amqp.Config{
		Heartbeat:  opts.Heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	if opts.Name != "" {
		cfg.Properties.SetClientConnectionName(opts.Name)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		log := logrus.WithFields(logrus.Fields{
			"broker":  target,
			"attempt": attempt,
			"max":     opts.MaxRetries,
		})
		log.Info("connecting to broker")

		conn, err := opts.Dial(opts.URL, cfg)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				metrics.ConnectAttempts.WithLabelValues("success").Inc()
				log.Info("connected to broker")
				return &Connection{conn: conn, ch: ch}, nil
			}
			_ = conn.Close()
			err = fmt.Errorf("open channel: %w", chErr)
		}
		lastErr = err
		metrics.ConnectAttempts.WithLabelValues("failure").Inc()

		if attempt == opts.MaxRetries {
			break
		}
		log.WithError(err).Warnf("broker not ready, retrying in %s", opts.RetryInterval)
		select {
		case <-time.After(opts.RetryInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to %s: %w", target, ctx.Err())
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrBrokerUnavailable, target, opts.MaxRetries, lastErr)
}

// redact strips credentials from an AMQP URL for logging.
func redact(url string) string {
	u, err := amqp.ParseURI(url)
	if err != nil {
		return "<invalid amqp url>"
	}
	return fmt.Sprintf("%s:%d%s", u.Host, u.Port, u.Vhost)
}
