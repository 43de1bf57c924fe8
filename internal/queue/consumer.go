package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/lockdownpark/parkbus/internal/broker"
	"github.com/lockdownpark/parkbus/internal/metrics"
	"github.com/lockdownpark/parkbus/internal/topology"
)

// ErrDeliveriesClosed is returned by Consumer.Run when the broker closed a
// deliveries channel while the consumer was still meant to be running,
// usually because the connection dropped.
var ErrDeliveriesClosed = errors.New("deliveries channel closed")

// Handler processes one delivery.  *Dispatcher implements it.
type Handler interface {
	Dispatch(ctx context.Context, m Delivery) Outcome
}

// Subscriber is the part of a broker channel a Consumer needs.
type Subscriber interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Queues []string
	// Workers is the number of goroutines per queue.  One keeps handling
	// in publish order within each queue.
	Workers int
	// TagPrefix prefixes consumer tags; the queue name is appended.
	TagPrefix string
}

// Consumer subscribes to a set of queues with auto-ack and hands every
// delivery to a Handler.  A message is acknowledged by the broker as soon
// as it is delivered, so a failing handler never causes a redelivery.
type Consumer struct {
	sub     Subscriber
	handler Handler
	opts    ConsumerOptions
}

func NewConsumer(sub Subscriber, h Handler, opts ConsumerOptions) *Consumer {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.TagPrefix == "" {
		opts.TagPrefix = "parkbus"
	}
	if len(opts.Queues) == 0 {
		opts.Queues = topology.Default("").Queues()
	}
	return &Consumer{sub: sub, handler: h, opts: opts}
}

type subscription struct {
	queue      string
	tag        string
	deliveries <-chan amqp.Delivery
}

// Run consumes until ctx is cancelled, in which case it cancels every
// subscription, waits for in-flight handlers and returns nil.  If a
// deliveries channel closes first it stops the rest and returns an error
// wrapping ErrDeliveriesClosed.
func (c *Consumer) Run(ctx context.Context) error {
	subs := make([]subscription, 0, len(c.opts.Queues))
	for _, q := range c.opts.Queues {
		tag := c.opts.TagPrefix + "-" + strings.ToLower(q)
		deliveries, err := c.sub.Consume(
			q,     // queue
			tag,   // consumer
			true,  // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err != nil {
			c.cancel(subs)
			return fmt.Errorf("consume %s: %w", q, err)
		}
		subs = append(subs, subscription{queue: q, tag: tag, deliveries: deliveries})
		logrus.WithFields(logrus.Fields{"queue": q, "workers": c.opts.Workers}).Info("listening")
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	// Handlers outlive cancellation so an in-flight message finishes its
	// side effects during shutdown.
	handlerCtx := context.WithoutCancel(ctx)

	closed := make(chan string, len(subs)*c.opts.Workers)
	var wg sync.WaitGroup
	for _, s := range subs {
		for i := 0; i < c.opts.Workers; i++ {
			wg.Add(1)
			go func(s subscription) {
				defer wg.Done()
				c.work(runCtx, handlerCtx, s, closed)
			}(s)
		}
	}

	select {
	case <-ctx.Done():
		logrus.Info("consumer stopping")
		c.cancel(subs)
		wg.Wait()
		return nil
	case q := <-closed:
		stop()
		c.cancel(subs)
		wg.Wait()
		return fmt.Errorf("%w: queue %s", ErrDeliveriesClosed, q)
	}
}

func (c *Consumer) work(ctx, handlerCtx context.Context, s subscription, closed chan<- string) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-s.deliveries:
			if !ok {
				closed <- s.queue
				return
			}
			metrics.Deliveries.WithLabelValues(s.queue).Inc()
			c.handle(handlerCtx, Delivery{
				Queue:      s.queue,
				RoutingKey: d.RoutingKey,
				MessageID:  d.MessageId,
				Body:       d.Body,
			})
		}
	}
}

// handle keeps a misbehaving Handler from taking the worker down.  The
// message is already acked, so it is lost either way.
func (c *Consumer) handle(ctx context.Context, m Delivery) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"queue":       m.Queue,
				"routing_key": m.RoutingKey,
				"panic":       r,
			}).Error("handler panicked, message lost")
		}
	}()
	c.handler.Dispatch(ctx, m)
}

func (c *Consumer) cancel(subs []subscription) {
	for _, s := range subs {
		if err := c.sub.Cancel(s.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			logrus.WithError(err).WithField("queue", s.queue).Debug("cancel consumer")
		}
	}
}

// Supervisor owns the consumer side of a process: it connects, declares the
// topology and consumes.  When the connection drops mid-run it reconnects
// with a fresh retry budget; when that budget or the declaration fails it
// returns the error so the process can exit.
type Supervisor struct {
	Connect func(ctx context.Context) (*broker.Connection, error)
	Spec    topology.Spec
	Handler Handler
	Options ConsumerOptions
	// Backoff is slept before reconnecting.  Zero reconnects immediately.
	Backoff time.Duration
}

// Run blocks until ctx is cancelled (returning nil) or a fatal error occurs.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Options.Queues == nil {
		s.Options.Queues = s.Spec.Queues()
	}
	for {
		conn, err := s.Connect(ctx)
		if err != nil {
			return err
		}
		if err := topology.Declare(conn.Channel(), s.Spec); err != nil {
			_ = conn.Close()
			return err
		}

		err = NewConsumer(conn.Channel(), s.Handler, s.Options).Run(ctx)
		if cerr := conn.Close(); cerr != nil {
			logrus.WithError(cerr).Debug("close broker connection")
		}
		if !errors.Is(err, ErrDeliveriesClosed) {
			return err
		}

		logrus.WithError(err).Warn("broker connection lost, reconnecting")
		if s.Backoff > 0 {
			select {
			case <-time.After(s.Backoff):
			case <-ctx.Done():
				return nil
			}
		}
	}
}
