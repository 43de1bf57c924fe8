// Package brokertest provides an in-memory broker that speaks enough of the
// AMQP channel API for tests: durable exchange/queue declaration with
// conflict detection, topic routing, alternate exchanges and auto-ack
// consumption.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lockdownpark/parkbus/internal/broker"
	"github.com/lockdownpark/parkbus/internal/topology"
)

type exchange struct {
	kind    string
	durable bool
	args    amqp.Table
}

type queue struct {
	durable bool
	args    amqp.Table
	msgs    []amqp.Delivery
	signal  chan struct{}
}

type consumer struct {
	queue string
	done  chan struct{}
}

// Publication is one accepted publish call.
type Publication struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// Broker is an in-memory broker.  It implements broker.Channel; every
// channel opened through a Conn shares the same state.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	bindings  map[string][]topology.Binding // exchange -> bindings
	consumers map[string]*consumer
	published []Publication
	closers   []chan *amqp.Error
	severed   bool
	tag       uint64
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]topology.Binding),
		consumers: make(map[string]*consumer),
	}
}

var _ broker.Channel = (*Broker)(nil)

func precondition(format string, args ...any) error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - " + fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - " + fmt.Sprintf(format, args...)}
}

func (b *Broker) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable || !sameArgs(ex.args, args) {
			return precondition("inequivalent arg for exchange '%s'", name)
		}
		return nil
	}
	b.exchanges[name] = &exchange{kind: kind, durable: durable, args: args}
	return nil
}

func (b *Broker) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[name]; !ok {
		return notFound("no exchange '%s'", name)
	}
	return nil
}

func (b *Broker) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		if q.durable != durable || !sameArgs(q.args, args) {
			return amqp.Queue{}, precondition("inequivalent arg for queue '%s'", name)
		}
		return amqp.Queue{Name: name, Messages: len(q.msgs)}, nil
	}
	b.queues[name] = &queue{durable: durable, args: args, signal: make(chan struct{})}
	return amqp.Queue{Name: name}, nil
}

func (b *Broker) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return notFound("no exchange '%s'", exchange)
	}
	if _, ok := b.queues[name]; !ok {
		return notFound("no queue '%s'", name)
	}
	for _, existing := range b.bindings[exchange] {
		if existing.Queue == name && existing.Pattern == key {
			return nil
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], topology.Binding{Queue: name, Pattern: key})
	return nil
}

func (b *Broker) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.severed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return notFound("no exchange '%s'", exchange)
	}
	b.published = append(b.published, Publication{Exchange: exchange, Key: key, Msg: msg})
	b.route(exchange, key, msg, 0)
	return nil
}

// route must be called with b.mu held.
func (b *Broker) route(exchange, key string, msg amqp.Publishing, depth int) {
	ex := b.exchanges[exchange]
	routed := false
	for _, bind := range b.bindings[exchange] {
		if ex.kind == amqp.ExchangeFanout || topology.Match(bind.Pattern, key) {
			b.enqueue(bind.Queue, exchange, key, msg)
			routed = true
		}
	}
	if routed || depth > 0 {
		return
	}
	if ae, ok := ex.args["alternate-exchange"].(string); ok {
		if _, exists := b.exchanges[ae]; exists {
			b.route(ae, key, msg, depth+1)
		}
	}
}

func (b *Broker) enqueue(name, exchange, key string, msg amqp.Publishing) {
	q := b.queues[name]
	q.msgs = append(q.msgs, amqp.Delivery{
		Headers:      msg.Headers,
		ContentType:  msg.ContentType,
		DeliveryMode: msg.DeliveryMode,
		MessageId:    msg.MessageId,
		Timestamp:    msg.Timestamp,
		Type:         msg.Type,
		AppId:        msg.AppId,
		Exchange:     exchange,
		RoutingKey:   key,
		Body:         append([]byte(nil), msg.Body...),
	})
	close(q.signal)
	q.signal = make(chan struct{})
}

// Consume starts an auto-ack consumer.  A message is removed from the queue
// as soon as it is handed to the deliveries channel.
func (b *Broker) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if !autoAck {
		return nil, errors.New("brokertest: only auto-ack consumers are supported")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queueName]; !ok {
		return nil, notFound("no queue '%s'", queueName)
	}
	if tag == "" {
		tag = fmt.Sprintf("ctag-%d", len(b.consumers)+1)
	}
	if _, ok := b.consumers[tag]; ok {
		return nil, fmt.Errorf("brokertest: consumer tag %q in use", tag)
	}
	c := &consumer{queue: queueName, done: make(chan struct{})}
	b.consumers[tag] = c
	out := make(chan amqp.Delivery)
	go b.pump(c, out)
	return out, nil
}

func (b *Broker) pump(c *consumer, out chan<- amqp.Delivery) {
	defer close(out)
	for {
		b.mu.Lock()
		q := b.queues[c.queue]
		if len(q.msgs) > 0 {
			d := q.msgs[0]
			q.msgs = q.msgs[1:]
			b.tag++
			d.DeliveryTag = b.tag
			b.mu.Unlock()
			select {
			case out <- d:
			case <-c.done:
				return
			}
			continue
		}
		signal := q.signal
		b.mu.Unlock()
		select {
		case <-signal:
		case <-c.done:
			return
		}
	}
}

// Cancel stops a consumer and closes its deliveries channel.
func (b *Broker) Cancel(tag string, noWait bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[tag]
	if !ok {
		return notFound("no consumer '%s'", tag)
	}
	delete(b.consumers, tag)
	close(c.done)
	return nil
}

// Close stops every consumer.  Declared state survives so a new Conn can be
// opened against the same broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tag, c := range b.consumers {
		close(c.done)
		delete(b.consumers, tag)
	}
	return nil
}

// Sever simulates the broker dropping the connection: consumers stop, close
// listeners are notified and publishes fail with amqp.ErrClosed until the
// next successful Dial.
func (b *Broker) Sever() {
	_ = b.Close()
	b.mu.Lock()
	closers := b.closers
	b.closers = nil
	b.severed = true
	b.mu.Unlock()
	for _, c := range closers {
		select {
		case c <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker shutdown"}:
		default:
		}
		close(c)
	}
}

// Depth returns the number of messages waiting in a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.msgs)
	}
	return 0
}

// WaitEmpty polls until the queue is drained or the timeout elapses.
func (b *Broker) WaitEmpty(name string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Depth(name) == 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return b.Depth(name) == 0
}

// HasConsumer reports whether a consumer with tag is active.
func (b *Broker) HasConsumer(tag string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.consumers[tag]
	return ok
}

// Bindings returns the bindings of an exchange.
func (b *Broker) Bindings(exchange string) []topology.Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]topology.Binding(nil), b.bindings[exchange]...)
}

// HasExchange reports whether name has been declared.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// Published returns every accepted publish in order.
func (b *Broker) Published() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publication(nil), b.published...)
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Dialer returns broker.Conn values backed by a Broker.  The first Failures
// dial attempts fail.
type Dialer struct {
	Broker   *Broker
	Failures int

	mu    sync.Mutex
	calls int
}

// Dial implements broker.Dialer.
func (d *Dialer) Dial(url string, cfg amqp.Config) (broker.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.Failures {
		return nil, fmt.Errorf("dial tcp: connection refused (attempt %d)", d.calls)
	}
	d.Broker.mu.Lock()
	d.Broker.severed = false
	d.Broker.mu.Unlock()
	return &conn{b: d.Broker}, nil
}

// Calls returns how many times Dial ran.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type conn struct {
	b         *Broker
	mu        sync.Mutex
	closed    bool
	receivers []chan *amqp.Error
}

func (c *conn) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	return c.b, nil
}

func (c *conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	c.receivers = append(c.receivers, receiver)
	c.mu.Unlock()
	c.b.mu.Lock()
	c.b.closers = append(c.b.closers, receiver)
	c.b.mu.Unlock()
	return receiver
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	c.b.release(c.receivers)
	return c.b.Close()
}

// release closes the receivers a clean Close owns, skipping those Sever has
// already closed.
func (b *Broker) release(receivers []chan *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.closers[:0]
	for _, c := range b.closers {
		owned := false
		for _, r := range receivers {
			if c == r {
				owned = true
				break
			}
		}
		if owned {
			close(c)
			continue
		}
		kept = append(kept, c)
	}
	b.closers = kept
}
