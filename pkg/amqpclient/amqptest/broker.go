// Package amqptest provides an in-memory broker implementing amqpclient.Dialer
// with fault injection, for tests of code that publishes through amqpclient.
package amqptest

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/amqpclient"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is a publish accepted by the broker.
type Message struct {
	Queue      string
	Publishing amqpclient.Publishing
}

// Broker is a fake AMQP broker. All methods are safe for concurrent use.
type Broker struct {
	mu sync.Mutex

	queues    map[string]amqpclient.QueueSpec
	published []Message
	conns     []*Conn

	failDials     int
	failPublishes int
	nacks         int
	publishErr    error
	noConfirm     bool
	publishDelay  time.Duration

	dials, channels, publishes, declares, connCloses int
}

// NewBroker creates an empty, healthy broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]amqpclient.QueueSpec)}
}

// --- fault injection ---

// FailNextDials makes the next n dials fail with a refused connection.
func (b *Broker) FailNextDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

// FailNextPublishes makes the next n publishes fail as if the stream was lost.
// The connection carrying the publish is broken as well.
func (b *Broker) FailNextPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublishes = n
}

// NackNext makes the broker negatively acknowledge the next n confirmed publishes.
func (b *Broker) NackNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacks = n
}

// FailPublishesWith makes every publish return err until called with nil.
func (b *Broker) FailPublishesWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// DisableConfirms makes confirm.select fail on new channels.
func (b *Broker) DisableConfirms() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.noConfirm = true
}

// SetPublishDelay makes every publish take d.
func (b *Broker) SetPublishDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishDelay = d
}

// CloseChannels closes every open channel while leaving connections up.
func (b *Broker) CloseChannels() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		for _, ch := range c.chans {
			ch.closed = true
		}
	}
}

// BreakConnections drops every open connection.
func (b *Broker) BreakConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.breakLocked()
	}
}

// --- inspection ---

// Published returns the accepted messages in publish order.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns the bodies accepted for queue.
func (b *Broker) PublishedTo(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.published {
		if m.Queue == queue {
			out = append(out, m.Publishing.Body)
		}
	}
	return out
}

// Declared returns the sorted names of declared queues.
func (b *Broker) Declared() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queue returns the declared properties of a queue.
func (b *Broker) Queue(name string) (amqpclient.QueueSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

// Dials counts dial attempts, including failed ones.
func (b *Broker) Dials() int { b.mu.Lock(); defer b.mu.Unlock(); return b.dials }

// Channels counts channels opened.
func (b *Broker) Channels() int { b.mu.Lock(); defer b.mu.Unlock(); return b.channels }

// Publishes counts publish attempts, including failed ones.
func (b *Broker) Publishes() int { b.mu.Lock(); defer b.mu.Unlock(); return b.publishes }

// Declares counts queue declarations, including redeclarations.
func (b *Broker) Declares() int { b.mu.Lock(); defer b.mu.Unlock(); return b.declares }

// ConnectionCloses counts client-initiated connection closes.
func (b *Broker) ConnectionCloses() int { b.mu.Lock(); defer b.mu.Unlock(); return b.connCloses }

// OpenConnections counts connections that are neither closed nor broken.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// Dial implements amqpclient.Dialer.
func (b *Broker) Dial(ctx context.Context, _ *amqpclient.Config) (amqpclient.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, amqpclient.Wrap("dial", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED))
	}
	c := &Conn{broker: b, done: make(chan struct{})}
	b.conns = append(b.conns, c)
	return c, nil
}

// Conn is a fake connection.
type Conn struct {
	broker *Broker
	chans  []*Channel
	closed bool
	done   chan struct{}
}

func (c *Conn) breakLocked() {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.chans {
		ch.closed = true
	}
	close(c.done)
}

// Channel implements amqpclient.Connection.
func (c *Conn) Channel() (amqpclient.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqpclient.Wrap("open channel", amqp.ErrClosed)
	}
	c.broker.channels++
	ch := &Channel{conn: c}
	c.chans = append(c.chans, ch)
	return ch, nil
}

// IsClosed implements amqpclient.Connection.
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Process implements amqpclient.Connection.
func (c *Conn) Process(ctx context.Context, limit time.Duration) error {
	if c.IsClosed() {
		return amqpclient.Transient("keepalive", amqp.ErrClosed)
	}
	if limit <= 0 {
		return nil
	}
	t := time.NewTimer(limit)
	defer t.Stop()
	select {
	case <-c.done:
		return amqpclient.Transient("keepalive", amqp.ErrClosed)
	case <-t.C:
	case <-ctx.Done():
	}
	return nil
}

// Close implements amqpclient.Connection.
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil
	}
	c.broker.connCloses++
	c.breakLocked()
	return nil
}

// Channel is a fake channel.
type Channel struct {
	conn       *Conn
	confirming bool
	closed     bool
}

// Confirm implements amqpclient.Channel.
func (ch *Channel) Confirm() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqpclient.Wrap("confirm select", amqp.ErrClosed)
	}
	if b.noConfirm {
		return amqpclient.Wrap("confirm select", &amqp.Error{Code: amqp.NotImplemented, Reason: "NOT_IMPLEMENTED - confirms disabled"})
	}
	ch.confirming = true
	return nil
}

// DeclareQueue implements amqpclient.Channel. Redeclaring with different
// properties fails with PRECONDITION_FAILED and closes the channel.
func (ch *Channel) DeclareQueue(spec amqpclient.QueueSpec) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqpclient.Wrap("declare "+spec.Name, amqp.ErrClosed)
	}
	b.declares++
	if existing, ok := b.queues[spec.Name]; ok {
		if existing.Durable != spec.Durable || !reflect.DeepEqual(existing.Args, spec.Args) {
			ch.closed = true
			return amqpclient.Wrap("declare "+spec.Name, &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: "PRECONDITION_FAILED - inequivalent arg for queue '" + spec.Name + "'",
			})
		}
		return nil
	}
	b.queues[spec.Name] = spec
	return nil
}

// Publish implements amqpclient.Channel. Publishes to undeclared queues are
// acknowledged and dropped, as with the default exchange.
func (ch *Channel) Publish(ctx context.Context, routingKey string, msg amqpclient.Publishing) (bool, error) {
	b := ch.conn.broker

	b.mu.Lock()
	delay := b.publishDelay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, amqpclient.Wrap("publish", ctx.Err())
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishes++
	if ch.closed {
		return false, amqpclient.Wrap("publish", amqp.ErrClosed)
	}
	if b.failPublishes > 0 {
		b.failPublishes--
		ch.conn.breakLocked()
		return false, amqpclient.Wrap("publish", io.ErrUnexpectedEOF)
	}
	if b.publishErr != nil {
		return false, b.publishErr
	}
	if ch.confirming && b.nacks > 0 {
		b.nacks--
		return false, nil
	}
	if _, ok := b.queues[routingKey]; ok {
		body := make([]byte, len(msg.Body))
		copy(body, msg.Body)
		msg.Body = body
		b.published = append(b.published, Message{Queue: routingKey, Publishing: msg})
	}
	return true, nil
}

// IsClosed implements amqpclient.Channel.
func (ch *Channel) IsClosed() bool {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close implements amqpclient.Channel.
func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	ch.closed = true
	return nil
}
