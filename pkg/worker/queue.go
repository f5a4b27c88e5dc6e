package worker

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/amqpclient"
)

// Item is an encoded event waiting to be published.
type Item struct {
	Destination amqpclient.Destination
	Body        []byte
	// Attempts counts transient failures so far.
	Attempts int
}

// Queue is an unbounded FIFO safe for many producers and one consumer. Push
// never blocks on the consumer.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	signal chan struct{}
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push appends item.
func (q *Queue) Push(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.notify()
}

// PushFront puts item back at the head, ahead of everything queued.
func (q *Queue) PushFront(item Item) {
	q.mu.Lock()
	q.items = append([]Item{item}, q.items...)
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Poll removes the head item, waiting up to timeout for one to arrive.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) (Item, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if item, ok := q.pop(); ok {
			return item, true
		}
		select {
		case <-q.signal:
		case <-timer.C:
			return q.pop()
		case <-ctx.Done():
			return Item{}, false
		}
	}
}

func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
