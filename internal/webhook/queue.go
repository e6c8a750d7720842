package webhook

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const queueSize = 64

type delivery struct {
	event   Event
	payload []byte
}

// Queue delivers the webhooks of a single prediction in order on one
// goroutine. Intermediate events are fire-and-forget, the terminal event is
// delivered synchronously by Flush.
type Queue struct {
	ctx    context.Context //nolint:containedctx // carries the trace context of the originating request
	sender Sender
	url    string
	filter []Event
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	ch     chan delivery
	done   chan struct{}

	// only touched by the delivery goroutine
	lastUpdated time.Time
}

// NewQueue starts the delivery goroutine for one prediction. It exits once
// Flush has delivered the terminal event.
func NewQueue(ctx context.Context, sender Sender, url string, filter []Event, logger *zap.Logger) *Queue {
	q := &Queue{
		ctx:    ctx,
		sender: sender,
		url:    url,
		filter: filter,
		logger: logger,
		ch:     make(chan delivery, queueSize),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for d := range q.ch {
		// Errors are logged by the sender, nothing to retry here
		_ = q.sender.SendConditional(q.ctx, q.url, d.payload, d.event, q.filter, &q.lastUpdated)
	}
}

// Enqueue schedules an intermediate delivery. It never blocks: when the
// buffer is full the event is dropped, the next one carries the cumulative
// state anyway. Returns false if the event was not queued.
func (q *Queue) Enqueue(event Event, payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- delivery{event: event, payload: payload}:
		return true
	default:
		q.logger.Sugar().Warnw("webhook queue full, dropping event", "url", q.url, "event", string(event))
		return false
	}
}

// Flush queues the terminal delivery and blocks until every queued delivery
// has been attempted. Subsequent calls are no-ops.
func (q *Queue) Flush(event Event, payload []byte) {
	q.close(&delivery{event: event, payload: payload})
}

// Close stops the queue after the pending deliveries without sending a
// terminal event.
func (q *Queue) Close() {
	q.close(nil)
}

func (q *Queue) close(last *delivery) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	if last != nil {
		q.ch <- *last
	}
	close(q.ch)
	q.mu.Unlock()
	<-q.done
}
