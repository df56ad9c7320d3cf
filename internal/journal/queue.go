package journal

import (
	"errors"
	"sync"
	"sync/atomic"

	"overtone/internal/logging"
	"overtone/internal/tuning"
)

// DefaultQueueSize bounds the lock events waiting to be appended.
const DefaultQueueSize = 64

var (
	// ErrQueueFull is returned by Queue.Record when the appender has fallen
	// behind. The event is dropped.
	ErrQueueFull = errors.New("journal: queue full")

	// ErrQueueClosed is returned by Queue.Record after Close.
	ErrQueueClosed = errors.New("journal: queue closed")
)

type queued struct {
	ev  tuning.LockEvent
	ack chan struct{}
}

// Queue hands lock events to a recorder, usually a Journal, on its own
// goroutine. Record never waits on a write or an fsync; when the queue is
// full the event is dropped and ErrQueueFull returned. Append failures are
// logged and sent on Errors.
//
// Queue implements tuning.LockRecorder.
type Queue struct {
	dst  tuning.LockRecorder
	size int
	log  *logging.Logger

	mu      sync.RWMutex
	closed  bool
	items   chan queued
	done    chan struct{}
	errs    chan error
	pending atomic.Int64
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueSize sets how many events may wait.
func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.size = n
		}
	}
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l *logging.Logger) QueueOption {
	return func(q *Queue) { q.log = l }
}

// NewQueue starts the appender goroutine. Close stops it.
func NewQueue(dst tuning.LockRecorder, opts ...QueueOption) *Queue {
	q := &Queue{
		dst:  dst,
		size: DefaultQueueSize,
		done: make(chan struct{}),
		errs: make(chan error, 16),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = logging.Default().WithComponent("journal")
	}
	q.items = make(chan queued, q.size)
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for it := range q.items {
		if it.ack != nil {
			close(it.ack)
			continue
		}
		if err := q.dst.Record(it.ev); err != nil {
			q.report(err)
		}
		q.pending.Add(-1)
	}
}

func (q *Queue) report(err error) {
	q.log.Error("journal append failed", "error", err)
	select {
	case q.errs <- err:
	default:
	}
}

// Record queues ev without blocking.
func (q *Queue) Record(ev tuning.LockEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.pending.Add(1)
	select {
	case q.items <- queued{ev: ev}:
		return nil
	default:
		q.pending.Add(-1)
		q.log.Warn("journal queue full, lock dropped",
			"drum", ev.DrumID, "head", string(ev.Head), "point", ev.Point)
		return ErrQueueFull
	}
}

// Errors delivers append failures. Failures beyond the buffer are only
// logged.
func (q *Queue) Errors() <-chan error {
	return q.errs
}

// Pending is the number of events not yet appended.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Flush waits until every event queued before the call has been appended.
func (q *Queue) Flush() {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return
	}
	ack := make(chan struct{})
	q.items <- queued{ack: ack}
	q.mu.RUnlock()
	<-ack
}

// Close appends what is queued and stops the goroutine. It does not close
// the underlying journal.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.items)
	q.mu.Unlock()
	<-q.done
}
