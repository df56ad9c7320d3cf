package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"overtone/internal/kit"
	"overtone/internal/logging"
	"overtone/internal/metrics"
	"overtone/internal/tuning"
)

// DefaultDebounce is how long the writer waits after the last change before
// flushing.
const DefaultDebounce = 600 * time.Millisecond

// ErrWriterClosed is returned by Record after Close.
var ErrWriterClosed = errors.New("store: writer closed")

type headKey struct {
	drum string
	head kit.Head
}

// AsyncWriter batches progress for a Store off the frame goroutine. Head
// snapshots are coalesced per (drum, head), last write wins; lock events
// are queued in order. A flush runs once changes stop arriving for the
// debounce interval. Failed flushes are reported on Errors and dropped.
//
// AsyncWriter implements tuning.ProgressSink and tuning.LockRecorder.
type AsyncWriter struct {
	store    *Store
	kit      string
	debounce time.Duration
	log      *logging.Logger
	metrics  *metrics.TunerMetrics

	mu     sync.Mutex
	heads  map[headKey]tuning.HeadSnapshot
	locks  []tuning.LockEvent
	timer  *time.Timer
	closed bool

	flushMu sync.Mutex
	errs    chan error
}

// WriterOption configures an AsyncWriter.
type WriterOption func(*AsyncWriter)

// WithDebounce sets the flush delay.
func WithDebounce(d time.Duration) WriterOption {
	return func(w *AsyncWriter) { w.debounce = d }
}

// WithWriterLogger sets the logger.
func WithWriterLogger(l *logging.Logger) WriterOption {
	return func(w *AsyncWriter) { w.log = l }
}

// WithWriterMetrics records flushes and queue depth.
func WithWriterMetrics(m *metrics.TunerMetrics) WriterOption {
	return func(w *AsyncWriter) { w.metrics = m }
}

// NewAsyncWriter creates a writer for one kit.
func NewAsyncWriter(s *Store, kitName string, opts ...WriterOption) *AsyncWriter {
	w := &AsyncWriter{
		store:    s,
		kit:      kitName,
		debounce: DefaultDebounce,
		heads:    make(map[headKey]tuning.HeadSnapshot),
		errs:     make(chan error, 16),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = logging.Default().WithComponent("store")
	}
	return w
}

// SaveHead queues a head snapshot. It never blocks on the database.
func (w *AsyncWriter) SaveHead(snap tuning.HeadSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.heads[headKey{snap.DrumID, snap.Head}] = snap
	w.scheduleLocked()
}

// Record queues a lock event.
func (w *AsyncWriter) Record(ev tuning.LockEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	w.locks = append(w.locks, ev)
	w.scheduleLocked()
	return nil
}

func (w *AsyncWriter) scheduleLocked() {
	w.metrics.SetPendingWrites(len(w.heads) + len(w.locks))
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Flush(); err != nil {
			w.report(err)
		}
	})
}

func (w *AsyncWriter) report(err error) {
	w.log.Error("progress flush failed", "kit", w.kit, "error", err)
	select {
	case w.errs <- err:
	default:
	}
}

// Errors delivers flush failures. The channel is buffered; failures beyond
// its capacity are only logged.
func (w *AsyncWriter) Errors() <-chan error {
	return w.errs
}

// Pending is the number of queued heads and locks.
func (w *AsyncWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.heads) + len(w.locks)
}

// Flush writes everything queued now.
func (w *AsyncWriter) Flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	heads := w.heads
	locks := w.locks
	w.heads = make(map[headKey]tuning.HeadSnapshot)
	w.locks = nil
	w.mu.Unlock()

	if len(heads) == 0 && len(locks) == 0 {
		return nil
	}

	snaps := make([]tuning.HeadSnapshot, 0, len(heads))
	for _, s := range heads {
		snaps = append(snaps, s)
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].DrumID != snaps[j].DrumID {
			return snaps[i].DrumID < snaps[j].DrumID
		}
		return snaps[i].Head < snaps[j].Head
	})

	start := time.Now()
	err := w.store.SaveHeads(w.kit, snaps)
	if lerr := w.store.AppendLocks(w.kit, locks); err == nil {
		err = lerr
	}
	w.metrics.RecordFlush(time.Since(start), err != nil)
	w.metrics.SetPendingWrites(w.Pending())

	if err != nil {
		return err
	}
	w.log.Debug("progress flushed", "kit", w.kit, "heads", len(snaps), "locks", len(locks))
	return nil
}

// Close stops the debounce timer and flushes what is left. Later
// snapshots are ignored.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	return w.Flush()
}
