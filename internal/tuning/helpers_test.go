package tuning

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"overtone/internal/kit"
	"overtone/internal/logging"
	"overtone/internal/pitch"
)

const frameStep = 10 * time.Millisecond

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	live := !t.stopped && !t.fired
	t.stopped = true
	return live
}

// fakeScheduler records deferred calls and runs them only when told to.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Fire runs every live timer and returns how many ran.
func (s *fakeScheduler) Fire() int {
	s.mu.Lock()
	var live []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			live = append(live, t)
		}
	}
	s.mu.Unlock()

	for _, t := range live {
		t.f()
	}
	return len(live)
}

func (s *fakeScheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

type memProgress struct {
	mu    sync.Mutex
	saved []HeadSnapshot
}

func (m *memProgress) SaveHead(s HeadSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, s)
}

type harness struct {
	t        *testing.T
	e        *Engine
	sched    *fakeScheduler
	progress *memProgress
	locks    []LockEvent
	errs     []error
	now      time.Time
}

func newHarness(t *testing.T, k *kit.Kit, s Settings) *harness {
	t.Helper()
	return newHarnessWith(t, k, s, nil)
}

// newHarnessWith lets a test adjust the options before the engine is built.
func newHarnessWith(t *testing.T, k *kit.Kit, s Settings, adjust func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		sched:    &fakeScheduler{},
		progress: &memProgress{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	opts := Options{
		Kit:       k,
		Settings:  s,
		Progress:  h.progress,
		Scheduler: h.sched,
		Logger:    logging.Discard(),
		SessionID: "test",
		Recorder: RecorderFunc(func(ev LockEvent) error {
			h.locks = append(h.locks, ev)
			return nil
		}),
		OnError: func(err error) { h.errs = append(h.errs, err) },
	}
	if adjust != nil {
		adjust(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	h.e = e
	return h
}

// feed sends n frames at hz and rms, one every frameStep, and returns the
// lock events they produced.
func (h *harness) feed(hz, rms float64, n int) []LockEvent {
	var locks []LockEvent
	for i := 0; i < n; i++ {
		r := h.e.ProcessReading(pitch.Result{Hz: hz, RMS: rms, Found: hz > 0}, h.now)
		if r.Lock != nil {
			locks = append(locks, *r.Lock)
		}
		h.now = h.now.Add(frameStep)
	}
	return locks
}

func (h *harness) quiet(d time.Duration) {
	h.feed(0, 0, int(d/frameStep))
}

func (h *harness) target() float64 {
	h.t.Helper()
	hz, err := h.e.Target(h.e.Cursor())
	require.NoError(h.t, err)
	return hz
}

// lockHere strikes the current point in tune, lets the strike decay and
// fires the deferred advance.
func (h *harness) lockHere() LockEvent {
	h.t.Helper()
	locks := h.feed(h.target(), 0.2, 40)
	require.Len(h.t, locks, 1, "no lock at %s", h.e.Cursor())
	h.quiet(1500 * time.Millisecond)
	h.sched.Fire()
	return locks[0]
}

func tomKit(ids ...string) *kit.Kit {
	k := &kit.Kit{Name: "test"}
	for _, id := range ids {
		k.Drums = append(k.Drums, kit.Drum{ID: id, Type: kit.Tom, DiameterInches: 12, LugCount: 6})
	}
	return k
}

var errRecorder = errors.New("disk full")
