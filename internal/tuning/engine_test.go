package tuning

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overtone/internal/condition"
	"overtone/internal/kit"
	"overtone/internal/logging"
	"overtone/internal/pitch"
)

func TestLockNeedsFullHold(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())
	hz := h.target()
	assert.InDelta(t, 140.0, hz, 1e-9)

	// 25 frames accumulate 240 ms of dwell.
	assert.Empty(t, h.feed(hz, 0.2, 25))

	// Leaving the window throws the dwell away once the median follows.
	var r Readout
	for i := 0; i < 3; i++ {
		r = h.e.ProcessReading(pitch.Result{Hz: pitch.ApplyCents(hz, 30), RMS: 0.2, Found: true}, h.now)
		h.now = h.now.Add(frameStep)
	}
	assert.Nil(t, r.Lock)
	assert.Zero(t, r.Dwell)
	assert.InDelta(t, 30, r.Cents, 0.01)

	// The median needs the odd reading flushed out before dwell restarts.
	locks := h.feed(hz, 0.2, 40)
	require.Len(t, locks, 1)
	ev := locks[0]
	assert.Equal(t, "t1", ev.DrumID)
	assert.Equal(t, kit.Batter, ev.Head)
	assert.Equal(t, 0, ev.Point)
	assert.Equal(t, "test", ev.SessionID)
	assert.InDelta(t, 0, ev.CentsOffset, 0.01)

	st, ok := h.e.HeadState("t1", kit.Batter)
	require.True(t, ok)
	assert.True(t, st.Points[0].Locked)
	assert.Equal(t, 1, st.LockedCount())
	assert.InDelta(t, 140.0, st.AverageLockedHz, 1e-9)
}

func TestQuietOrUnpitchedFramesNeverLock(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())
	hz := h.target()

	assert.Empty(t, h.feed(hz, 0.01, 100), "below rms threshold")
	assert.Empty(t, h.feed(0, 0.3, 100), "loud but unpitched")
	assert.Empty(t, h.feed(pitch.ApplyCents(hz, 12), 0.3, 100), "outside lock window")
	assert.Empty(t, h.locks)
}

func TestLockWindowIncludesMargin(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())
	locks := h.feed(pitch.ApplyCents(h.target(), -8), 0.2, 40)
	require.Len(t, locks, 1)
	assert.InDelta(t, -8, locks[0].CentsOffset, 0.01)
}

func TestSamePointDoesNotLockTwice(t *testing.T) {
	s := DefaultSettings()
	s.AutoAdvance = false
	h := newHarness(t, tomKit("t1"), s)
	hz := h.target()

	require.Len(t, h.feed(hz, 0.2, 40), 1)
	h.quiet(2 * time.Second)
	assert.Empty(t, h.feed(hz, 0.2, 100))
	assert.Equal(t, 0, h.e.Cursor().Point)
	assert.False(t, h.e.AdvancePending())

	// A manual jump back onto the point allows a fresh lock.
	require.NoError(t, h.e.JumpTo(0))
	assert.Len(t, h.feed(hz, 0.2, 40), 1)
	assert.Len(t, h.locks, 2)
}

func TestCooldownAndSilenceGate(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())
	hz := h.target()

	require.Len(t, h.feed(hz, 0.2, 31), 1)
	r := h.e.ProcessReading(pitch.Result{Hz: hz, RMS: 0.2, Found: true}, h.now)
	assert.True(t, r.Rearming)
	assert.True(t, r.SilenceArmed)
	assert.Equal(t, PhaseAdvancing, r.Phase)

	require.Equal(t, 1, h.sched.Fire())
	assert.Equal(t, 1, h.e.Cursor().Point)

	// Ringing on past the cooldown: the next point waits for silence.
	h.now = h.now.Add(frameStep)
	assert.Empty(t, h.feed(hz, 0.2, 200))

	// Decay shorter than the required silence does not open the gate.
	h.quiet(200 * time.Millisecond)
	assert.Empty(t, h.feed(hz, 0.2, 40))

	h.quiet(300 * time.Millisecond)
	assert.Len(t, h.feed(hz, 0.2, 40), 1)
}

func TestAdvanceStaysInsideHead(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())

	for want := 1; want < 6; want++ {
		h.lockHere()
		assert.Equal(t, Cursor{DrumID: "t1", Head: kit.Batter, Point: want}, h.e.Cursor())
	}
	assert.Equal(t, 260*time.Millisecond, h.sched.last().d)
}

func TestEightLugHeadDoesNotWrap(t *testing.T) {
	k := &kit.Kit{Name: "test", Drums: []kit.Drum{
		{ID: "sn", Type: kit.Snare, DiameterInches: 14, LugCount: 8},
	}}
	h := newHarness(t, k, DefaultSettings())

	// The last lug of a head with open points holds instead of wrapping.
	require.NoError(t, h.e.JumpTo(7))
	require.Len(t, h.feed(h.target(), 0.2, 40), 1)
	assert.False(t, h.e.AdvancePending())
	assert.Zero(t, h.sched.Fire())
	assert.Equal(t, Cursor{DrumID: "sn", Head: kit.Batter, Point: 7}, h.e.Cursor())

	require.NoError(t, h.e.JumpTo(0))
	h.quiet(1500 * time.Millisecond)
	for want := 1; want < 7; want++ {
		h.lockHere()
		assert.Equal(t, want, h.e.Cursor().Point)
	}

	// Point 6 is the last open one; locking it completes the head.
	h.lockHere()
	assert.Equal(t, Cursor{DrumID: "sn", Head: kit.Reso, Point: 0}, h.e.Cursor())
	st, _ := h.e.HeadState("sn", kit.Batter)
	assert.True(t, st.Complete())
}

func TestLastPointOfIncompleteHeadHolds(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())
	require.NoError(t, h.e.JumpTo(5))

	require.Len(t, h.feed(h.target(), 0.2, 40), 1)
	assert.False(t, h.e.AdvancePending())
	assert.Zero(t, h.sched.Fire())
	assert.Equal(t, Cursor{DrumID: "t1", Head: kit.Batter, Point: 5}, h.e.Cursor())
}

func TestBatterThenReso(t *testing.T) {
	h := newHarness(t, tomKit("t1", "t2"), DefaultSettings())
	for i := 0; i < 6; i++ {
		h.lockHere()
	}
	assert.Equal(t, Cursor{DrumID: "t1", Head: kit.Reso, Point: 0}, h.e.Cursor())
	assert.Equal(t, 380*time.Millisecond, h.sched.last().d)

	hz := h.target()
	assert.InDelta(t, 148.4, hz, 1e-9)
}

func TestResoReturnsToFirstUnlockedBatterPoint(t *testing.T) {
	h := newHarness(t, tomKit("t1", "t2"), DefaultSettings())
	h.lockHere()
	h.lockHere()
	require.Equal(t, 2, h.e.Cursor().Point)

	require.NoError(t, h.e.SwitchHead(kit.Reso))
	for i := 0; i < 6; i++ {
		h.lockHere()
	}
	assert.Equal(t, Cursor{DrumID: "t1", Head: kit.Batter, Point: 2}, h.e.Cursor())
}

func TestKitWrapsToFirstDrum(t *testing.T) {
	k := tomKit("t1", "t2", "t3")
	for i := range k.Drums {
		k.Drums[i].LugCount = 2
	}
	k.ActiveDrumID = "t3"
	h := newHarness(t, k, DefaultSettings())
	require.Equal(t, "t3", h.e.Cursor().DrumID)

	for i := 0; i < 4; i++ {
		h.lockHere()
	}
	assert.Equal(t, Cursor{DrumID: "t1", Head: kit.Batter, Point: 0}, h.e.Cursor())

	prog := h.e.Progress()
	require.Len(t, prog, 3)
	assert.False(t, prog[0].Complete())
	assert.True(t, prog[2].Complete())
	assert.Equal(t, 2, prog[2].Reso.Locked)
}

func TestOverrideCancelsAdvanceAndIsolatesHeads(t *testing.T) {
	h := newHarness(t, tomKit("t1", "t2"), DefaultSettings())
	h.lockHere()
	require.Len(t, h.feed(h.target(), 0.2, 40), 1)
	require.True(t, h.e.AdvancePending())
	stale := h.sched.last()

	require.NoError(t, h.e.SelectDrum("t2"))
	assert.False(t, h.e.AdvancePending())
	assert.True(t, stale.stopped)
	assert.Equal(t, Cursor{DrumID: "t2", Head: kit.Batter, Point: 0}, h.e.Cursor())

	// A callback that raced the cancel must not move the cursor.
	stale.f()
	assert.Equal(t, "t2", h.e.Cursor().DrumID)

	t1, _ := h.e.HeadState("t1", kit.Batter)
	assert.Equal(t, 2, t1.LockedCount())

	h.lockHere()
	require.NoError(t, h.e.ResetHead("t2", kit.Batter))
	t2, _ := h.e.HeadState("t2", kit.Batter)
	assert.Zero(t, t2.LockedCount())
	assert.Equal(t, 0, h.e.Cursor().Point)

	t1, _ = h.e.HeadState("t1", kit.Batter)
	assert.Equal(t, 2, t1.LockedCount())

	// Selecting a partly tuned drum resumes at its first open point.
	require.NoError(t, h.e.SelectDrum("t1"))
	assert.Equal(t, 2, h.e.Cursor().Point)
}

func TestOverridesRejectBadCursors(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())

	assert.ErrorIs(t, h.e.SelectDrum("snare"), ErrUnknownDrum)
	assert.ErrorIs(t, h.e.JumpTo(6), ErrInvalidCursor)
	assert.ErrorIs(t, h.e.JumpTo(-1), ErrInvalidCursor)
	assert.ErrorIs(t, h.e.SwitchHead("side"), ErrInvalidCursor)
	assert.ErrorIs(t, h.e.ResetHead("t9", kit.Batter), ErrUnknownDrum)
	assert.Equal(t, Cursor{DrumID: "t1", Head: kit.Batter, Point: 0}, h.e.Cursor())

	_, err := h.e.Target(Cursor{DrumID: "t1", Head: kit.Reso, Point: 7})
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestStopCancelsPendingAdvance(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())
	require.Len(t, h.feed(h.target(), 0.2, 40), 1)
	require.True(t, h.e.AdvancePending())
	stale := h.sched.last()

	h.e.Stop()
	h.e.Stop()
	assert.False(t, h.e.Running())
	assert.False(t, h.e.AdvancePending())
	assert.True(t, stale.stopped)

	stale.f()
	assert.Equal(t, 0, h.e.Cursor().Point)

	r := h.e.ProcessReading(pitch.Result{Hz: 140, RMS: 0.2, Found: true}, h.now)
	assert.Equal(t, PhaseIdle, r.Phase)

	// Restarting resumes at the first open point with locks kept.
	require.NoError(t, h.e.Start())
	assert.ErrorIs(t, h.e.Start(), ErrAlreadyRunning)
	assert.Equal(t, 1, h.e.Cursor().Point)
}

func TestRecorderFailureKeepsSessionGoing(t *testing.T) {
	sched := &fakeScheduler{}
	progress := &memProgress{}
	var errs []error
	e, err := New(Options{
		Kit:       tomKit("t1"),
		Scheduler: sched,
		Progress:  progress,
		Logger:    logging.Discard(),
		Recorder:  RecorderFunc(func(LockEvent) error { return errRecorder }),
		OnError:   func(err error) { errs = append(errs, err) },
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	now := time.Now()
	var locked bool
	for i := 0; i < 40 && !locked; i++ {
		r := e.ProcessReading(pitch.Result{Hz: 140, RMS: 0.2, Found: true}, now)
		locked = r.Lock != nil
		now = now.Add(frameStep)
	}
	require.True(t, locked)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], errRecorder)

	require.Len(t, progress.saved, 1)
	assert.Equal(t, 1, progress.saved[0].State.LockedCount())
	assert.True(t, e.AdvancePending())
	assert.NotEmpty(t, e.SessionID())
}

func TestSnapshotsAreCopies(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())
	h.lockHere()

	require.Len(t, h.progress.saved, 1)
	saved := h.progress.saved[0]
	assert.Equal(t, "t1", saved.DrumID)
	saved.State.Points[0].Locked = false

	st, _ := h.e.HeadState("t1", kit.Batter)
	assert.True(t, st.Points[0].Locked)
}

func TestRestoreResumesProgress(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())
	h.lockHere()
	h.lockHere()
	snaps := h.e.Snapshots()

	e, err := New(Options{Kit: tomKit("t1"), Scheduler: &fakeScheduler{}, Logger: logging.Discard()})
	require.NoError(t, err)

	stale := HeadSnapshot{DrumID: "t1", Head: kit.Reso, State: NewHeadState(4)}
	unknown := HeadSnapshot{DrumID: "kick", Head: kit.Batter, State: NewHeadState(8)}
	assert.Equal(t, 2, e.Restore(append(snaps, stale, unknown)))

	assert.Equal(t, Cursor{DrumID: "t1", Head: kit.Batter, Point: 2}, e.Cursor())
	st, _ := e.HeadState("t1", kit.Batter)
	assert.Equal(t, 2, st.LockedCount())
}

func TestCoupledGatesFollowHold(t *testing.T) {
	s := DefaultSettings()
	s.CoupledGates = true
	s.Hold = 150 * time.Millisecond
	h := newHarness(t, tomKit("t1"), s)
	hz := h.target()

	require.Len(t, h.feed(hz, 0.2, 20), 1)
	h.sched.Fire()

	// Coupled: cooldown 500 ms, silence 140 ms.
	h.quiet(700 * time.Millisecond)
	assert.Len(t, h.feed(hz, 0.2, 20), 1)
}

func TestUpdateSettings(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())

	bad := DefaultSettings()
	bad.Hold = 0
	assert.Error(t, h.e.UpdateSettings(bad))

	s := DefaultSettings()
	s.Hold = 100 * time.Millisecond
	require.NoError(t, h.e.UpdateSettings(s))
	assert.Equal(t, s, h.e.Settings())
	assert.Len(t, h.feed(h.target(), 0.2, 12), 1)
}

func TestUpdateFold(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())

	assert.Error(t, h.e.UpdateFold(condition.FoldConfig{}))

	// Without folding, a second harmonic never reads as the fundamental.
	require.NoError(t, h.e.UpdateFold(condition.FoldConfig{MaxDivisor: 1, Improvement: 1, Span: 0.5}))
	assert.Empty(t, h.feed(2*h.target(), 0.2, 40))

	require.NoError(t, h.e.UpdateFold(condition.DefaultFold()))
	h.quiet(1500 * time.Millisecond)
	assert.Len(t, h.feed(2*h.target(), 0.2, 40), 1)
}

func TestNewRejectsUntunableKits(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	k := tomKit("t1")
	k.Drums[0].LugCount = 0
	_, err = New(Options{Kit: k})
	assert.Error(t, err)

	k = tomKit("t1")
	k.Drums[0].Type = "gong"
	_, err = New(Options{Kit: k})
	assert.Error(t, err)
}

func TestBandFollowsTarget(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())
	h.quiet(time.Second)

	b := h.e.Band()
	assert.InDelta(t, 56.0, b.LowHz, 0.01)
	assert.InDelta(t, 420.0, b.HighHz, 0.01)
}

func TestSineFramesLockEndToEnd(t *testing.T) {
	const (
		rate = 48000.0
		n    = 4096
	)
	est, err := pitch.NewEstimator(DefaultMinHz, DefaultMaxHz, pitch.MethodDirect)
	require.NoError(t, err)

	e, err := New(Options{
		Kit:       tomKit("t1"),
		Estimator: est,
		Scheduler: &fakeScheduler{},
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())

	frame := make([]float64, n)
	for i := range frame {
		frame[i] = 0.5 * math.Sin(2*math.Pi*140*float64(i)/rate)
	}

	now := time.Now()
	var lock *LockEvent
	for i := 0; i < 40 && lock == nil; i++ {
		r := e.ProcessFrame(Frame{Samples: frame, SampleRate: rate, At: now})
		require.True(t, r.HasHz)
		assert.Equal(t, "C#3", r.Note)
		lock = r.Lock
		now = now.Add(frameStep)
	}
	require.NotNil(t, lock)
	assert.InDelta(t, 140.0, lock.Hz, 1.0)
	assert.Less(t, math.Abs(lock.CentsOffset), 9.0)
}

func TestFrameClockAdvance(t *testing.T) {
	h := newHarnessWith(t, tomKit("t1"), DefaultSettings(), func(o *Options) { o.FrameClock = true })
	hz := h.target()

	var lockAt time.Time
	for i := 0; i < 40 && lockAt.IsZero(); i++ {
		if r := h.e.ProcessReading(pitch.Result{Hz: hz, RMS: 0.2, Found: true}, h.now); r.Lock != nil {
			lockAt = h.now
		}
		h.now = h.now.Add(frameStep)
	}
	require.False(t, lockAt.IsZero())
	require.True(t, h.e.AdvancePending())
	assert.Nil(t, h.sched.last(), "no timer is armed")

	// The advance waits for frame time, not wall time.
	due := lockAt.Add(260 * time.Millisecond)
	for h.now.Before(due) {
		r := h.e.ProcessReading(pitch.Result{}, h.now)
		assert.Equal(t, PhaseAdvancing, r.Phase)
		assert.Equal(t, 0, r.Cursor.Point)
		h.now = h.now.Add(frameStep)
	}
	r := h.e.ProcessReading(pitch.Result{}, h.now)
	assert.Equal(t, 1, r.Cursor.Point)
	assert.False(t, h.e.AdvancePending())
	h.now = h.now.Add(frameStep)

	h.quiet(time.Second)
	locks := h.feed(h.target(), 0.2, 40)
	require.Len(t, locks, 1)
	assert.Equal(t, 1, locks[0].Point)

	// An override drops the due advance.
	require.True(t, h.e.AdvancePending())
	require.NoError(t, h.e.JumpTo(4))
	assert.False(t, h.e.AdvancePending())
	h.quiet(time.Second)
	assert.Equal(t, 4, h.e.Cursor().Point)
}

func TestResetHeadUsesFrameTime(t *testing.T) {
	h := newHarness(t, tomKit("t1"), DefaultSettings())
	h.lockHere()

	require.NoError(t, h.e.ResetHead("t1", kit.Batter))
	last := h.progress.saved[len(h.progress.saved)-1]
	assert.Zero(t, last.State.LockedCount())
	assert.Equal(t, h.now.Add(-frameStep), last.UpdatedAt)

	// Before any frame the wall clock stands in.
	fresh := newHarness(t, tomKit("t1"), DefaultSettings())
	require.NoError(t, fresh.e.ResetHead("t1", kit.Reso))
	require.Len(t, fresh.progress.saved, 1)
	assert.WithinDuration(t, time.Now(), fresh.progress.saved[0].UpdatedAt, time.Minute)
}
