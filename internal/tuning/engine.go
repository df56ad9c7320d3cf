// Package tuning drives a guided tuning pass over a drum kit: it turns audio
// frames into conditioned pitch readings, decides when a tension point is in
// tune, records the lock and moves the cursor through every point of both
// heads of every drum.
//
// An Engine is fed frames from a single goroutine. Manual overrides, settings
// changes and the deferred advance timer share the engine mutex with the
// frame handler, so each of them lands between two frames.
package tuning

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"overtone/internal/condition"
	"overtone/internal/kit"
	"overtone/internal/logging"
	"overtone/internal/metrics"
	"overtone/internal/pitch"
	"overtone/internal/target"
)

// Default estimator range, wide enough for kicks through small toms.
const (
	DefaultMinHz = 40.0
	DefaultMaxHz = 900.0
)

// ErrAlreadyRunning is returned by Start on a running engine.
var ErrAlreadyRunning = errors.New("tuning: engine already running")

// Frame is one block of mono samples captured at At.
type Frame struct {
	Samples    []float64
	SampleRate float64
	At         time.Time
}

// Options configure an Engine. Only Kit is required.
type Options struct {
	Kit       *kit.Kit
	Model     *target.Model
	Settings  Settings
	Estimator *pitch.Estimator
	Fold      condition.FoldConfig

	Progress ProgressSink
	Recorder LockRecorder
	Readout  ReadoutSink
	Band     BandSink

	Scheduler Scheduler

	// FrameClock times deferred advances against frame timestamps: the
	// advance lands on the first frame at or past its deadline. Use it when
	// frames arrive faster than real time, as in replay. Scheduler is
	// ignored when it is set.
	FrameClock bool

	Logger    *logging.Logger
	Metrics   *metrics.TunerMetrics
	SessionID string

	// OnError is told about recorder failures and refused advances.
	OnError func(error)
}

type headKey struct {
	drum string
	head kit.Head
}

// Engine is one tuning session over one kit.
type Engine struct {
	mu sync.Mutex

	kit      *kit.Kit
	model    *target.Model
	settings Settings
	raw      Settings

	est  *pitch.Estimator
	cond *condition.Conditioner
	band *condition.BandTracker

	heads   map[headKey]*HeadState
	targets map[headKey][]float64

	cursor  Cursor
	running bool
	gate    gate

	sched      Scheduler
	frameClock bool
	pending    Timer
	gen        uint64

	lastFrame time.Time
	hasFrame  bool

	progress ProgressSink
	recorder LockRecorder
	readout  ReadoutSink
	bandSink BandSink

	log       *logging.Logger
	metrics   *metrics.TunerMetrics
	sessionID string
	onError   func(error)
}

// New creates an engine. Every drum of the kit must be tunable; a drum with
// no lugs or no valid target is refused here rather than tuned.
func New(opts Options) (*Engine, error) {
	if opts.Kit == nil {
		return nil, errors.New("tuning: no kit")
	}
	if err := opts.Kit.Validate(); err != nil {
		return nil, err
	}

	settings := opts.Settings
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	fold := opts.Fold
	if fold == (condition.FoldConfig{}) {
		fold = condition.DefaultFold()
	}
	if err := fold.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		kit:        opts.Kit.Clone(),
		model:      opts.Model,
		settings:   settings.Effective(),
		raw:        settings,
		est:        opts.Estimator,
		cond:       condition.New(settings.RMSThreshold, fold),
		band:       condition.NewBandTracker(condition.BandSmoothing),
		heads:      make(map[headKey]*HeadState),
		sched:      opts.Scheduler,
		frameClock: opts.FrameClock,
		progress:   opts.Progress,
		recorder:   opts.Recorder,
		readout:    opts.Readout,
		bandSink:   opts.Band,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		sessionID:  opts.SessionID,
		onError:    opts.OnError,
	}
	if e.model == nil {
		e.model = target.Default()
	}
	if e.est == nil {
		est, err := pitch.NewEstimator(DefaultMinHz, DefaultMaxHz, pitch.MethodDirect)
		if err != nil {
			return nil, err
		}
		e.est = est
	}
	if e.sched == nil {
		e.sched = WallScheduler
	}
	if e.sessionID == "" {
		e.sessionID = newSessionID()
	}
	if e.log == nil {
		e.log = logging.Default().WithComponent("engine")
	}
	e.log = e.log.WithSession(e.sessionID)

	targets, err := computeTargets(e.kit, e.model)
	if err != nil {
		return nil, err
	}
	e.targets = targets

	for _, d := range e.kit.Drums {
		for _, h := range kit.Heads {
			st := NewHeadState(d.LugCount)
			e.heads[headKey{d.ID, h}] = &st
		}
	}
	e.cursor = e.startCursor()
	return e, nil
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func computeTargets(k *kit.Kit, m *target.Model) (map[headKey][]float64, error) {
	out := make(map[headKey][]float64, 2*len(k.Drums))
	for _, d := range k.Drums {
		if err := m.Check(d); err != nil {
			return nil, fmt.Errorf("tuning: drum %s is not tunable: %w", d.ID, err)
		}
		for _, h := range kit.Heads {
			t, err := m.Targets(d, h)
			if err != nil {
				return nil, fmt.Errorf("tuning: drum %s: %w", d.ID, err)
			}
			out[headKey{d.ID, h}] = t
		}
	}
	return out, nil
}

// startCursor is the active drum and head at its first unlocked point.
func (e *Engine) startCursor() Cursor {
	d, h, _ := e.kit.Active()
	p, _ := e.heads[headKey{d.ID, h}].FirstUnlocked()
	return Cursor{DrumID: d.ID, Head: h, Point: p}
}

// SessionID identifies this engine's session in logs and lock events.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Restore loads previously saved head states. Snapshots for unknown drums or
// with a point count that no longer matches the drum are skipped. When the
// engine is not running the cursor moves to the first unlocked point.
func (e *Engine) Restore(snaps []HeadSnapshot) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, s := range snaps {
		st, ok := e.heads[headKey{s.DrumID, s.Head}]
		if !ok || len(s.State.Points) != len(st.Points) {
			e.log.Warn("skipping stale head state", "drum", s.DrumID, "head", string(s.Head))
			continue
		}
		restored := s.State.Clone()
		for i := range restored.Points {
			restored.Points[i].Index = i
		}
		restored.recompute()
		*st = restored
		n++
	}
	if !e.running {
		e.cursor = e.startCursor()
	}
	return n
}

// Start begins a tuning pass at the first unlocked point of the cursor's
// head. A new engine's cursor is on the kit's active drum and head.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}
	if st, ok := e.heads[headKey{e.cursor.DrumID, e.cursor.Head}]; ok {
		if p, open := st.FirstUnlocked(); open {
			e.cursor.Point = p
		}
	}
	e.running = true
	e.hasFrame = false
	e.gate.clear()
	e.cond.Reset()
	e.metrics.SessionStarted()
	e.log.Info("tuning started", "cursor", e.cursor.String(), "drums", len(e.kit.Drums))
	return nil
}

// Stop ends the pass. Pending advances are cancelled and transient state is
// dropped; locked points are kept. Stop is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.cancelPendingLocked()
	e.gate.clear()
	e.cond.Reset()
	e.running = false
	e.metrics.SessionEnded()
	e.log.Info("tuning stopped", "cursor", e.cursor.String())
}

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ProcessFrame estimates the pitch of one frame and runs it through the
// state machine. Frames arriving while the engine is stopped are ignored.
func (e *Engine) ProcessFrame(f Frame) Readout {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return Readout{At: f.At, Cursor: e.cursor, Phase: PhaseIdle}
	}
	res := e.est.Estimate(f.Samples, f.SampleRate)
	r := e.processLocked(res, f.At)
	e.metrics.RecordFrame(time.Since(start), res.Found)
	return r
}

// ProcessReading runs an already estimated frame through the state machine.
func (e *Engine) ProcessReading(res pitch.Result, at time.Time) Readout {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return Readout{At: at, Cursor: e.cursor, Phase: PhaseIdle}
	}
	return e.processLocked(res, at)
}

func (e *Engine) processLocked(res pitch.Result, at time.Time) Readout {
	dt := e.frameDelta(at)
	if due, ok := e.pending.(*frameDue); ok && !at.Before(due.at) {
		e.pending = nil
		e.advanceLocked(due.next, due.kind)
	}
	cur := e.cursor

	tgt, tgtOK := e.targetLocked(cur)
	foldRef := 0.0
	if tgtOK {
		foldRef = tgt
	}
	hz, hasHz := e.cond.Condition(res.Hz, res.Found, res.RMS, foldRef)

	cents := math.NaN()
	if hasHz && tgtOK {
		cents = pitch.Cents(hz, tgt)
	}

	band := e.band.Update(foldRef, dt)
	if e.bandSink != nil {
		e.bandSink.SetBand(band)
	}

	r := Readout{
		At:       at,
		Cursor:   cur,
		Hz:       hz,
		HasHz:    hasHz,
		Cents:    cents,
		RMS:      res.RMS,
		TargetHz: tgt,
	}
	if n, ok := pitch.NoteOf(hz); hasHz && ok {
		r.Note = n.String()
	}

	reading := Reading{Hz: hz, HasHz: hasHz, Cents: cents, RMS: res.RMS}
	if e.gate.step(reading, tgtOK, cur.String(), dt, at, e.settings) {
		ev := e.lockLocked(hz, cents, tgt, at)
		r.Lock = &ev
		r.Phase = PhaseLocked
	} else {
		r.Phase = e.phaseLocked()
	}
	r.Dwell = e.gate.dwell
	r.Rearming = e.gate.rearming(at)
	r.SilenceArmed = e.gate.needSilence

	if e.readout != nil {
		e.readout.Readout(r)
	}
	return r
}

func (e *Engine) frameDelta(at time.Time) time.Duration {
	if !e.hasFrame {
		e.hasFrame = true
		e.lastFrame = at
		return 0
	}
	dt := at.Sub(e.lastFrame)
	e.lastFrame = at
	switch {
	case dt < 0:
		return 0
	case dt > MaxFrameGap:
		return MaxFrameGap
	}
	return dt
}

// nowLocked is the time of the latest frame, or the wall clock before the
// first one.
func (e *Engine) nowLocked() time.Time {
	if e.hasFrame {
		return e.lastFrame
	}
	return time.Now()
}

func (e *Engine) targetLocked(c Cursor) (float64, bool) {
	t, ok := e.targets[headKey{c.DrumID, c.Head}]
	if !ok || c.Point < 0 || c.Point >= len(t) {
		return 0, false
	}
	hz := t[c.Point]
	return hz, hz > 0 && !math.IsInf(hz, 0)
}

func (e *Engine) phaseLocked() Phase {
	switch {
	case e.pending != nil:
		return PhaseAdvancing
	case e.gate.dwell > 0:
		return PhaseDwelling
	}
	return PhaseListening
}

func (e *Engine) lockLocked(hz, cents, tgt float64, at time.Time) LockEvent {
	cur := e.cursor
	key := headKey{cur.DrumID, cur.Head}

	ev := LockEvent{
		SessionID:   e.sessionID,
		DrumID:      cur.DrumID,
		Head:        cur.Head,
		Point:       cur.Point,
		Hz:          hz,
		TargetHz:    tgt,
		CentsOffset: cents,
		Timestamp:   at,
	}

	if err := e.heads[key].Lock(cur.Point, hz, cents, at); err != nil {
		e.reportError(err)
		return ev
	}
	e.gate.locked(cur.String(), at, e.settings)
	e.cond.Reset()
	e.metrics.RecordLock()
	e.log.Info("point locked",
		"drum", cur.DrumID, "head", string(cur.Head), "point", cur.Point,
		"hz", hz, "target_hz", tgt, "cents", cents)

	if e.recorder != nil {
		if err := e.recorder.Record(ev); err != nil {
			e.metrics.RecordRecorderError()
			e.reportError(fmt.Errorf("tuning: record lock %s: %w", cur, err))
		}
	}
	e.publishLocked(key, at)

	if e.settings.AutoAdvance {
		e.scheduleAdvanceLocked(at)
	}
	return ev
}

func (e *Engine) publishLocked(key headKey, at time.Time) {
	if e.progress == nil {
		return
	}
	e.progress.SaveHead(HeadSnapshot{
		DrumID:    key.drum,
		Head:      key.head,
		State:     e.heads[key].Clone(),
		UpdatedAt: at,
	})
}

func (e *Engine) lookupLocked(drumID string, h kit.Head) (*HeadState, bool) {
	st, ok := e.heads[headKey{drumID, h}]
	return st, ok
}

func (e *Engine) scheduleAdvanceLocked(at time.Time) {
	next, kind, err := planAdvance(e.kit, e.lookupLocked, e.cursor)
	if err != nil {
		e.reportError(err)
		return
	}
	if kind == stepNone {
		return
	}

	delay := e.settings.HeadSettle
	if kind == stepPoint {
		delay = e.settings.PointSettle
	}

	e.cancelPendingLocked()
	if e.frameClock {
		e.pending = &frameDue{at: at.Add(delay), next: next, kind: kind}
		return
	}
	gen := e.gen
	e.pending = e.sched.AfterFunc(delay, func() {
		e.fireAdvance(gen, next, kind)
	})
}

func (e *Engine) fireAdvance(gen uint64, next Cursor, kind step) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.gen || e.pending == nil {
		return
	}
	e.pending = nil
	if !e.running {
		return
	}
	e.advanceLocked(next, kind)
}

func (e *Engine) advanceLocked(next Cursor, kind step) {
	if err := checkCursor(e.kit, next); err != nil {
		e.reportError(err)
		return
	}

	e.cursor = next
	e.gate.moved()
	e.cond.Reset()
	e.metrics.RecordAdvance()
	e.log.Debug("cursor advanced", "cursor", next.String(), "step", kind.String())
}

// cancelPendingLocked stops the deferred advance. Bumping the generation
// turns a callback that already fired but is waiting on the mutex into a
// no-op.
func (e *Engine) cancelPendingLocked() {
	if e.pending != nil {
		e.pending.Stop()
		e.pending = nil
	}
	e.gen++
}

func (e *Engine) reportError(err error) {
	e.log.Warn("tuning error", "error", err)
	if e.onError != nil {
		e.onError(err)
	}
}

// overrideLocked moves the cursor on behalf of the user.
func (e *Engine) overrideLocked(c Cursor, why string) {
	e.cancelPendingLocked()
	e.cursor = c
	e.gate.clear()
	e.cond.Reset()
	e.metrics.RecordOverride()
	e.log.Info("cursor override", "action", why, "cursor", c.String())
}

// SelectDrum moves to a drum's batter head at its first unlocked point.
func (e *Engine) SelectDrum(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.heads[headKey{id, kit.Batter}]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDrum, id)
	}
	p, _ := st.FirstUnlocked()
	e.overrideLocked(Cursor{DrumID: id, Head: kit.Batter, Point: p}, "select_drum")
	return nil
}

// SwitchHead moves to the other head of the current drum (or the named one)
// at its first unlocked point.
func (e *Engine) SwitchHead(h kit.Head) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !h.Valid() {
		return fmt.Errorf("%w: head %q", ErrInvalidCursor, h)
	}
	st, ok := e.heads[headKey{e.cursor.DrumID, h}]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidCursor, e.cursor)
	}
	p, _ := st.FirstUnlocked()
	e.overrideLocked(Cursor{DrumID: e.cursor.DrumID, Head: h, Point: p}, "switch_head")
	return nil
}

// JumpTo moves to a point of the current head.
func (e *Engine) JumpTo(point int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.cursor
	c.Point = point
	if err := checkCursor(e.kit, c); err != nil {
		return err
	}
	e.overrideLocked(c, "jump")
	return nil
}

// ResetHead unlocks every point of one head. Other heads are untouched.
func (e *Engine) ResetHead(drumID string, h kit.Head) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := headKey{drumID, h}
	st, ok := e.heads[key]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrUnknownDrum, drumID, h)
	}
	st.Reset()
	e.publishLocked(key, e.nowLocked())

	c := e.cursor
	if c.DrumID == drumID && c.Head == h {
		c.Point = 0
	}
	e.overrideLocked(c, "reset_head")
	return nil
}

// UpdateSettings replaces the lock parameters; the next frame uses them.
func (e *Engine) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.raw = s
	e.settings = s.Effective()
	e.cond.SetThreshold(s.RMSThreshold)
	e.log.Info("settings updated",
		"lock_window_cents", e.settings.LockWindow(), "hold", e.settings.Hold,
		"auto_advance", e.settings.AutoAdvance)
	return nil
}

// UpdateModel swaps the target model. Every drum must still be tunable.
func (e *Engine) UpdateModel(m *target.Model) error {
	targets, err := computeTargets(e.kit, m)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.model = m
	e.targets = targets
	return nil
}

// UpdateFold replaces the harmonic fold parameters.
func (e *Engine) UpdateFold(f condition.FoldConfig) error {
	if err := f.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cond.SetFold(f)
	return nil
}

// Settings returns the settings as configured (before coupling).
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raw
}

// Cursor returns the current cursor.
func (e *Engine) Cursor() Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// AdvancePending reports whether a deferred advance is scheduled.
func (e *Engine) AdvancePending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// Target returns the target frequency of a point.
func (e *Engine) Target(c Cursor) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := checkCursor(e.kit, c); err != nil {
		return 0, err
	}
	hz, ok := e.targetLocked(c)
	if !ok {
		return 0, fmt.Errorf("%w at %s", target.ErrInvalidTarget, c)
	}
	return hz, nil
}

// HeadState returns a copy of one head's state.
func (e *Engine) HeadState(drumID string, h kit.Head) (HeadState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.heads[headKey{drumID, h}]
	if !ok {
		return HeadState{}, false
	}
	return st.Clone(), true
}

// Snapshots returns copies of every head state.
func (e *Engine) Snapshots() []HeadSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	out := make([]HeadSnapshot, 0, len(e.heads))
	for _, d := range e.kit.Drums {
		for _, h := range kit.Heads {
			out = append(out, HeadSnapshot{
				DrumID:    d.ID,
				Head:      h,
				State:     e.heads[headKey{d.ID, h}].Clone(),
				UpdatedAt: now,
			})
		}
	}
	return out
}

// Progress summarises the kit.
func (e *Engine) Progress() []DrumProgress {
	e.mu.Lock()
	defer e.mu.Unlock()

	return BuildProgress(e.kit, func(id string, h kit.Head) (HeadState, bool) {
		st, ok := e.heads[headKey{id, h}]
		if !ok {
			return HeadState{}, false
		}
		return *st, true
	})
}

// Band returns the current smoothed filter band.
func (e *Engine) Band() condition.Band {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.band.Current()
}
