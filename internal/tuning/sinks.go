package tuning

import (
	"time"

	"overtone/internal/condition"
)

// ProgressSink receives head snapshots, keyed by (drum, head), last write
// wins. SaveHead is called from the frame loop and must not block.
type ProgressSink interface {
	SaveHead(s HeadSnapshot)
}

// LockRecorder appends lock events. Record is called from the frame loop;
// an error is reported and the session carries on.
type LockRecorder interface {
	Record(ev LockEvent) error
}

// ReadoutSink receives the per-frame readout.
type ReadoutSink interface {
	Readout(r Readout)
}

// BandSink receives the band the audio front-end should filter to.
type BandSink interface {
	SetBand(b condition.Band)
}

// Phase is the coarse state of the engine, for display.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseDwelling
	PhaseLocked
	PhaseAdvancing
)

func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "listening"
	case PhaseDwelling:
		return "dwelling"
	case PhaseLocked:
		return "locked"
	case PhaseAdvancing:
		return "advancing"
	}
	return "idle"
}

// Readout is what the engine heard on one frame. Hz and Cents are only
// meaningful when HasHz.
type Readout struct {
	At       time.Time
	Cursor   Cursor
	Phase    Phase
	Hz       float64
	HasHz    bool
	Cents    float64
	RMS      float64
	TargetHz float64
	Note     string
	Dwell    time.Duration

	// Rearming is true during the post-lock cooldown, SilenceArmed while
	// the engine waits for the previous strike to decay.
	Rearming     bool
	SilenceArmed bool

	// Lock is set on the frame that locked a point.
	Lock *LockEvent
}

// RecorderFunc adapts a function to LockRecorder.
type RecorderFunc func(ev LockEvent) error

// Record calls f.
func (f RecorderFunc) Record(ev LockEvent) error { return f(ev) }

// Recorders fans a lock event out to several recorders, returning the first
// error after trying all of them.
type Recorders []LockRecorder

// Record implements LockRecorder.
func (rs Recorders) Record(ev LockEvent) error {
	var first error
	for _, r := range rs {
		if err := r.Record(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
