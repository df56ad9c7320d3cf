package tuning

import (
	"errors"
	"fmt"
	"math"
	"time"

	"overtone/internal/kit"
)

var (
	// ErrInvalidCursor means a cursor names a drum, head or point that does
	// not exist. The engine refuses such moves instead of clamping them.
	ErrInvalidCursor = errors.New("tuning: invalid cursor")
	// ErrUnknownDrum means a drum id is not in the kit.
	ErrUnknownDrum = errors.New("tuning: unknown drum")
	// ErrNotRunning is returned by operations that need a started engine.
	ErrNotRunning = errors.New("tuning: engine not running")
)

// PointState is the tuning state of one tension point. MeasuredHz,
// CentsOffset and LockedAt are only meaningful while Locked.
type PointState struct {
	Index       int       `json:"index"`
	MeasuredHz  float64   `json:"measured_hz,omitempty"`
	CentsOffset float64   `json:"cents_offset,omitempty"`
	Locked      bool      `json:"locked"`
	LockedAt    time.Time `json:"locked_at,omitempty"`
}

// HeadState is the ordered point states of one head plus aggregates over
// the locked points.
type HeadState struct {
	Points            []PointState `json:"points"`
	AverageLockedHz   float64      `json:"average_locked_hz"`
	LockedSpreadCents float64      `json:"locked_spread_cents"`
}

// NewHeadState returns an all-unlocked head with n points.
func NewHeadState(n int) HeadState {
	h := HeadState{Points: make([]PointState, n)}
	for i := range h.Points {
		h.Points[i].Index = i
	}
	return h
}

// Lock marks point i as locked with the given measurement and recomputes
// the aggregates. Locking an already locked point refreshes its measurement.
func (h *HeadState) Lock(i int, hz, cents float64, at time.Time) error {
	if i < 0 || i >= len(h.Points) {
		return fmt.Errorf("%w: point %d of %d", ErrInvalidCursor, i, len(h.Points))
	}
	h.Points[i] = PointState{Index: i, MeasuredHz: hz, CentsOffset: cents, Locked: true, LockedAt: at}
	h.recompute()
	return nil
}

// Reset clears every point to unlocked.
func (h *HeadState) Reset() {
	for i := range h.Points {
		h.Points[i] = PointState{Index: i}
	}
	h.recompute()
}

// LockedCount is the number of locked points.
func (h *HeadState) LockedCount() int {
	n := 0
	for _, p := range h.Points {
		if p.Locked {
			n++
		}
	}
	return n
}

// Complete reports whether every point is locked.
func (h *HeadState) Complete() bool {
	return len(h.Points) > 0 && h.LockedCount() == len(h.Points)
}

// FirstUnlocked returns the lowest unlocked index.
func (h *HeadState) FirstUnlocked() (int, bool) {
	for i, p := range h.Points {
		if !p.Locked {
			return i, true
		}
	}
	return 0, false
}

// Clone returns a deep copy.
func (h HeadState) Clone() HeadState {
	h.Points = append([]PointState(nil), h.Points...)
	return h
}

func (h *HeadState) recompute() {
	var sum float64
	lo, hi := math.Inf(1), math.Inf(-1)
	n := 0
	for _, p := range h.Points {
		if !p.Locked {
			continue
		}
		n++
		sum += p.MeasuredHz
		lo = math.Min(lo, p.CentsOffset)
		hi = math.Max(hi, p.CentsOffset)
	}
	if n == 0 {
		h.AverageLockedHz, h.LockedSpreadCents = 0, 0
		return
	}
	h.AverageLockedHz = math.Round(sum / float64(n))
	h.LockedSpreadCents = hi - lo
}

// Cursor is the point currently being tuned.
type Cursor struct {
	DrumID string   `json:"drum_id"`
	Head   kit.Head `json:"head"`
	Point  int      `json:"point"`
}

func (c Cursor) String() string {
	return fmt.Sprintf("%s-%s-%d", c.DrumID, c.Head, c.Point)
}

// LockEvent records one tension point locking.
type LockEvent struct {
	SessionID   string    `json:"session_id,omitempty"`
	DrumID      string    `json:"drum_id"`
	Head        kit.Head  `json:"head"`
	Point       int       `json:"point"`
	Hz          float64   `json:"hz"`
	TargetHz    float64   `json:"target_hz"`
	CentsOffset float64   `json:"cents_offset"`
	Timestamp   time.Time `json:"timestamp"`
}

// HeadSnapshot is a copy of one head's state handed to the progress store.
type HeadSnapshot struct {
	DrumID    string    `json:"drum_id"`
	Head      kit.Head  `json:"head"`
	State     HeadState `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HeadProgress summarises one head.
type HeadProgress struct {
	Locked      int     `json:"locked"`
	Total       int     `json:"total"`
	Complete    bool    `json:"complete"`
	AverageHz   float64 `json:"average_hz"`
	SpreadCents float64 `json:"spread_cents"`
}

// DrumProgress summarises both heads of a drum.
type DrumProgress struct {
	DrumID string       `json:"drum_id"`
	Label  string       `json:"label"`
	Batter HeadProgress `json:"batter"`
	Reso   HeadProgress `json:"reso"`
}

// Complete reports whether both heads are fully locked.
func (d DrumProgress) Complete() bool {
	return d.Batter.Complete && d.Reso.Complete
}

// BuildProgress summarises a kit given a lookup of head states. Heads the
// lookup does not know are reported as untouched.
func BuildProgress(k *kit.Kit, lookup func(drumID string, h kit.Head) (HeadState, bool)) []DrumProgress {
	out := make([]DrumProgress, 0, len(k.Drums))
	for _, d := range k.Drums {
		dp := DrumProgress{DrumID: d.ID, Label: d.String()}
		for _, h := range kit.Heads {
			hp := HeadProgress{Total: d.LugCount}
			if st, ok := lookup(d.ID, h); ok && len(st.Points) == d.LugCount {
				hp.Locked = st.LockedCount()
				hp.Complete = st.Complete()
				hp.AverageHz = st.AverageLockedHz
				hp.SpreadCents = st.LockedSpreadCents
			}
			if h == kit.Batter {
				dp.Batter = hp
			} else {
				dp.Reso = hp
			}
		}
		out = append(out, dp)
	}
	return out
}
