package condition

import (
	"math"
	"time"
)

// Band is the frequency range the audio front-end should pass.
type Band struct {
	LowHz  float64
	HighHz float64
}

// DefaultBand is used until a valid target is seen.
var DefaultBand = Band{LowHz: 60, HighHz: 400}

// BandSmoothing is the time constant of band transitions.
const BandSmoothing = 20 * time.Millisecond

// BandFor returns the band centred on a target: low = 0.4·target clamped to
// [20, 80], high = 3·target capped at 900 but at least low+150.
func BandFor(targetHz float64) (Band, bool) {
	if !(targetHz > 0) || math.IsInf(targetHz, 0) {
		return Band{}, false
	}
	low := math.Min(80, math.Max(20, 0.4*targetHz))
	high := math.Max(low+150, math.Min(900, 3*targetHz))
	return Band{LowHz: low, HighHz: high}, true
}

// BandTracker glides the current band toward the band of the current target
// so filters never jump.
type BandTracker struct {
	tau     time.Duration
	current Band
	goal    Band
}

// NewBandTracker starts at DefaultBand.
func NewBandTracker(tau time.Duration) *BandTracker {
	if tau <= 0 {
		tau = BandSmoothing
	}
	return &BandTracker{tau: tau, current: DefaultBand, goal: DefaultBand}
}

// Current is the smoothed band.
func (b *BandTracker) Current() Band {
	return b.current
}

// Goal is the band the tracker is moving toward.
func (b *BandTracker) Goal() Band {
	return b.goal
}

// Update retargets (when targetHz is valid) and advances the glide by dt.
func (b *BandTracker) Update(targetHz float64, dt time.Duration) Band {
	if goal, ok := BandFor(targetHz); ok {
		b.goal = goal
	}
	if dt <= 0 {
		return b.current
	}
	alpha := 1 - math.Exp(-dt.Seconds()/b.tau.Seconds())
	b.current.LowHz += (b.goal.LowHz - b.current.LowHz) * alpha
	b.current.HighHz += (b.goal.HighHz - b.current.HighHz) * alpha
	return b.current
}
