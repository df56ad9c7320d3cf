package audio

import (
	"math"
	"sync"

	"overtone/internal/condition"
)

// ButterworthQ gives each section a maximally flat passband.
const ButterworthQ = math.Sqrt2 / 2

// svf is one topology-preserving-transform state-variable filter.
type svf struct {
	g, k           float64
	a1, a2, a3     float64
	ic1eq, ic2eq   float64
	cutoff, sample float64
}

func (f *svf) tune(cutoffHz, sampleRate, q float64) {
	if cutoffHz == f.cutoff && sampleRate == f.sample {
		return
	}
	f.cutoff, f.sample = cutoffHz, sampleRate

	ratio := math.Min(0.499, math.Max(0, cutoffHz/sampleRate))
	f.g = math.Tan(math.Pi * ratio)
	f.k = 1 / q
	f.a1 = 1 / (1 + f.g*(f.g+f.k))
	f.a2 = f.g * f.a1
	f.a3 = f.g * f.a2
}

// step returns the low-pass and high-pass outputs for x.
func (f *svf) step(x float64) (lp, hp float64) {
	v3 := x - f.ic2eq
	v1 := f.a1*f.ic1eq + f.a2*v3
	v2 := f.ic2eq + f.a2*f.ic1eq + f.a3*v3
	f.ic1eq = 2*v1 - f.ic1eq
	f.ic2eq = 2*v2 - f.ic2eq
	return v2, x - f.k*v1 - v2
}

func (f *svf) reset() {
	f.ic1eq, f.ic2eq = 0, 0
}

// FilterChain is a high-pass at the band's low edge followed by a low-pass
// at its high edge. It implements tuning.BandSink so the engine can steer it.
type FilterChain struct {
	mu         sync.Mutex
	sampleRate float64
	band       condition.Band
	hp, lp     svf
}

// NewFilterChain creates a chain at condition.DefaultBand.
func NewFilterChain(sampleRate float64) *FilterChain {
	f := &FilterChain{sampleRate: sampleRate, band: condition.DefaultBand}
	f.retune()
	return f
}

// SetBand moves both corners. The integrator state is kept so a glide does
// not click.
func (f *FilterChain) SetBand(b condition.Band) {
	if !(b.LowHz > 0) || !(b.HighHz > b.LowHz) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.band = b
	f.retune()
}

// SetSampleRate retunes the chain for a source running at a different rate.
func (f *FilterChain) SetSampleRate(rate float64) {
	if !(rate > 0) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sampleRate = rate
	f.retune()
	f.hp.reset()
	f.lp.reset()
}

// SampleRate is the rate the corners are tuned for.
func (f *FilterChain) SampleRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sampleRate
}

// Band returns the current corners.
func (f *FilterChain) Band() condition.Band {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.band
}

func (f *FilterChain) retune() {
	f.hp.tune(f.band.LowHz, f.sampleRate, ButterworthQ)
	f.lp.tune(f.band.HighHz, f.sampleRate, ButterworthQ)
}

// Process filters samples in place.
func (f *FilterChain) Process(samples []float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, x := range samples {
		_, hp := f.hp.step(x)
		lp, _ := f.lp.step(hp)
		samples[i] = lp
	}
}

// Reset clears the filter memory.
func (f *FilterChain) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hp.reset()
	f.lp.reset()
}
