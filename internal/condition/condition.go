// Package condition smooths raw pitch estimates and keeps them anchored to
// the current target.
package condition

import (
	"fmt"
	"math"
	"sort"
)

// FoldConfig controls harmonic folding.
type FoldConfig struct {
	// MaxDivisor is the largest k tried for hz/k (from 2).
	MaxDivisor int `toml:"max_divisor" json:"max_divisor" yaml:"max_divisor"`
	// Improvement is the factor a candidate's error must beat the best error by.
	Improvement float64 `toml:"improvement" json:"improvement" yaml:"improvement"`
	// Span is the admissible relative distance of a candidate from target.
	Span float64 `toml:"span" json:"span" yaml:"span"`
}

// DefaultFold folds by 2..5 when that improves the error by 25% and the
// result stays within ±50% of target.
func DefaultFold() FoldConfig {
	return FoldConfig{MaxDivisor: 5, Improvement: 0.75, Span: 0.5}
}

// Validate checks the fold parameters.
func (f FoldConfig) Validate() error {
	if f.MaxDivisor < 1 || f.MaxDivisor > 16 {
		return fmt.Errorf("condition: max_divisor %d outside 1..16", f.MaxDivisor)
	}
	if !(f.Improvement > 0 && f.Improvement <= 1) {
		return fmt.Errorf("condition: improvement %v outside (0, 1]", f.Improvement)
	}
	if !(f.Span > 0 && f.Span < 1) {
		return fmt.Errorf("condition: span %v outside (0, 1)", f.Span)
	}
	return nil
}

// Fold replaces hz by hz/k when that lands clearly closer to target.
func (f FoldConfig) Fold(hz, target float64) float64 {
	if !(target > 0) || math.IsInf(target, 0) || !(hz > 0) {
		return hz
	}
	lo, hi := target*(1-f.Span), target*(1+f.Span)
	best, bestErr := hz, math.Abs(hz-target)
	for k := 2; k <= f.MaxDivisor; k++ {
		cand := hz / float64(k)
		if cand < lo || cand > hi {
			continue
		}
		if err := math.Abs(cand - target); err < f.Improvement*bestErr {
			best, bestErr = cand, err
		}
	}
	return best
}

// WindowSize is the number of loud frames the median is taken over.
const WindowSize = 5

// Conditioner turns a stream of raw estimates into a stable reading. It is
// owned by a single frame loop.
type Conditioner struct {
	threshold float64
	fold      FoldConfig

	window  [WindowSize]float64
	scratch [WindowSize]float64
	n       int
	next    int
}

// New creates a Conditioner with the given loudness threshold.
func New(rmsThreshold float64, fold FoldConfig) *Conditioner {
	return &Conditioner{threshold: rmsThreshold, fold: fold}
}

// SetThreshold changes the loudness threshold.
func (c *Conditioner) SetThreshold(rms float64) {
	c.threshold = rms
}

// SetFold changes the folding parameters.
func (c *Conditioner) SetFold(f FoldConfig) {
	c.fold = f
}

// Reset discards the smoothing window.
func (c *Conditioner) Reset() {
	c.n = 0
	c.next = 0
}

// Len is the number of frames currently in the window.
func (c *Conditioner) Len() int {
	return c.n
}

// Condition feeds one frame. A quiet frame (rms below threshold) clears the
// window; a loud frame without a pitch keeps it but reports nothing.
func (c *Conditioner) Condition(rawHz float64, found bool, rms, targetHz float64) (float64, bool) {
	if rms < c.threshold {
		c.Reset()
		return 0, false
	}
	if !found || !(rawHz > 0) || math.IsInf(rawHz, 0) {
		return 0, false
	}
	c.window[c.next] = rawHz
	c.next = (c.next + 1) % WindowSize
	if c.n < WindowSize {
		c.n++
	}
	return c.fold.Fold(c.median(), targetHz), true
}

func (c *Conditioner) median() float64 {
	s := c.scratch[:c.n]
	copy(s, c.window[:c.n])
	sort.Float64s(s)
	mid := c.n / 2
	if c.n%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
