package tuning

import (
	"fmt"
	"time"
)

// SilenceFactor scales RMSThreshold to the level a strike must decay below
// before the silence gate counts it as quiet.
const SilenceFactor = 0.6

// MaxFrameGap caps the dwell credit a single frame can contribute, so a
// stalled audio callback cannot complete a hold on its own.
const MaxFrameGap = 250 * time.Millisecond

// Settings are the user-tunable lock parameters. They may be replaced
// between frames with Engine.UpdateSettings.
type Settings struct {
	// LockCents is the in-tune tolerance; LockMarginCents widens the
	// acceptance window beyond it.
	LockCents       float64
	LockMarginCents float64

	Hold           time.Duration
	RMSThreshold   float64
	RearmCooldown  time.Duration
	RequireSilence time.Duration
	AutoAdvance    bool

	// PointSettle delays a move to the next lug, HeadSettle a switch of
	// head or drum.
	PointSettle time.Duration
	HeadSettle  time.Duration

	// CoupledGates derives RearmCooldown and RequireSilence from Hold.
	CoupledGates bool
}

// DefaultSettings returns the stock lock parameters.
func DefaultSettings() Settings {
	return Settings{
		LockCents:       5,
		LockMarginCents: 4,
		Hold:            300 * time.Millisecond,
		RMSThreshold:    0.02,
		RearmCooldown:   1000 * time.Millisecond,
		RequireSilence:  280 * time.Millisecond,
		AutoAdvance:     true,
		PointSettle:     260 * time.Millisecond,
		HeadSettle:      380 * time.Millisecond,
	}
}

// LockWindow is the proximity gate half-width in cents.
func (s Settings) LockWindow() float64 {
	return s.LockCents + s.LockMarginCents
}

// Effective resolves coupled gates: cooldown = 10/3·hold and
// silence = 14/15·hold, which reproduces the defaults at a 300 ms hold.
func (s Settings) Effective() Settings {
	if s.CoupledGates {
		s.RearmCooldown = s.Hold * 10 / 3
		s.RequireSilence = s.Hold * 14 / 15
	}
	return s
}

// Validate checks the settings for usable values.
func (s Settings) Validate() error {
	switch {
	case s.LockCents <= 0 || s.LockCents > 100:
		return fmt.Errorf("tuning: lock_cents %v outside (0, 100]", s.LockCents)
	case s.LockMarginCents < 0 || s.LockMarginCents > 100:
		return fmt.Errorf("tuning: lock_margin_cents %v outside [0, 100]", s.LockMarginCents)
	case s.Hold <= 0 || s.Hold > 10*time.Second:
		return fmt.Errorf("tuning: hold %v outside (0, 10s]", s.Hold)
	case s.RMSThreshold <= 0 || s.RMSThreshold >= 1:
		return fmt.Errorf("tuning: rms_threshold %v outside (0, 1)", s.RMSThreshold)
	case s.RearmCooldown < 0 || s.RearmCooldown > 30*time.Second:
		return fmt.Errorf("tuning: rearm_cooldown %v outside [0, 30s]", s.RearmCooldown)
	case s.RequireSilence < 0 || s.RequireSilence > 30*time.Second:
		return fmt.Errorf("tuning: require_silence %v outside [0, 30s]", s.RequireSilence)
	case s.PointSettle < 0 || s.PointSettle > 2*time.Second:
		return fmt.Errorf("tuning: point_settle %v outside [0, 2s]", s.PointSettle)
	case s.HeadSettle < 0 || s.HeadSettle > 2*time.Second:
		return fmt.Errorf("tuning: head_settle %v outside [0, 2s]", s.HeadSettle)
	}
	return nil
}
