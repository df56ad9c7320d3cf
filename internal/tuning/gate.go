package tuning

import (
	"math"
	"time"
)

// Reading is one conditioned frame as seen by the lock gates.
type Reading struct {
	Hz    float64
	HasHz bool
	Cents float64
	RMS   float64
}

// gate holds the per-point transient state that decides when a point locks.
// It belongs to the frame loop; the engine mutex guards it.
type gate struct {
	dwell       time.Duration
	rearmUntil  time.Time
	needSilence bool
	silentFor   time.Duration
	lastKey     string
	hasLastKey  bool
}

// step runs the gates for one frame and reports whether the point under key
// locks on this frame.
func (g *gate) step(r Reading, targetOK bool, key string, dt time.Duration, now time.Time, s Settings) bool {
	if now.Before(g.rearmUntil) {
		g.dwell = 0
		return false
	}

	if g.needSilence {
		if r.RMS < s.RMSThreshold*SilenceFactor {
			g.silentFor += dt
			if g.silentFor >= s.RequireSilence {
				g.needSilence = false
				g.silentFor = 0
			}
		} else {
			g.silentFor = 0
		}
		g.dwell = 0
		return false
	}

	if !targetOK || !r.HasHz || r.RMS < s.RMSThreshold {
		g.dwell = 0
		return false
	}

	if math.IsNaN(r.Cents) || math.Abs(r.Cents) > s.LockWindow() {
		g.dwell = 0
		return false
	}

	g.dwell += dt
	return g.dwell >= s.Hold && !(g.hasLastKey && g.lastKey == key)
}

// locked arms the cooldown and the silence gate after a lock.
func (g *gate) locked(key string, now time.Time, s Settings) {
	g.dwell = 0
	g.rearmUntil = now.Add(s.RearmCooldown)
	g.needSilence = true
	g.silentFor = 0
	g.lastKey = key
	g.hasLastKey = true
}

// moved forgets point-specific state after the cursor changes. The
// cooldown and silence gate belong to the strike, not the point, and stay.
func (g *gate) moved() {
	g.dwell = 0
	g.hasLastKey = false
	g.lastKey = ""
}

// clear drops all transient state, as on a manual override or stop.
func (g *gate) clear() {
	*g = gate{}
}

func (g *gate) rearming(now time.Time) bool {
	return now.Before(g.rearmUntil)
}
