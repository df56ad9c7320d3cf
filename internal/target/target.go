// Package target computes the frequency each tension point of a drum should
// ring at.
//
// Base curves, the batter/resonant ratio and the per-lug offsets are data
// (see Tables) rather than physics, so a kit can be retuned to taste without
// code changes.
package target

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"overtone/internal/kit"
	"overtone/internal/pitch"
)

// DefaultResoRatio is the resonant/batter frequency ratio used when a drum
// does not set one.
const DefaultResoRatio = 1.06

var (
	// ErrNoLugs means the drum has no tension points to tune.
	ErrNoLugs = errors.New("target: drum has no lugs")
	// ErrInvalidTarget means the computed target is zero, negative or not finite.
	ErrInvalidTarget = errors.New("target: invalid target frequency")
	// ErrPointRange means a point index is outside [0, LugCount).
	ErrPointRange = errors.New("target: point index out of range")
	// ErrUnknownType means no curve exists for the drum type.
	ErrUnknownType = errors.New("target: no curve for drum type")
)

// Knot is one point of a piecewise-linear size curve.
type Knot struct {
	Diameter float64 `toml:"diameter" json:"diameter" yaml:"diameter"`
	Hz       float64 `toml:"hz" json:"hz" yaml:"hz"`
}

// Band maps every diameter up to MaxDiameter to a fixed frequency.
type Band struct {
	MaxDiameter float64 `toml:"max_diameter" json:"max_diameter" yaml:"max_diameter"`
	Hz          float64 `toml:"hz" json:"hz" yaml:"hz"`
}

// PointOffset detunes one lug by a fixed number of cents. With Opposite set
// the rule applies to the lug across the hoop from Index instead.
type PointOffset struct {
	Index    int     `toml:"index" json:"index" yaml:"index"`
	Opposite bool    `toml:"opposite" json:"opposite" yaml:"opposite"`
	Cents    float64 `toml:"cents" json:"cents" yaml:"cents"`
}

// Tables is the tuning data behind a Model.
type Tables struct {
	Kick      []Knot                   `toml:"kick" json:"kick" yaml:"kick"`
	Snare     []Knot                   `toml:"snare" json:"snare" yaml:"snare"`
	Tom       []Band                   `toml:"tom" json:"tom" yaml:"tom"`
	ResoRatio float64                  `toml:"reso_ratio" json:"reso_ratio" yaml:"reso_ratio"`
	Offsets   map[string][]PointOffset `toml:"offsets" json:"offsets" yaml:"offsets"`
}

// DefaultTables returns the stock curves.
func DefaultTables() Tables {
	return Tables{
		Kick: []Knot{
			{Diameter: 18, Hz: 75},
			{Diameter: 20, Hz: 67},
			{Diameter: 22, Hz: 60},
			{Diameter: 24, Hz: 55},
			{Diameter: 26, Hz: 50},
		},
		Snare: []Knot{
			{Diameter: 10, Hz: 320},
			{Diameter: 12, Hz: 290},
			{Diameter: 13, Hz: 275},
			{Diameter: 14, Hz: 260},
		},
		Tom: []Band{
			{MaxDiameter: 10, Hz: 150},
			{MaxDiameter: 12, Hz: 140},
			{MaxDiameter: 13, Hz: 125},
			{MaxDiameter: 14, Hz: 110},
			{MaxDiameter: 15, Hz: 98},
			{MaxDiameter: 16, Hz: 85},
		},
		ResoRatio: DefaultResoRatio,
		Offsets: map[string][]PointOffset{
			string(kit.Snare): {
				{Index: 0, Cents: -12},
				{Index: 0, Opposite: true, Cents: -12},
			},
		},
	}
}

// Validate checks that every curve is usable.
func (t Tables) Validate() error {
	check := func(name string, knots []Knot) error {
		if len(knots) == 0 {
			return fmt.Errorf("target: %s curve is empty", name)
		}
		for _, k := range knots {
			if !finitePositive(k.Hz) || !finitePositive(k.Diameter) {
				return fmt.Errorf("target: %s curve has invalid knot %+v", name, k)
			}
		}
		return nil
	}
	if err := check("kick", t.Kick); err != nil {
		return err
	}
	if err := check("snare", t.Snare); err != nil {
		return err
	}
	if len(t.Tom) == 0 {
		return fmt.Errorf("target: tom table is empty")
	}
	for _, b := range t.Tom {
		if !finitePositive(b.Hz) || !finitePositive(b.MaxDiameter) {
			return fmt.Errorf("target: tom table has invalid band %+v", b)
		}
	}
	if t.ResoRatio != 0 && !finitePositive(t.ResoRatio) {
		return fmt.Errorf("target: invalid reso ratio %v", t.ResoRatio)
	}
	for typ, rules := range t.Offsets {
		if _, err := kit.ParseDrumType(typ); err != nil {
			return fmt.Errorf("target: offsets: %w", err)
		}
		for _, r := range rules {
			if r.Index < 0 || math.IsNaN(r.Cents) || math.IsInf(r.Cents, 0) {
				return fmt.Errorf("target: offsets for %s: invalid rule %+v", typ, r)
			}
		}
	}
	return nil
}

// Model answers target questions for drums. It is immutable and safe for
// concurrent use.
type Model struct {
	kick    []Knot
	snare   []Knot
	tom     []Band
	ratio   float64
	offsets map[kit.DrumType][]PointOffset
}

// New builds a Model from tables.
func New(t Tables) (*Model, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		kick:    sortedKnots(t.Kick),
		snare:   sortedKnots(t.Snare),
		tom:     append([]Band(nil), t.Tom...),
		ratio:   t.ResoRatio,
		offsets: make(map[kit.DrumType][]PointOffset, len(t.Offsets)),
	}
	if !finitePositive(m.ratio) {
		m.ratio = DefaultResoRatio
	}
	sort.Slice(m.tom, func(i, j int) bool { return m.tom[i].MaxDiameter < m.tom[j].MaxDiameter })
	for typ, rules := range t.Offsets {
		dt, _ := kit.ParseDrumType(typ)
		m.offsets[dt] = append([]PointOffset(nil), rules...)
	}
	return m, nil
}

// Default returns a Model over DefaultTables.
func Default() *Model {
	m, err := New(DefaultTables())
	if err != nil {
		panic(err)
	}
	return m
}

// BatterTarget is the suggested batter frequency for a drum type and size.
func (m *Model) BatterTarget(t kit.DrumType, diameterInches float64) (float64, error) {
	if !finitePositive(diameterInches) {
		return 0, fmt.Errorf("%w: diameter %v", ErrInvalidTarget, diameterInches)
	}
	switch t {
	case kit.Kick:
		return interpolate(m.kick, diameterInches), nil
	case kit.Snare:
		return interpolate(m.snare, diameterInches), nil
	case kit.Tom:
		for _, b := range m.tom {
			if diameterInches <= b.MaxDiameter {
				return b.Hz, nil
			}
		}
		return m.tom[len(m.tom)-1].Hz, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// ResoTarget is batterHz scaled by ratio; a non-positive ratio means
// DefaultResoRatio.
func ResoTarget(batterHz, ratio float64) float64 {
	if !finitePositive(ratio) {
		ratio = DefaultResoRatio
	}
	return batterHz * ratio
}

// Check reports whether a drum can be tuned at all.
func (m *Model) Check(d kit.Drum) error {
	if d.LugCount <= 0 {
		return fmt.Errorf("drum %s: %w", d.ID, ErrNoLugs)
	}
	for _, h := range kit.Heads {
		if _, err := m.HeadTarget(d, h); err != nil {
			return err
		}
	}
	return nil
}

// HeadTarget is the target for a whole head before per-point offsets.
func (m *Model) HeadTarget(d kit.Drum, h kit.Head) (float64, error) {
	batter := d.Target.BatterHz
	if batter == 0 {
		var err error
		if batter, err = m.BatterTarget(d.Type, d.DiameterInches); err != nil {
			return 0, fmt.Errorf("drum %s: %w", d.ID, err)
		}
	}

	hz := batter
	if h == kit.Reso {
		ratio := d.Target.ResoRatio
		if ratio == 0 {
			ratio = m.ratio
		}
		hz = ResoTarget(batter, ratio)
	}
	if !finitePositive(hz) {
		return 0, fmt.Errorf("drum %s %s: %w", d.ID, h, ErrInvalidTarget)
	}
	return hz, nil
}

// OffsetCents is the fixed detune for one point of a drum.
func (m *Model) OffsetCents(point int, d kit.Drum) float64 {
	n := d.LugCount
	if n <= 0 {
		return 0
	}
	var cents float64
	for _, r := range m.offsets[d.Type] {
		idx := r.Index % n
		if r.Opposite {
			idx = (r.Index + n/2) % n
		}
		if idx == point {
			cents = r.Cents
		}
	}
	return cents
}

// PointTarget applies the per-point offset to a head target.
func (m *Model) PointTarget(headHz float64, point int, d kit.Drum) (float64, error) {
	if d.LugCount <= 0 {
		return 0, fmt.Errorf("drum %s: %w", d.ID, ErrNoLugs)
	}
	if point < 0 || point >= d.LugCount {
		return 0, fmt.Errorf("drum %s point %d: %w", d.ID, point, ErrPointRange)
	}
	if !finitePositive(headHz) {
		return 0, fmt.Errorf("drum %s: %w", d.ID, ErrInvalidTarget)
	}
	return pitch.ApplyCents(headHz, m.OffsetCents(point, d)), nil
}

// Targets returns the target for every point of a head.
func (m *Model) Targets(d kit.Drum, h kit.Head) ([]float64, error) {
	if d.LugCount <= 0 {
		return nil, fmt.Errorf("drum %s: %w", d.ID, ErrNoLugs)
	}
	head, err := m.HeadTarget(d, h)
	if err != nil {
		return nil, err
	}
	out := make([]float64, d.LugCount)
	for i := range out {
		if out[i], err = m.PointTarget(head, i, d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func interpolate(knots []Knot, x float64) float64 {
	if x <= knots[0].Diameter {
		return knots[0].Hz
	}
	last := knots[len(knots)-1]
	if x >= last.Diameter {
		return last.Hz
	}
	for i := 1; i < len(knots); i++ {
		a, b := knots[i-1], knots[i]
		if x <= b.Diameter {
			frac := (x - a.Diameter) / (b.Diameter - a.Diameter)
			return a.Hz + frac*(b.Hz-a.Hz)
		}
	}
	return last.Hz
}

func sortedKnots(k []Knot) []Knot {
	out := append([]Knot(nil), k...)
	sort.Slice(out, func(i, j int) bool { return out[i].Diameter < out[j].Diameter })
	return out
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
