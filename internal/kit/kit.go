// Package kit describes the drums being tuned: their type, geometry, lug
// count and optional pitch overrides.
package kit

import (
	"fmt"
	"strings"
)

// DrumType is the kind of drum.
type DrumType string

const (
	Kick  DrumType = "kick"
	Snare DrumType = "snare"
	Tom   DrumType = "tom"
)

// ParseDrumType parses a drum type name (case-insensitive).
func ParseDrumType(s string) (DrumType, error) {
	switch t := DrumType(strings.ToLower(strings.TrimSpace(s))); t {
	case Kick, Snare, Tom:
		return t, nil
	}
	return "", fmt.Errorf("kit: unknown drum type %q", s)
}

// Head is one of the two heads of a drum.
type Head string

const (
	Batter Head = "batter"
	Reso   Head = "reso"
)

// Heads lists both heads in tuning order.
var Heads = [2]Head{Batter, Reso}

// ParseHead parses a head name. "resonant" and "top"/"bottom" are accepted.
func ParseHead(s string) (Head, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "batter", "top":
		return Batter, nil
	case "reso", "resonant", "bottom":
		return Reso, nil
	}
	return "", fmt.Errorf("kit: unknown head %q", s)
}

// Other returns the opposite head.
func (h Head) Other() Head {
	if h == Batter {
		return Reso
	}
	return Batter
}

// Valid reports whether h is a known head.
func (h Head) Valid() bool {
	return h == Batter || h == Reso
}

// TargetSpec is the per-drum tuning goal. A zero BatterHz means "use the
// size curve for this drum type"; a zero ResoRatio means the default ratio.
type TargetSpec struct {
	BatterHz  float64 `json:"batter_hz,omitempty" yaml:"batter_hz,omitempty" toml:"batter_hz,omitempty"`
	ResoRatio float64 `json:"reso_ratio,omitempty" yaml:"reso_ratio,omitempty" toml:"reso_ratio,omitempty"`
}

// Drum is one drum of a kit.
type Drum struct {
	ID             string     `json:"id" yaml:"id" toml:"id"`
	Type           DrumType   `json:"type" yaml:"type" toml:"type"`
	DiameterInches float64    `json:"size_in" yaml:"size_in" toml:"size_in"`
	LugCount       int        `json:"lugs" yaml:"lugs" toml:"lugs"`
	Target         TargetSpec `json:"target" yaml:"target" toml:"target"`
}

// String is a short human label such as "tom 12in (t1)".
func (d Drum) String() string {
	return fmt.Sprintf("%s %gin (%s)", d.Type, d.DiameterInches, d.ID)
}

// DefaultLugs is the usual lug count for a drum of this type and size.
func DefaultLugs(t DrumType, diameterInches float64) int {
	switch t {
	case Snare:
		return 8
	case Kick:
		if diameterInches >= 24 {
			return 10
		}
		return 8
	default:
		if diameterInches <= 13 {
			return 6
		}
		return 8
	}
}

// Kit is the ordered drum catalog plus the active selection.
type Kit struct {
	Name         string `json:"name" yaml:"name" toml:"name"`
	Drums        []Drum `json:"drums" yaml:"drums" toml:"drums"`
	ActiveDrumID string `json:"active_drum,omitempty" yaml:"active_drum,omitempty" toml:"active_drum,omitempty"`
	ActiveHead   Head   `json:"active_head,omitempty" yaml:"active_head,omitempty" toml:"active_head,omitempty"`
}

// Index returns the position of the drum with the given id, or -1.
func (k *Kit) Index(id string) int {
	for i := range k.Drums {
		if k.Drums[i].ID == id {
			return i
		}
	}
	return -1
}

// Drum looks a drum up by id.
func (k *Kit) Drum(id string) (Drum, bool) {
	if i := k.Index(id); i >= 0 {
		return k.Drums[i], true
	}
	return Drum{}, false
}

// Active returns the active drum and head, defaulting to the first drum and
// the batter head.
func (k *Kit) Active() (Drum, Head, bool) {
	if len(k.Drums) == 0 {
		return Drum{}, "", false
	}
	head := k.ActiveHead
	if !head.Valid() {
		head = Batter
	}
	if d, ok := k.Drum(k.ActiveDrumID); ok {
		return d, head, true
	}
	return k.Drums[0], head, true
}

// Clone returns a deep copy.
func (k *Kit) Clone() *Kit {
	c := *k
	c.Drums = append([]Drum(nil), k.Drums...)
	return &c
}
