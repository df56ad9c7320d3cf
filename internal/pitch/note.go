package pitch

import (
	"fmt"
	"math"
)

var sharpNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Note is the equal-tempered note nearest to a frequency (A4 = 440 Hz).
type Note struct {
	MIDI    int
	Name    string
	Octave  int
	ExactHz float64
}

// String formats the note as name and octave, e.g. "A2".
func (n Note) String() string {
	return fmt.Sprintf("%s%d", n.Name, n.Octave)
}

// NoteOf returns the nearest note to hz. ok is false for non-positive or
// non-finite input.
func NoteOf(hz float64) (Note, bool) {
	if !(hz > 0) || math.IsInf(hz, 0) {
		return Note{}, false
	}
	midi := int(math.Round(69 + 12*math.Log2(hz/440)))
	name := sharpNames[((midi%12)+12)%12]
	return Note{
		MIDI:    midi,
		Name:    name,
		Octave:  int(math.Floor(float64(midi)/12)) - 1,
		ExactHz: 440 * math.Pow(2, float64(midi-69)/12),
	}, true
}

// Cents returns 1200·log2(measured/target), or NaN when either side is not a
// positive finite frequency.
func Cents(measured, target float64) float64 {
	if !(measured > 0) || !(target > 0) || math.IsInf(measured, 0) || math.IsInf(target, 0) {
		return math.NaN()
	}
	return 1200 * math.Log2(measured/target)
}

// ApplyCents shifts hz by the given number of cents.
func ApplyCents(hz, cents float64) float64 {
	return hz * math.Pow(2, cents/1200)
}
