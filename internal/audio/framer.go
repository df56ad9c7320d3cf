package audio

import (
	"fmt"
	"math"
	"time"

	"github.com/andrepxx/go-dsp-guitar/circular"

	"overtone/internal/tuning"
)

// Framer cuts a sample stream into overlapping analysis frames: one frame
// of size samples every hop samples, once the window has filled.
type Framer struct {
	ring       circular.Buffer
	size       int
	hop        int
	sampleRate float64

	filled  int
	pending int
}

// NewFramer creates a Framer.
func NewFramer(size, hop int, sampleRate float64) (*Framer, error) {
	if size < 2 || hop < 1 || hop > size {
		return nil, fmt.Errorf("audio: invalid framing size=%d hop=%d", size, hop)
	}
	if !(sampleRate > 0) {
		return nil, fmt.Errorf("audio: invalid sample rate %v", sampleRate)
	}
	return &Framer{
		ring:       circular.CreateBuffer(size),
		size:       size,
		hop:        hop,
		sampleRate: sampleRate,
	}, nil
}

// Push appends a block whose first sample was taken at start and returns
// the frames it completes. Each frame is stamped with the time of its last
// sample.
func (f *Framer) Push(samples []float64, start time.Time) []tuning.Frame {
	var frames []tuning.Frame
	for off := 0; off < len(samples); {
		// Feed up to the end of the first window, then hop by hop.
		n := f.hop - f.pending
		if f.filled < f.size {
			n = f.size - f.filled
		}
		n = min(n, len(samples)-off)

		f.ring.Enqueue(samples[off : off+n]...)
		off += n

		if f.filled < f.size {
			f.filled += n
			if f.filled < f.size {
				continue
			}
		} else {
			f.pending += n
			if f.pending < f.hop {
				continue
			}
		}
		f.pending = 0

		frame := make([]float64, f.ring.Length())
		if err := f.ring.Retrieve(frame); err != nil {
			continue
		}
		frames = append(frames, tuning.Frame{
			Samples:    frame,
			SampleRate: f.sampleRate,
			At:         start.Add(f.offset(off - 1)),
		})
	}
	return frames
}

func (f *Framer) offset(samples int) time.Duration {
	return time.Duration(math.Round(float64(samples) * float64(time.Second) / f.sampleRate))
}

// Reset empties the window.
func (f *Framer) Reset() {
	f.ring = circular.CreateBuffer(f.size)
	f.filled = 0
	f.pending = 0
}
