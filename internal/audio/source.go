// Package audio feeds sound into the tuning engine: it reads blocks of mono
// samples from a file or a live input, band-limits them and cuts them into
// analysis frames.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a Source after Close.
var ErrClosed = errors.New("audio: source closed")

// Block is a run of mono samples in [-1, 1]. At is the time of the first
// sample.
type Block struct {
	Samples []float64
	At      time.Time
}

// Source yields consecutive blocks. Read returns io.EOF when a finite
// source is exhausted.
type Source interface {
	Read(ctx context.Context) (Block, error)
	SampleRate() float64
	Close() error
}
