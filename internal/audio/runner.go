package audio

import (
	"context"
	"errors"
	"fmt"
	"io"

	"overtone/internal/logging"
	"overtone/internal/tuning"
)

// Processor consumes analysis frames. *tuning.Engine implements it.
type Processor interface {
	ProcessFrame(f tuning.Frame) tuning.Readout
}

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	FrameSize int
	HopSize   int

	// Filter, when set, band-limits every block before framing. Pass the
	// same chain to the engine as its BandSink.
	Filter *FilterChain

	// OnReadout receives every readout on the runner goroutine.
	OnReadout func(tuning.Readout)

	Logger *logging.Logger
}

// Runner pumps a Source through the filter and framer into a Processor.
type Runner struct {
	src       Source
	proc      Processor
	filter    *FilterChain
	framer    *Framer
	onReadout func(tuning.Readout)
	log       *logging.Logger

	blocks uint64
	frames uint64
}

// NewRunner validates the framing against the source's sample rate.
func NewRunner(src Source, proc Processor, opts RunnerOptions) (*Runner, error) {
	if src == nil || proc == nil {
		return nil, errors.New("audio: runner needs a source and a processor")
	}
	framer, err := NewFramer(opts.FrameSize, opts.HopSize, src.SampleRate())
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Runner{
		src:       src,
		proc:      proc,
		filter:    opts.Filter,
		framer:    framer,
		onReadout: opts.OnReadout,
		log:       log.WithComponent("audio"),
	}, nil
}

// Run reads until the source ends (returns nil) or ctx is cancelled
// (returns ctx.Err()).
func (r *Runner) Run(ctx context.Context) error {
	r.log.Debug("runner started", "sample_rate", r.src.SampleRate())
	defer func() {
		r.log.Debug("runner stopped", "blocks", r.blocks, "frames", r.frames)
	}()

	for {
		b, err := r.src.Read(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("audio: read: %w", err)
		}
		r.blocks++

		if r.filter != nil {
			r.filter.Process(b.Samples)
		}
		for _, f := range r.framer.Push(b.Samples, b.At) {
			r.frames++
			ro := r.proc.ProcessFrame(f)
			if r.onReadout != nil {
				r.onReadout(ro)
			}
		}
	}
}

// Frames is the number of frames processed so far. Call after Run returns.
func (r *Runner) Frames() uint64 {
	return r.frames
}
