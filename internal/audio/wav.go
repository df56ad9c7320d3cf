package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned for files that are not PCM WAV.
var ErrInvalidWAV = errors.New("audio: not a PCM WAV file")

// WAVSource replays a WAV file block by block. Channels are averaged to
// mono. Timestamps are synthesized from the sample position, so replay runs
// as fast as the consumer reads.
type WAVSource struct {
	file     *os.File
	dec      *wav.Decoder
	buf      *goaudio.IntBuffer
	channels int
	rate     float64
	scale    float64
	start    time.Time
	read     int64
	closed   bool
}

// OpenWAV opens path for replay. Block sizes are block mono samples;
// start is the timestamp of the first sample.
func OpenWAV(path string, block int, start time.Time) (*WAVSource, error) {
	if block < 1 {
		return nil, fmt.Errorf("audio: invalid block size %d", block)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open wav: %w", err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("audio: seek pcm: %w", err)
	}

	format := dec.Format()
	depth := int(dec.SampleBitDepth())
	if format == nil || format.NumChannels < 1 || format.SampleRate <= 0 || depth == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s: unsupported format", ErrInvalidWAV, path)
	}

	return &WAVSource{
		file: f,
		dec:  dec,
		buf: &goaudio.IntBuffer{
			Format:         format,
			Data:           make([]int, block*format.NumChannels),
			SourceBitDepth: depth,
		},
		channels: format.NumChannels,
		rate:     float64(format.SampleRate),
		scale:    math.Pow(2, float64(depth-1)),
		start:    start,
	}, nil
}

// SampleRate is the file's rate.
func (s *WAVSource) SampleRate() float64 {
	return s.rate
}

// Read decodes the next block.
func (s *WAVSource) Read(ctx context.Context) (Block, error) {
	if s.closed {
		return Block{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}

	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return Block{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	frames := n / s.channels
	if frames == 0 {
		return Block{}, io.EOF
	}

	out := make([]float64, frames)
	for i := range out {
		var sum float64
		for c := 0; c < s.channels; c++ {
			sum += float64(s.buf.Data[i*s.channels+c])
		}
		out[i] = sum / float64(s.channels) / s.scale
	}

	at := s.start.Add(time.Duration(math.Round(float64(s.read) * float64(time.Second) / s.rate)))
	s.read += int64(frames)
	return Block{Samples: out, At: at}, nil
}

// Close releases the file.
func (s *WAVSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// WriteWAV writes mono samples in [-1, 1] as 16-bit PCM.
func WriteWAV(path string, samples []float64, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: 1,
			SampleRate:  sampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, v := range samples {
		buf.Data[i] = int(math.Round(math.Max(-1, math.Min(1, v)) * 32767))
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finish wav: %w", err)
	}
	return f.Close()
}
