// Package capture reads live microphone input through PortAudio.
//
// It lives apart from package audio because it needs cgo and the PortAudio
// library; everything else in the audio path builds without them.
package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"overtone/internal/audio"
	"overtone/internal/logging"
)

// QueueDepth is the number of callback blocks buffered for the reader.
const QueueDepth = 32

// Config selects the input.
type Config struct {
	// Device is matched case-insensitively against device names; empty
	// selects the default input.
	Device     string
	SampleRate float64
	// BlockSize is the number of frames per PortAudio callback.
	BlockSize int
}

// Stream is a running mono input stream. It implements audio.Source.
type Stream struct {
	stream *portaudio.Stream
	device *portaudio.DeviceInfo
	rate   float64
	blocks chan audio.Block

	dropped   atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
	log       *logging.Logger
}

// Devices lists input-capable devices. Initialize must have been called.
func Devices() ([]*portaudio.DeviceInfo, error) {
	all, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", err)
	}
	var out []*portaudio.DeviceInfo
	for _, d := range all {
		if d.MaxInputChannels > 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

// Initialize starts PortAudio; pair with Terminate.
func Initialize() error {
	return portaudio.Initialize()
}

// Terminate shuts PortAudio down.
func Terminate() error {
	return portaudio.Terminate()
}

func findDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return portaudio.DefaultInputDevice()
	}
	devices, err := Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("capture: no input device matching %q", name)
}

// Open opens and starts a low-latency mono input stream.
func Open(cfg Config, log *logging.Logger) (*Stream, error) {
	if log == nil {
		log = logging.Default()
	}
	dev, err := findDevice(cfg.Device)
	if err != nil {
		return nil, err
	}

	p := portaudio.LowLatencyParameters(dev, nil)
	p.Input.Channels = 1
	if cfg.SampleRate > 0 {
		p.SampleRate = cfg.SampleRate
	}
	if cfg.BlockSize > 0 {
		p.FramesPerBuffer = cfg.BlockSize
	}

	s := &Stream{
		device: dev,
		rate:   p.SampleRate,
		blocks: make(chan audio.Block, QueueDepth),
		done:   make(chan struct{}),
		log:    log.WithComponent("audio"),
	}
	s.stream, err = portaudio.OpenStream(p, s.process)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", dev.Name, err)
	}
	if err := s.stream.Start(); err != nil {
		s.stream.Close()
		return nil, fmt.Errorf("capture: start %s: %w", dev.Name, err)
	}

	s.log.Info("capture started",
		"device", dev.Name,
		"sample_rate", p.SampleRate,
		"block", p.FramesPerBuffer,
		"latency", p.Input.Latency)
	return s, nil
}

// process runs on the PortAudio thread and must not block.
func (s *Stream) process(in []float32) {
	now := time.Now()
	samples := make([]float64, len(in))
	for i, v := range in {
		samples[i] = float64(v)
	}
	span := time.Duration(float64(len(in)) / s.rate * float64(time.Second))
	select {
	case s.blocks <- audio.Block{Samples: samples, At: now.Add(-span)}:
	default:
		s.dropped.Add(1)
	}
}

// Read waits for the next block.
func (s *Stream) Read(ctx context.Context) (audio.Block, error) {
	select {
	case b := <-s.blocks:
		return b, nil
	case <-s.done:
		return audio.Block{}, audio.ErrClosed
	case <-ctx.Done():
		return audio.Block{}, ctx.Err()
	}
}

// SampleRate is the negotiated rate.
func (s *Stream) SampleRate() float64 {
	return s.rate
}

// Device is the name of the open device.
func (s *Stream) Device() string {
	return s.device.Name
}

// Dropped counts blocks discarded because the reader fell behind.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops and closes the stream.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if stopErr := s.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.log.Info("capture stopped", "device", s.device.Name, "dropped_blocks", s.Dropped())
	})
	return err
}
