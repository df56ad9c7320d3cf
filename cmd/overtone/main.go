// Command overtone runs a tuning session against a live microphone or a
// recorded WAV file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"overtone/internal/audio"
	"overtone/internal/audio/capture"
	"overtone/internal/config"
	"overtone/internal/health"
	"overtone/internal/journal"
	"overtone/internal/kit"
	"overtone/internal/logging"
	"overtone/internal/metrics"
	"overtone/internal/store"
	"overtone/internal/tuning"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "tune":
		cmdTune(args)
	case "replay":
		cmdReplay(args)
	case "devices":
		cmdDevices()
	case "version":
		fmt.Printf("overtone %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`overtone - guided drum tuning

Usage:
  overtone tune [-config path] [-kit path] [-device name]
  overtone replay [-config path] [-kit path] <file.wav>
  overtone devices
  overtone version

While tuning, type a command and press enter:
  drum <id>       select a drum
  head <batter|reso>
  point <n>       jump to a tension point (1-based)
  reset           clear the current head
  status          print kit progress
  quit`)
}

// session is everything a tuning run owns.
type session struct {
	loader  *config.Loader
	cfg     *config.Config
	log     *logging.Logger
	kit     *kit.Kit
	kitName string

	store   *store.Store
	writer  *store.AsyncWriter
	journal *journal.Journal
	queue   *journal.Queue
	metrics *metrics.TunerMetrics
	server  *http.Server
	health  *health.Checker

	// replay times the engine's advances from frame timestamps.
	replay bool

	lastFrame atomic.Int64

	filter *audio.FilterChain
	engine *tuning.Engine
	locks  int
}

func sessionFlags(name string, args []string) (*flag.FlagSet, *string, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", config.FindConfigFile(), "Configuration file")
	kitPath := fs.String("kit", "", "Kit definition (overrides config)")
	device := fs.String("device", "", "Input device name (overrides config)")
	fs.Parse(args)
	return fs, configPath, kitPath, device
}

func cmdTune(args []string) {
	_, configPath, kitPath, device := sessionFlags("tune", args)

	s, err := openSession(*configPath, *kitPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.close()

	if err := capture.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		os.Exit(1)
	}
	defer capture.Terminate()

	dev := s.cfg.Audio.Device
	if *device != "" {
		dev = *device
	}
	stream, err := capture.Open(capture.Config{
		Device:     dev,
		SampleRate: s.cfg.Audio.SampleRate,
		BlockSize:  s.cfg.Audio.HopSize,
	}, s.log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer stream.Close()

	fmt.Printf("Listening on %s at %.0f Hz. Type 'quit' to finish.\n", stream.Device(), stream.SampleRate())
	if err := s.run(stream, true); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdReplay(args []string) {
	fs, configPath, kitPath, _ := sessionFlags("replay", args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: overtone replay [-config path] [-kit path] <file.wav>")
		os.Exit(1)
	}

	s, err := openSession(*configPath, *kitPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.close()

	src, err := audio.OpenWAV(fs.Arg(0), s.cfg.Audio.HopSize, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer src.Close()

	if err := s.run(src, false); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Replay finished: %d point(s) locked.\n", s.locks)
}

func cmdDevices() {
	if err := capture.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		os.Exit(1)
	}
	defer capture.Terminate()

	devices, err := capture.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(devices) == 0 {
		fmt.Println("No input devices found.")
		return
	}
	for _, d := range devices {
		fmt.Printf("  %-40s %d ch  %.0f Hz\n", d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
}

func openSession(configPath, kitPath string, replay bool) (*session, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if kitPath != "" {
		cfg.Kit.Path = kitPath
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logCfg, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	logging.SetDefault(log)
	loader.SetLogger(log.WithComponent("config"))
	log.Info("overtone starting",
		"version", version, "config", loader.Path(),
		"log_level", logging.LevelString(logCfg.Level), "replay", replay)

	s := &session{loader: loader, cfg: cfg, log: log, replay: replay}
	if err := s.open(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) open() error {
	var err error
	cfg := s.cfg

	s.kit, err = kit.Load(cfg.Kit.Path)
	if err != nil {
		return fmt.Errorf("load kit: %w", err)
	}
	s.kitName = kitName(s.kit, cfg.Kit.Path)

	if cfg.Metrics.Enabled {
		s.metrics = metrics.NewTunerMetrics(metrics.NewRegistry("overtone"))
		s.health = health.NewChecker()
	}

	model, err := cfg.Model()
	if err != nil {
		return err
	}
	est, err := cfg.Estimator()
	if err != nil {
		return err
	}

	s.store, err = store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.writer = store.NewAsyncWriter(s.store, s.kitName,
		store.WithDebounce(cfg.FlushDelay()),
		store.WithWriterLogger(s.log),
		store.WithWriterMetrics(s.metrics))

	s.filter = audio.NewFilterChain(cfg.Audio.SampleRate)
	recorders := tuning.Recorders{s.writer, tuning.RecorderFunc(s.countLock)}
	record := func(ev tuning.LockEvent) error { return recorders.Record(ev) }

	s.engine, err = tuning.New(tuning.Options{
		Kit:        s.kit,
		Model:      model,
		Settings:   cfg.Tuning.Settings(),
		Estimator:  est,
		Fold:       cfg.Conditioner,
		Progress:   s.writer,
		Recorder:   tuning.RecorderFunc(record),
		Band:       s.filter,
		FrameClock: s.replay,
		Logger:     s.log,
		Metrics:    s.metrics,
		OnError: func(err error) {
			s.log.Warn("tuning problem", "error", err)
		},
	})
	if err != nil {
		return err
	}

	id := s.engine.SessionID()
	s.log = s.log.WithSession(id)
	if err := s.store.StartSession(id, s.kitName, time.Now()); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if cfg.Journal.Enabled {
		s.journal, err = journal.Open(journal.PathFor(cfg.Journal.Dir, id), id,
			journal.WithLogger(s.log), journal.WithMetrics(s.metrics))
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		if err := s.journal.StartSession(journal.SessionStart{
			SessionID: id,
			Kit:       s.kitName,
			Drums:     len(s.kit.Drums),
			StartedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("journal session: %w", err)
		}
		s.queue = journal.NewQueue(s.journal, journal.WithQueueLogger(s.log))
		recorders = append(recorders, s.queue)
	}

	if s.health != nil {
		s.health.Register("store", true, health.PingCheck(s.store.DB().PingContext))
		s.health.Register("progress_writer", false, health.BacklogCheck(s.writer.Pending, 64))
		s.health.Register("audio", true, health.FreshnessCheck(s.lastFrameAt, 2*time.Second))
		if s.queue != nil {
			s.health.Register("journal_queue", false, health.BacklogCheck(s.queue.Pending, journal.DefaultQueueSize/2))
		}
		s.startMetricsServer()
	}

	snaps, err := s.store.LoadHeads(s.kitName)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	if n := s.engine.Restore(snaps); n > 0 {
		s.log.Info("progress restored", "heads", n)
	}
	return nil
}

func (s *session) lastFrameAt() time.Time {
	ns := s.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *session) countLock(ev tuning.LockEvent) error {
	s.locks++
	return nil
}

// kitName keys stored progress. Unnamed kits fall back to the file name.
func kitName(k *kit.Kit, path string) string {
	if k.Name != "" {
		return k.Name
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func (s *session) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Registry().HTTPHandler())
	mux.Handle("/healthz", s.health.HTTPHandler())
	s.server = &http.Server{
		Addr:              s.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server failed", "addr", s.cfg.Metrics.Addr, "error", err)
		}
	}()
	s.log.Info("metrics listening", "addr", s.cfg.Metrics.Addr)
}

// applyConfig pushes a reloaded configuration into the running engine.
// Paths, audio and storage settings take effect on the next run.
func (s *session) applyConfig(cfg *config.Config) {
	if err := s.engine.UpdateSettings(cfg.Tuning.Settings()); err != nil {
		s.log.Warn("reload: tuning settings rejected", "error", err)
	}
	if model, err := cfg.Model(); err != nil {
		s.log.Warn("reload: target tables rejected", "error", err)
	} else if err := s.engine.UpdateModel(model); err != nil {
		s.log.Warn("reload: target tables rejected", "error", err)
	}
	if err := s.engine.UpdateFold(cfg.Conditioner); err != nil {
		s.log.Warn("reload: conditioner rejected", "error", err)
	}
	s.log.Info("configuration reloaded")
}

// run drives the engine from src until the source ends, the operator quits
// or a signal arrives.
func (s *session) run(src audio.Source, interactive bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			s.log.Info("signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	s.loader.OnChange(s.applyConfig)
	if err := s.loader.Watch(); err != nil {
		s.log.Warn("config watch unavailable", "error", err)
	}
	var journalErrs <-chan error
	if s.queue != nil {
		journalErrs = s.queue.Errors()
	}
	go func() {
		for {
			select {
			case err := <-s.writer.Errors():
				s.log.Error("progress write failed", "error", err)
			case err := <-journalErrs:
				fmt.Fprintf(os.Stderr, "\nWarning: journal append failed: %v\n", err)
			case err := <-s.loader.Errors():
				fmt.Fprintf(os.Stderr, "\nWarning: %s not applied: %v\n", s.loader.Path(), err)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := s.engine.Start(); err != nil {
		return err
	}
	defer s.engine.Stop()

	if interactive {
		go s.console(ctx, cancel, os.Stdin)
	}

	if dropper, ok := src.(interface{ Dropped() uint64 }); ok && s.health != nil {
		s.health.Register("capture_overflow", false, health.DropCheck(dropper.Dropped))
	}
	if s.health != nil {
		s.health.SetReady(true)
		defer s.health.SetReady(false)
	}

	display := newDisplay(os.Stdout, interactive)
	runner, err := audio.NewRunner(src, s.engine, audio.RunnerOptions{
		FrameSize: s.cfg.Audio.FrameSize,
		HopSize:   s.cfg.Audio.HopSize,
		Filter:    s.filterFor(src),
		OnReadout: func(r tuning.Readout) {
			s.lastFrame.Store(time.Now().UnixNano())
			display.show(r)
		},
		Logger:    s.log,
	})
	if err != nil {
		return err
	}

	err = runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	display.done()
	printProgress(os.Stdout, s.engine.Progress())
	return err
}

// filterFor returns the band filter when it is enabled and matches the
// source's rate.
func (s *session) filterFor(src audio.Source) *audio.FilterChain {
	if !s.cfg.Audio.Filter {
		return nil
	}
	if src.SampleRate() != s.filter.SampleRate() {
		s.filter.SetSampleRate(src.SampleRate())
	}
	return s.filter
}

func (s *session) close() {
	now := time.Now()
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			s.log.Error("final progress flush failed", "error", err)
		}
	}
	if s.store != nil {
		if s.engine != nil {
			if err := s.store.EndSession(s.engine.SessionID(), now); err != nil {
				s.log.Warn("end session", "error", err)
			}
		}
		s.store.Close()
	}
	if s.queue != nil {
		s.queue.Close()
	}
	if s.journal != nil {
		if err := s.journal.EndSession(journal.SessionEnd{
			SessionID: s.engine.SessionID(),
			Locks:     s.locks,
			EndedAt:   now,
		}); err != nil {
			s.log.Warn("journal end session", "error", err)
		}
		s.journal.Close()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.server.Shutdown(ctx)
		cancel()
	}
	if s.loader != nil {
		s.loader.Close()
	}
	if s.log != nil {
		s.log.Close()
	}
}
