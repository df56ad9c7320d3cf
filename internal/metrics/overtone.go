package metrics

import "time"

// TunerMetrics holds the metrics of one tuning engine and its collaborators.
// A nil *TunerMetrics is valid and records nothing.
type TunerMetrics struct {
	registry *Registry

	FramesTotal    *Counter
	VoicedFrames   *Counter
	LocksTotal     *Counter
	AdvancesTotal  *Counter
	OverridesTotal *Counter
	RecorderErrors *Counter
	StoreFlushes   *Counter
	StoreErrors    *Counter
	JournalAppends *Counter

	ActiveSessions *Gauge
	PendingWrites  *Gauge

	FrameDuration *Histogram
	FlushDuration *Histogram
}

// NewTunerMetrics creates and registers the tuning metrics.
func NewTunerMetrics(registry *Registry) *TunerMetrics {
	if registry == nil {
		registry = NewRegistry("overtone")
	}

	return &TunerMetrics{
		registry: registry,

		FramesTotal:    registry.RegisterCounter("frames_total", "Audio frames processed", nil),
		VoicedFrames:   registry.RegisterCounter("voiced_frames_total", "Frames with a pitch estimate", nil),
		LocksTotal:     registry.RegisterCounter("locks_total", "Tension points locked", nil),
		AdvancesTotal:  registry.RegisterCounter("advances_total", "Automatic cursor advances applied", nil),
		OverridesTotal: registry.RegisterCounter("overrides_total", "Manual cursor overrides", nil),
		RecorderErrors: registry.RegisterCounter("recorder_errors_total", "Lock events the recorder failed to store", nil),
		StoreFlushes:   registry.RegisterCounter("store_flushes_total", "Progress store flushes", nil),
		StoreErrors:    registry.RegisterCounter("store_errors_total", "Failed progress store writes", nil),
		JournalAppends: registry.RegisterCounter("journal_appends_total", "Entries appended to the session journal", nil),

		ActiveSessions: registry.RegisterGauge("active_sessions", "Running tuning sessions", nil),
		PendingWrites:  registry.RegisterGauge("pending_writes", "Snapshots waiting for the next store flush", nil),

		FrameDuration: registry.RegisterHistogram("frame_seconds", "Time spent handling one frame", nil, nil),
		FlushDuration: registry.RegisterHistogram("store_flush_seconds", "Time spent flushing the progress store", nil, nil),
	}
}

// Registry returns the registry the metrics live in.
func (m *TunerMetrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordFrame records one handled frame.
func (m *TunerMetrics) RecordFrame(d time.Duration, voiced bool) {
	if m == nil {
		return
	}
	m.FramesTotal.Inc()
	if voiced {
		m.VoicedFrames.Inc()
	}
	m.FrameDuration.ObserveDuration(d)
}

// RecordLock records a tension point lock.
func (m *TunerMetrics) RecordLock() {
	if m != nil {
		m.LocksTotal.Inc()
	}
}

// RecordAdvance records an automatic advance.
func (m *TunerMetrics) RecordAdvance() {
	if m != nil {
		m.AdvancesTotal.Inc()
	}
}

// RecordOverride records a manual override.
func (m *TunerMetrics) RecordOverride() {
	if m != nil {
		m.OverridesTotal.Inc()
	}
}

// RecordRecorderError records a failed lock event write.
func (m *TunerMetrics) RecordRecorderError() {
	if m != nil {
		m.RecorderErrors.Inc()
	}
}

// RecordFlush records one store flush.
func (m *TunerMetrics) RecordFlush(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.StoreFlushes.Inc()
	if failed {
		m.StoreErrors.Inc()
	}
	m.FlushDuration.ObserveDuration(d)
}

// RecordJournalAppend records a journal append.
func (m *TunerMetrics) RecordJournalAppend() {
	if m != nil {
		m.JournalAppends.Inc()
	}
}

// SetPendingWrites sets the number of queued snapshots.
func (m *TunerMetrics) SetPendingWrites(n int) {
	if m != nil {
		m.PendingWrites.Set(int64(n))
	}
}

// SessionStarted marks a session as running.
func (m *TunerMetrics) SessionStarted() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

// SessionEnded marks a session as stopped.
func (m *TunerMetrics) SessionEnded() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}
