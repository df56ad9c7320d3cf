package journal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overtone/internal/kit"
	"overtone/internal/logging"
	"overtone/internal/pitch"
	"overtone/internal/tuning"
)

// stalled is a recorder that blocks until release is closed.
type stalled struct {
	started chan tuning.LockEvent
	release chan struct{}
}

func newStalled() *stalled {
	return &stalled{started: make(chan tuning.LockEvent, 8), release: make(chan struct{})}
}

func (s *stalled) Record(ev tuning.LockEvent) error {
	s.started <- ev
	<-s.release
	return nil
}

func TestQueueAppendsInOrder(t *testing.T) {
	j, _ := openTest(t)
	q := NewQueue(j, WithQueueLogger(logging.Discard()))
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Record(lockEvent(i)))
	}
	q.Flush()
	assert.Zero(t, q.Pending())
	assert.Equal(t, uint64(3), j.EntryCount())

	require.NoError(t, q.Record(lockEvent(3)))
	q.Close()
	q.Close()
	assert.ErrorIs(t, q.Record(lockEvent(4)), ErrQueueClosed)
	q.Flush()

	entries, err := j.ReadAll()
	require.NoError(t, err)
	locks, err := Locks(entries)
	require.NoError(t, err)
	require.Len(t, locks, 4)
	for i, ev := range locks {
		assert.Equal(t, lockEvent(i), ev)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	dst := newStalled()
	q := NewQueue(dst, WithQueueSize(1), WithQueueLogger(logging.Discard()))

	require.NoError(t, q.Record(lockEvent(0)))
	<-dst.started
	require.NoError(t, q.Record(lockEvent(1)))
	assert.ErrorIs(t, q.Record(lockEvent(2)), ErrQueueFull)
	assert.Equal(t, 2, q.Pending())

	close(dst.release)
	q.Close()
	assert.Zero(t, q.Pending())
	assert.Equal(t, 1, (<-dst.started).Point)
}

func TestQueueReportsFailures(t *testing.T) {
	boom := errors.New("disk full")
	q := NewQueue(tuning.RecorderFunc(func(tuning.LockEvent) error { return boom }),
		WithQueueLogger(logging.Discard()))
	defer q.Close()

	require.NoError(t, q.Record(lockEvent(0)))
	select {
	case err := <-q.Errors():
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("append failure not reported")
	}
}

func TestStalledJournalDoesNotBlockFrames(t *testing.T) {
	dst := newStalled()
	q := NewQueue(dst, WithQueueLogger(logging.Discard()))

	eng, err := tuning.New(tuning.Options{
		Kit: &kit.Kit{Name: "test", Drums: []kit.Drum{
			{ID: "t1", Type: kit.Tom, DiameterInches: 12, LugCount: 6},
		}},
		Recorder:   q,
		FrameClock: true,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	defer eng.Stop()

	done := make(chan int)
	go func() {
		locks := 0
		at := time.Unix(0, 0)
		for i := 0; i < 100; i++ {
			r := eng.ProcessReading(pitch.Result{Hz: 140, RMS: 0.2, Found: true}, at)
			if r.Lock != nil {
				locks++
			}
			at = at.Add(10 * time.Millisecond)
		}
		done <- locks
	}()

	select {
	case locks := <-done:
		assert.Equal(t, 1, locks)
	case <-time.After(2 * time.Second):
		t.Fatal("frames blocked behind the journal")
	}
	assert.Equal(t, 0, (<-dst.started).Point)
	assert.Equal(t, 1, q.Pending())

	close(dst.release)
	q.Flush()
	assert.Zero(t, q.Pending())
	q.Close()
}
