package journal

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overtone/internal/kit"
	"overtone/internal/logging"
	"overtone/internal/tuning"
)

func openTest(t *testing.T) (*Journal, string) {
	t.Helper()
	path := PathFor(t.TempDir(), "sess1")
	j, err := Open(path, "sess1", WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func lockEvent(point int) tuning.LockEvent {
	return tuning.LockEvent{
		SessionID:   "sess1",
		DrumID:      "t1",
		Head:        kit.Batter,
		Point:       point,
		Hz:          140.2,
		TargetHz:    140,
		CentsOffset: 2.47,
		Timestamp:   time.Date(2026, 3, 1, 12, 0, point, 0, time.UTC),
	}
}

func TestAppendAndReadBack(t *testing.T) {
	j, _ := openTest(t)
	require.NoError(t, j.StartSession(SessionStart{SessionID: "sess1", Kit: "studio", Drums: 4}))
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Record(lockEvent(i)))
	}
	require.NoError(t, j.EndSession(SessionEnd{SessionID: "sess1", Locks: 3}))

	entries, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, EntrySessionStart, entries[0].Type)
	assert.Equal(t, EntrySessionEnd, entries[4].Type)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Sequence)
	}
	assert.Equal(t, entries[0].Hash(), entries[1].PrevHash)

	locks, err := Locks(entries)
	require.NoError(t, err)
	require.Len(t, locks, 3)
	assert.Equal(t, lockEvent(2), locks[2])

	assert.Equal(t, uint64(5), j.EntryCount())
	assert.Equal(t, "sess1", j.Header().SessionID)
}

func TestReopenContinuesChain(t *testing.T) {
	j, path := openTest(t)
	require.NoError(t, j.Record(lockEvent(0)))
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Record(lockEvent(1)), ErrClosed)

	j2, err := Open(path, "ignored", WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, "sess1", j2.Header().SessionID)
	require.NoError(t, j2.Record(lockEvent(1)))

	rep, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Locks)
	assert.Equal(t, uint64(1), rep.LastSequence)
	assert.True(t, rep.Intact())
}

func TestTornTailIsDropped(t *testing.T) {
	j, path := openTest(t)
	require.NoError(t, j.Record(lockEvent(0)))
	require.NoError(t, j.Record(lockEvent(1)))
	good := j.Size()
	require.NoError(t, j.Close())

	// Chop the last entry in half.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, good, info.Size())
	require.NoError(t, os.Truncate(path, good-20))

	_, err = Verify(path)
	assert.Error(t, err)

	j2, err := Open(path, "sess1", WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, uint64(1), j2.EntryCount())

	require.NoError(t, j2.Record(lockEvent(5)))
	rep, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Entries)
	assert.Equal(t, uint64(1), rep.LastSequence)
}

func TestVerifyDetectsTampering(t *testing.T) {
	j, path := openTest(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Record(lockEvent(i)))
	}
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a payload byte of the first entry: its CRC no longer matches.
	data[HeaderSize+30] ^= 0xff
	bad := filepath.Join(t.TempDir(), "bad.otj")
	require.NoError(t, os.WriteFile(bad, data, 0600))

	rep, err := Verify(bad)
	assert.ErrorIs(t, err, ErrCorruptedEntry)
	assert.Zero(t, rep.Entries)
	assert.False(t, rep.Intact())
}

func TestVerifyRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.otj")
	require.NoError(t, os.WriteFile(path, make([]byte, HeaderSize), 0600))
	_, err := Verify(path)
	assert.ErrorIs(t, err, ErrInvalidMagic)

	_, err = Open(path, "s", WithLogger(logging.Discard()))
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestSecondWriterIsRefused(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("flock semantics")
	}
	_, path := openTest(t)
	_, err := Open(path, "sess1", WithLogger(logging.Discard()))
	assert.ErrorIs(t, err, ErrLocked)
}

func TestClockOption(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	path := PathFor(t.TempDir(), "s")
	j, err := Open(path, "s", WithLogger(logging.Discard()), WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	defer j.Close()

	e, err := j.Append(EntryLock, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, e.Time().Equal(at))
	assert.True(t, j.Header().CreatedAt.Equal(at))
}
