// Package journal keeps an append-only, hash-chained record of a tuning
// session on disk.
//
// Every entry carries the SHA-256 of the entry before it and a CRC32 over its
// own fields, so a torn write at the tail is detected and dropped on open and
// any edit in the middle breaks the chain. One process at a time may hold a
// journal open for writing.
package journal

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"overtone/internal/logging"
	"overtone/internal/metrics"
)

const (
	Version    = 1
	Magic      = "OTJL"
	HeaderSize = 64

	// Extension is used for journal files created by PathFor.
	Extension = ".otj"
)

// EntryType discriminates entry payloads.
type EntryType uint8

const (
	EntrySessionStart EntryType = 1
	EntryLock         EntryType = 2
	EntrySessionEnd   EntryType = 3
)

func (t EntryType) String() string {
	switch t {
	case EntrySessionStart:
		return "session_start"
	case EntryLock:
		return "lock"
	case EntrySessionEnd:
		return "session_end"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

var (
	ErrInvalidMagic   = errors.New("journal: invalid magic number")
	ErrInvalidVersion = errors.New("journal: unsupported version")
	ErrCorruptedEntry = errors.New("journal: corrupted entry (CRC mismatch)")
	ErrBrokenChain    = errors.New("journal: broken hash chain")
	ErrSequenceGap    = errors.New("journal: sequence gap")
	ErrClosed         = errors.New("journal: closed")
	ErrLocked         = errors.New("journal: held by another writer")
)

// Header is the fixed file header.
type Header struct {
	Version   uint32
	SessionID string
	CreatedAt time.Time
}

// Entry is one journal record.
type Entry struct {
	Length    uint32
	Sequence  uint64
	Timestamp int64
	Type      EntryType
	Payload   []byte
	PrevHash  [32]byte
	CRC32     uint32
}

// fixed part of an entry: length, sequence, timestamp, type, payload length,
// prev hash, crc.
const entryOverhead = 4 + 8 + 8 + 1 + 4 + 32 + 4

// Time returns the entry timestamp.
func (e *Entry) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// Hash is the chain link the next entry stores as PrevHash.
func (e *Entry) Hash() [32]byte {
	h := sha256.New()
	writeFields(h, e)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (e *Entry) checksum() uint32 {
	c := crc32.NewIEEE()
	writeFields(c, e)
	return c.Sum32()
}

func writeFields(w io.Writer, e *Entry) {
	var buf [17]byte
	binary.BigEndian.PutUint64(buf[0:8], e.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Timestamp))
	buf[16] = byte(e.Type)
	w.Write(buf[:])
	w.Write(e.Payload)
	w.Write(e.PrevHash[:])
}

func (e *Entry) marshal() []byte {
	buf := make([]byte, entryOverhead+len(e.Payload))
	off := 0

	binary.BigEndian.PutUint32(buf[off:], uint32(len(buf)))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], e.Sequence)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(e.Timestamp))
	off += 8
	buf[off] = byte(e.Type)
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Payload)))
	off += 4
	off += copy(buf[off:], e.Payload)
	off += copy(buf[off:], e.PrevHash[:])
	binary.BigEndian.PutUint32(buf[off:], e.CRC32)
	return buf
}

func unmarshalEntry(data []byte) (*Entry, error) {
	if len(data) < entryOverhead {
		return nil, errors.New("journal: entry too short")
	}
	e := &Entry{}
	off := 0

	e.Length = binary.BigEndian.Uint32(data[off:])
	off += 4
	e.Sequence = binary.BigEndian.Uint64(data[off:])
	off += 8
	e.Timestamp = int64(binary.BigEndian.Uint64(data[off:]))
	off += 8
	e.Type = EntryType(data[off])
	off++
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if len(data) != entryOverhead+n {
		return nil, errors.New("journal: entry truncated")
	}
	e.Payload = append([]byte(nil), data[off:off+n]...)
	off += n
	off += copy(e.PrevHash[:], data[off:off+32])
	e.CRC32 = binary.BigEndian.Uint32(data[off:])
	return e, nil
}

func marshalHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	copy(buf[8:40], h.SessionID)
	binary.BigEndian.PutUint64(buf[40:48], uint64(h.CreatedAt.UnixNano()))
	return buf
}

func unmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize || string(buf[0:4]) != Magic {
		return Header{}, ErrInvalidMagic
	}
	h := Header{Version: binary.BigEndian.Uint32(buf[4:8])}
	if h.Version != Version {
		return h, fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, h.Version, Version)
	}
	id := buf[8:40]
	for i, b := range id {
		if b == 0 {
			id = id[:i]
			break
		}
	}
	h.SessionID = string(id)
	h.CreatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(buf[40:48])))
	return h, nil
}

// Journal is an open journal file.
type Journal struct {
	mu sync.Mutex

	path   string
	file   *os.File
	header Header

	nextSequence uint64
	lastHash     [32]byte
	entryCount   uint64
	byteCount    int64
	closed       bool

	now     func() time.Time
	log     *logging.Logger
	metrics *metrics.TunerMetrics
}

// Option configures Open.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(j *Journal) { j.log = l }
}

// WithMetrics counts appends.
func WithMetrics(m *metrics.TunerMetrics) Option {
	return func(j *Journal) { j.metrics = m }
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// PathFor is the journal file for a session inside dir.
func PathFor(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+Extension)
}

// Open opens or creates the journal at path and takes the writer lock.
// Session ids longer than 32 bytes are truncated in the header.
func Open(path, sessionID string, opts ...Option) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrLocked, path, err)
	}

	j := &Journal{path: path, file: file, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	if j.log == nil {
		j.log = logging.Default().WithComponent("journal")
	}

	fail := func(err error) (*Journal, error) {
		unlockFile(file)
		file.Close()
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		return fail(fmt.Errorf("journal: stat: %w", err))
	}

	if stat.Size() == 0 {
		j.header = Header{Version: Version, SessionID: sessionID, CreatedAt: j.now()}
		if len(j.header.SessionID) > 32 {
			j.header.SessionID = j.header.SessionID[:32]
		}
		if _, err := file.WriteAt(marshalHeader(j.header), 0); err != nil {
			return fail(fmt.Errorf("journal: write header: %w", err))
		}
		if err := file.Sync(); err != nil {
			return fail(fmt.Errorf("journal: sync header: %w", err))
		}
		j.byteCount = HeaderSize
	} else {
		buf := make([]byte, HeaderSize)
		if _, err := file.ReadAt(buf, 0); err != nil {
			return fail(fmt.Errorf("journal: read header: %w", err))
		}
		if j.header, err = unmarshalHeader(buf); err != nil {
			return fail(err)
		}
		if err := j.recover(stat.Size()); err != nil {
			return fail(err)
		}
	}

	if _, err := file.Seek(j.byteCount, io.SeekStart); err != nil {
		return fail(fmt.Errorf("journal: seek: %w", err))
	}
	return j, nil
}

// recover walks the existing entries and cuts off a torn tail.
func (j *Journal) recover(size int64) error {
	sc := newScanner(j.file)
	for sc.next() {
		e := sc.entry
		j.nextSequence = e.Sequence + 1
		j.lastHash = e.Hash()
		j.entryCount++
	}
	j.byteCount = sc.offset

	if sc.err != nil {
		j.log.Warn("truncating damaged journal tail",
			"path", j.path, "offset", sc.offset, "dropped_bytes", size-sc.offset, "error", sc.err)
	}
	if sc.offset < size {
		if err := j.file.Truncate(sc.offset); err != nil {
			return fmt.Errorf("journal: truncate tail: %w", err)
		}
	}
	return nil
}

// Append writes one entry and syncs it to disk.
func (j *Journal) Append(t EntryType, payload []byte) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Entry{}, ErrClosed
	}

	e := Entry{
		Sequence:  j.nextSequence,
		Timestamp: j.now().UnixNano(),
		Type:      t,
		Payload:   payload,
		PrevHash:  j.lastHash,
	}
	e.CRC32 = e.checksum()
	data := e.marshal()
	e.Length = uint32(len(data))

	if _, err := j.file.Write(data); err != nil {
		return Entry{}, fmt.Errorf("journal: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("journal: sync entry: %w", err)
	}

	j.lastHash = e.Hash()
	j.nextSequence++
	j.entryCount++
	j.byteCount += int64(len(data))
	j.metrics.RecordJournalAppend()
	return e, nil
}

// ReadAll returns every entry, verifying CRCs and the chain.
func (j *Journal) ReadAll() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrClosed
	}
	return readEntries(j.file)
}

func readEntries(r io.ReaderAt) ([]Entry, error) {
	sc := newScanner(r)
	var out []Entry
	for sc.next() {
		out = append(out, *sc.entry)
	}
	return out, sc.err
}

// Header returns the file header.
func (j *Journal) Header() Header {
	return j.header
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Size returns the file size in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.byteCount
}

// EntryCount returns the number of entries.
func (j *Journal) EntryCount() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.entryCount
}

// Close releases the writer lock and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	unlockFile(j.file)
	return j.file.Close()
}

// scanner iterates entries from the end of the header, stopping at the
// first entry that fails to parse or verify.
type scanner struct {
	r        io.ReaderAt
	offset   int64
	prevHash [32]byte
	wantSeq  uint64
	first    bool
	entry    *Entry
	err      error
}

func newScanner(r io.ReaderAt) *scanner {
	return &scanner{r: r, offset: HeaderSize, first: true}
}

func (s *scanner) next() bool {
	if s.err != nil {
		return false
	}

	var lenBuf [4]byte
	if _, err := s.r.ReadAt(lenBuf[:], s.offset); err != nil {
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		return false
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < entryOverhead {
		s.err = fmt.Errorf("journal: bad entry length %d at offset %d", n, s.offset)
		return false
	}

	buf := make([]byte, n)
	if _, err := s.r.ReadAt(buf, s.offset); err != nil {
		s.err = fmt.Errorf("journal: short entry at offset %d: %w", s.offset, err)
		return false
	}
	e, err := unmarshalEntry(buf)
	if err != nil {
		s.err = fmt.Errorf("%w at offset %d", err, s.offset)
		return false
	}
	if e.CRC32 != e.checksum() {
		s.err = fmt.Errorf("entry %d: %w", e.Sequence, ErrCorruptedEntry)
		return false
	}
	if !s.first && e.Sequence != s.wantSeq {
		s.err = fmt.Errorf("entry %d after %d: %w", e.Sequence, s.wantSeq-1, ErrSequenceGap)
		return false
	}
	if e.PrevHash != s.prevHash {
		s.err = fmt.Errorf("entry %d: %w", e.Sequence, ErrBrokenChain)
		return false
	}

	s.first = false
	s.wantSeq = e.Sequence + 1
	s.prevHash = e.Hash()
	s.offset += int64(n)
	s.entry = e
	return true
}
