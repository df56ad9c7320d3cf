// Package store persists tuning progress in SQLite: the latest state of each
// head, the most recent lock events and a session log.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"overtone/internal/kit"
	"overtone/internal/tuning"
)

// RecentLockLimit is how many lock events are kept per kit.
const RecentLockLimit = 20

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the SQLite progress store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

const upsertHead = `
	INSERT INTO head_states (kit, drum_id, head, points, average_hz, spread_cents, locked, total, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (kit, drum_id, head) DO UPDATE SET
		points = excluded.points,
		average_hz = excluded.average_hz,
		spread_cents = excluded.spread_cents,
		locked = excluded.locked,
		total = excluded.total,
		updated_at = excluded.updated_at
	WHERE excluded.updated_at >= head_states.updated_at`

// SaveHeads upserts head snapshots in one transaction. An older snapshot
// never overwrites a newer one.
func (s *Store) SaveHeads(kitName string, snaps []tuning.HeadSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsertHead)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snaps {
		points, err := json.Marshal(snap.State.Points)
		if err != nil {
			return fmt.Errorf("encode points for %s %s: %w", snap.DrumID, snap.Head, err)
		}
		if _, err := stmt.Exec(
			kitName, snap.DrumID, string(snap.Head), points,
			snap.State.AverageLockedHz, snap.State.LockedSpreadCents,
			snap.State.LockedCount(), len(snap.State.Points),
			snap.UpdatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("upsert head %s %s: %w", snap.DrumID, snap.Head, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadHeads returns every saved head of a kit.
func (s *Store) LoadHeads(kitName string) ([]tuning.HeadSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT drum_id, head, points, average_hz, spread_cents, updated_at
		FROM head_states WHERE kit = ? ORDER BY drum_id, head`, kitName)
	if err != nil {
		return nil, fmt.Errorf("query heads: %w", err)
	}
	defer rows.Close()

	var out []tuning.HeadSnapshot
	for rows.Next() {
		var (
			snap    tuning.HeadSnapshot
			head    string
			points  []byte
			updated int64
		)
		if err := rows.Scan(&snap.DrumID, &head, &points,
			&snap.State.AverageLockedHz, &snap.State.LockedSpreadCents, &updated); err != nil {
			return nil, fmt.Errorf("scan head: %w", err)
		}
		if err := json.Unmarshal(points, &snap.State.Points); err != nil {
			return nil, fmt.Errorf("decode points for %s %s: %w", snap.DrumID, head, err)
		}
		snap.Head = kit.Head(head)
		snap.UpdatedAt = time.Unix(0, updated)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteHead forgets one head.
func (s *Store) DeleteHead(kitName, drumID string, h kit.Head) error {
	res, err := s.db.Exec(`DELETE FROM head_states WHERE kit = ? AND drum_id = ? AND head = ?`,
		kitName, drumID, string(h))
	if err != nil {
		return fmt.Errorf("delete head: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, drumID, h)
	}
	return nil
}

// AppendLocks records lock events and trims the kit's history to the most
// recent RecentLockLimit.
func (s *Store) AppendLocks(kitName string, events []tuning.LockEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO recent_locks (kit, session_id, drum_id, head, point, hz, target_hz, cents, timestamp_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.Exec(kitName, ev.SessionID, ev.DrumID, string(ev.Head), ev.Point,
			ev.Hz, ev.TargetHz, ev.CentsOffset, ev.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("insert lock: %w", err)
		}
		if ev.SessionID != "" {
			if _, err := tx.Exec(`UPDATE sessions SET locks = locks + 1 WHERE id = ?`, ev.SessionID); err != nil {
				return fmt.Errorf("count lock: %w", err)
			}
		}
	}

	if _, err := tx.Exec(`
		DELETE FROM recent_locks WHERE kit = ? AND id NOT IN (
			SELECT id FROM recent_locks WHERE kit = ?
			ORDER BY timestamp_ns DESC, id DESC LIMIT ?)`,
		kitName, kitName, RecentLockLimit); err != nil {
		return fmt.Errorf("trim locks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RecentLocks returns up to n lock events, newest first.
func (s *Store) RecentLocks(kitName string, n int) ([]tuning.LockEvent, error) {
	if n <= 0 || n > RecentLockLimit {
		n = RecentLockLimit
	}
	rows, err := s.db.Query(`
		SELECT session_id, drum_id, head, point, hz, target_hz, cents, timestamp_ns
		FROM recent_locks WHERE kit = ?
		ORDER BY timestamp_ns DESC, id DESC LIMIT ?`, kitName, n)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var out []tuning.LockEvent
	for rows.Next() {
		var (
			ev   tuning.LockEvent
			head string
			ts   int64
		)
		if err := rows.Scan(&ev.SessionID, &ev.DrumID, &head, &ev.Point,
			&ev.Hz, &ev.TargetHz, &ev.CentsOffset, &ts); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		ev.Head = kit.Head(head)
		ev.Timestamp = time.Unix(0, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// StartSession records the start of a tuning session.
func (s *Store) StartSession(id, kitName string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO sessions (id, kit, started_at, locks) VALUES (?, ?, ?, 0)`,
		id, kitName, at.UnixNano())
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// EndSession marks a session finished.
func (s *Store) EndSession(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}

// Sessions lists the newest sessions first.
func (s *Store) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, kit, started_at, ended_at, locks
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &sess.Kit, &started, &ended, &sess.Locks); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt = time.Unix(0, started)
		if ended.Valid {
			sess.EndedAt = time.Unix(0, ended.Int64)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
