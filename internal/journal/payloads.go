package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"overtone/internal/tuning"
)

// SessionStart opens a session in the journal.
type SessionStart struct {
	SessionID string    `json:"session_id"`
	Kit       string    `json:"kit"`
	Drums     int       `json:"drums"`
	StartedAt time.Time `json:"started_at"`
}

// SessionEnd closes a session.
type SessionEnd struct {
	SessionID string    `json:"session_id"`
	Locks     int       `json:"locks"`
	EndedAt   time.Time `json:"ended_at"`
}

// Record appends a lock event. It makes a Journal a tuning.LockRecorder.
func (j *Journal) Record(ev tuning.LockEvent) error {
	_, err := j.appendJSON(EntryLock, ev)
	return err
}

// StartSession appends a session start marker.
func (j *Journal) StartSession(s SessionStart) error {
	_, err := j.appendJSON(EntrySessionStart, s)
	return err
}

// EndSession appends a session end marker.
func (j *Journal) EndSession(s SessionEnd) error {
	_, err := j.appendJSON(EntrySessionEnd, s)
	return err
}

func (j *Journal) appendJSON(t EntryType, v any) (Entry, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: encode %s: %w", t, err)
	}
	return j.Append(t, payload)
}

// DecodeLock decodes a lock entry payload.
func DecodeLock(e Entry) (tuning.LockEvent, error) {
	var ev tuning.LockEvent
	if e.Type != EntryLock {
		return ev, fmt.Errorf("journal: entry %d is %s, not lock", e.Sequence, e.Type)
	}
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return ev, fmt.Errorf("journal: decode entry %d: %w", e.Sequence, err)
	}
	return ev, nil
}

// Locks returns every lock event in entries, in order.
func Locks(entries []Entry) ([]tuning.LockEvent, error) {
	var out []tuning.LockEvent
	for _, e := range entries {
		if e.Type != EntryLock {
			continue
		}
		ev, err := DecodeLock(e)
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}
