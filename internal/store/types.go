package store

import "time"

// Session is one row of the session log.
type Session struct {
	ID        string    `json:"id"`
	Kit       string    `json:"kit"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Locks     int       `json:"locks"`
}

// Active reports whether the session has not been ended.
func (s Session) Active() bool {
	return s.EndedAt.IsZero()
}

// Duration is how long the session ran, or has run so far.
func (s Session) Duration(now time.Time) time.Duration {
	if s.Active() {
		return now.Sub(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}
