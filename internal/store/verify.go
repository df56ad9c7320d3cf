package store

import (
	"encoding/json"
	"fmt"

	"overtone/internal/kit"
	"overtone/internal/tuning"
)

// HeadProblem is a stored head whose summary columns disagree with its
// point list.
type HeadProblem struct {
	DrumID string
	Head   kit.Head
	Reason string
}

func (p HeadProblem) String() string {
	return fmt.Sprintf("%s %s: %s", p.DrumID, p.Head, p.Reason)
}

// VerifyHeads re-derives the locked and total counts of every saved head of
// a kit from its points and reports mismatches.
func (s *Store) VerifyHeads(kitName string) ([]HeadProblem, error) {
	rows, err := s.db.Query(`
		SELECT drum_id, head, points, locked, total
		FROM head_states WHERE kit = ? ORDER BY drum_id, head`, kitName)
	if err != nil {
		return nil, fmt.Errorf("query heads: %w", err)
	}
	defer rows.Close()

	var problems []HeadProblem
	for rows.Next() {
		var (
			drumID, head  string
			raw           []byte
			locked, total int
		)
		if err := rows.Scan(&drumID, &head, &raw, &locked, &total); err != nil {
			return nil, fmt.Errorf("scan head: %w", err)
		}
		report := func(format string, args ...any) {
			problems = append(problems, HeadProblem{DrumID: drumID, Head: kit.Head(head), Reason: fmt.Sprintf(format, args...)})
		}

		var st tuning.HeadState
		if err := json.Unmarshal(raw, &st.Points); err != nil {
			report("points unreadable: %v", err)
			continue
		}
		if n := len(st.Points); n != total {
			report("total %d but %d points", total, n)
		}
		if n := st.LockedCount(); n != locked {
			report("locked %d but %d points locked", locked, n)
		}
		for i, p := range st.Points {
			if p.Index != i {
				report("point %d stored at position %d", p.Index, i)
				break
			}
		}
	}
	return problems, rows.Err()
}
