package tuning

import (
	"fmt"

	"overtone/internal/kit"
)

// step is the kind of cursor move an advance makes.
type step int

const (
	stepNone step = iota
	stepPoint
	stepHead
	stepDrum
)

func (s step) String() string {
	switch s {
	case stepPoint:
		return "point"
	case stepHead:
		return "head"
	case stepDrum:
		return "drum"
	}
	return "none"
}

// headLookup returns the state of one head of one drum.
type headLookup func(drumID string, h kit.Head) (*HeadState, bool)

// planAdvance decides where the cursor goes after the point under cur has
// locked:
//
//   - head incomplete: the next point, strictly forward and never wrapping
//   - batter complete: the reso head, point 0
//   - reso complete, batter not: the first unlocked batter point
//   - both complete: the next drum in kit order (wrapping), batter, point 0
func planAdvance(k *kit.Kit, heads headLookup, cur Cursor) (Cursor, step, error) {
	idx := k.Index(cur.DrumID)
	if idx < 0 {
		return cur, stepNone, fmt.Errorf("%w: drum %q", ErrInvalidCursor, cur.DrumID)
	}
	drum := k.Drums[idx]
	if !cur.Head.Valid() || cur.Point < 0 || cur.Point >= drum.LugCount {
		return cur, stepNone, fmt.Errorf("%w: %s", ErrInvalidCursor, cur)
	}

	head, ok := heads(cur.DrumID, cur.Head)
	if !ok {
		return cur, stepNone, fmt.Errorf("%w: no state for %s %s", ErrInvalidCursor, cur.DrumID, cur.Head)
	}

	if !head.Complete() {
		if cur.Point+1 >= drum.LugCount {
			return cur, stepNone, nil
		}
		next := cur
		next.Point++
		return next, stepPoint, nil
	}

	if cur.Head == kit.Batter {
		return Cursor{DrumID: drum.ID, Head: kit.Reso, Point: 0}, stepHead, nil
	}

	batter, ok := heads(cur.DrumID, kit.Batter)
	if !ok {
		return cur, stepNone, fmt.Errorf("%w: no state for %s batter", ErrInvalidCursor, cur.DrumID)
	}
	if p, open := batter.FirstUnlocked(); open {
		return Cursor{DrumID: drum.ID, Head: kit.Batter, Point: p}, stepHead, nil
	}

	next := k.Drums[(idx+1)%len(k.Drums)]
	return Cursor{DrumID: next.ID, Head: kit.Batter, Point: 0}, stepDrum, nil
}

// checkCursor verifies that c addresses an existing point.
func checkCursor(k *kit.Kit, c Cursor) error {
	d, ok := k.Drum(c.DrumID)
	if !ok {
		return fmt.Errorf("%w: drum %q", ErrInvalidCursor, c.DrumID)
	}
	if !c.Head.Valid() {
		return fmt.Errorf("%w: head %q", ErrInvalidCursor, c.Head)
	}
	if c.Point < 0 || c.Point >= d.LugCount {
		return fmt.Errorf("%w: point %d of %d on %s", ErrInvalidCursor, c.Point, d.LugCount, d.ID)
	}
	return nil
}
