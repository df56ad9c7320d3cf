package tuning

import "time"

// Timer is a pending deferred call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d on another goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// WallScheduler schedules with time.AfterFunc.
var WallScheduler Scheduler = wallScheduler{}

// frameDue is an advance waiting for frame time to reach at. The engine
// checks it at the top of every frame.
type frameDue struct {
	at   time.Time
	next Cursor
	kind step
}

func (*frameDue) Stop() bool { return true }
