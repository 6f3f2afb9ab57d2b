package game

import (
	"time"
)

// task is a one-shot step scheduled on the manager loop. The loop selects
// on the channel of the task it currently holds, so a cancelled or
// replaced task can never fire against a newer round.
type task struct {
	timer *time.Timer
	fn    func()
}

func newTask(d time.Duration, fn func()) *task {
	if d < 0 {
		d = 0
	}
	return &task{timer: time.NewTimer(d), fn: fn}
}

// c returns the fire channel, or nil for no task so select skips it.
func (t *task) c() <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.timer.C
}

func (t *task) cancel() {
	if t != nil {
		t.timer.Stop()
	}
}

// schedule replaces whatever task is in slot.
func schedule(slot **task, d time.Duration, fn func()) {
	(*slot).cancel()
	*slot = newTask(d, fn)
}

// fire clears slot and runs the task it held.
func fire(slot **task) {
	t := *slot
	*slot = nil
	if t != nil {
		t.fn()
	}
}

func cancelTask(slot **task) {
	(*slot).cancel()
	*slot = nil
}
