package scriptlog

import "time"

// SetClock replaces the recorder's monotonic clock so tests control the
// measured delays between operations.
func SetClock(r *Recorder, now func() time.Time) {
	r.now = now
}

// SetExit replaces the process exit hook used by fatal errors, returning
// a function that restores the previous hook.
func SetExit(fn func(int)) (restore func()) {
	prev := osExit
	osExit = fn
	return func() { osExit = prev }
}
