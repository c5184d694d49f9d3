// Package system supplies the wall clock the binaries run on. Tests swap in
// fixed clocks through the job.Clock port instead.
package system

import "time"

// Clock reads the real time, normalized to UTC so stored timestamps compare
// cleanly regardless of host timezone.
type Clock struct{}

// New returns a ready Clock.
func New() *Clock {
	return &Clock{}
}

// Now reports the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
