// Package system is the wall-clock feedback.Clock used outside tests.
package system

import "time"

// Clock reads the system time.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now reports the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
