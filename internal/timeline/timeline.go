// Package timeline provides the single monotonic time source shared by
// every recording and playback pass of a session. All captured data is
// expressed as offsets from one Clock so MIDI events, audio files and
// stem metadata live in the same coordinate system.
package timeline

import (
	"fmt"
	"time"
)

// Point is a monotonic offset since session start. Points taken from
// the same Clock are directly comparable; offsets within a single
// recorded stream are non-decreasing.
type Point time.Duration

// Duration returns the point as a time.Duration offset.
func (p Point) Duration() time.Duration {
	return time.Duration(p)
}

// Seconds returns the offset in seconds, the unit used for persisted
// session metadata.
func (p Point) Seconds() float64 {
	return time.Duration(p).Seconds()
}

// Sub returns the duration between two points of the same clock.
func (p Point) Sub(o Point) time.Duration {
	return time.Duration(p - o)
}

// Add shifts a point by a duration.
func (p Point) Add(d time.Duration) Point {
	return p + Point(d)
}

func (p Point) String() string {
	return fmt.Sprintf("%.3fs", p.Seconds())
}

// FromSeconds converts a persisted seconds offset back into a Point.
func FromSeconds(s float64) Point {
	return Point(time.Duration(s * float64(time.Second)))
}

// Clock anchors a session's timeline. The zero offset is the moment the
// clock was created; Now is safe for concurrent use.
type Clock struct {
	start time.Time
}

// NewClock starts a session clock at the current instant.
func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

// Now returns the current offset since the clock started. time.Since
// reads the runtime monotonic clock, so wall-clock adjustments cannot
// move points backwards.
func (c *Clock) Now() Point {
	return Point(time.Since(c.start))
}

// Origin returns the wall-clock instant of the zero point, for session
// metadata timestamps.
func (c *Clock) Origin() time.Time {
	return c.start
}
