package clock

import (
	"sync"
	"time"
)

// DefaultOffsetHours is the UTC offset used when none is configured (MSK).
const DefaultOffsetHours = 3

// Zone returns a fixed-offset location for the given number of hours east of UTC.
func Zone(offsetHours int) *time.Location {
	if offsetHours == 0 {
		return time.UTC
	}
	name := "UTC"
	if offsetHours == DefaultOffsetHours {
		name = "MSK"
	}
	return time.FixedZone(name, offsetHours*3600)
}

// Clock is the single wall-clock source for message ordering.
// Successive calls to Now never return the same or an earlier instant.
type Clock struct {
	loc  *time.Location
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func New(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc, now: time.Now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().Round(0).Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t.In(c.loc)
}

// In converts a stored instant into the clock's location.
func (c *Clock) In(t time.Time) time.Time {
	return t.In(c.loc)
}

func (c *Clock) Location() *time.Location {
	return c.loc
}
