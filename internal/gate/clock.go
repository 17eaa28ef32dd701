package gate

import "time"

// Clock supplies monotonic time to the pipeline. Production code uses
// SystemClock; tests substitute a VirtualClock so dwell and escalation
// windows replay deterministically.
type Clock interface {
	Now() time.Duration
}

// SystemClock reads the process monotonic clock, origin at construction.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a SystemClock anchored at the current instant.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() time.Duration {
	return time.Since(c.start)
}

// VirtualClock is a manually advanced clock for tests and replay.
type VirtualClock struct {
	now time.Duration
}

// NewVirtualClock returns a VirtualClock starting at zero.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{}
}

func (c *VirtualClock) Now() time.Duration {
	return c.now
}

// Advance moves the clock forward by d. Negative advances are ignored so
// the clock stays monotonic.
func (c *VirtualClock) Advance(d time.Duration) {
	if d > 0 {
		c.now += d
	}
}

// Set jumps the clock to t if t is ahead of the current reading.
func (c *VirtualClock) Set(t time.Duration) {
	if t > c.now {
		c.now = t
	}
}
