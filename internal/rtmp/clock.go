package rtmp

// Clock extends 32-bit RTMP timestamps to 64 bits.
//
// Timestamps are taken to move by less than 2^31 ms between two messages, so
// a large backwards step is read as a wraparound. Small backwards steps are
// passed through without moving the clock. A step that would take the clock
// below zero is read as a forward jump instead.
type Clock struct {
	started bool
	last    uint32
	ext     int64
}

// Extend returns ts as a monotonic-ish 64-bit millisecond count.
func (c *Clock) Extend(ts uint32) int64 {
	if !c.started {
		c.started = true
		c.last = ts
		c.ext = int64(ts)
		return c.ext
	}

	ext := c.ext + int64(int32(ts-c.last))
	if ext < 0 {
		ext = c.ext + int64(ts-c.last)
	}
	if ext >= c.ext {
		c.last = ts
		c.ext = ext
	}
	return ext
}
