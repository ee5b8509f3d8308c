// Package tickclock implements the pure wall-time <-> logical-tick
// arithmetic used throughout the core.
package tickclock

// Tick is a non-negative logical ordering tick, or -1 before start.
type Tick = int64

// NotStarted is returned by TickAt when nowMs precedes t0Ms.
const NotStarted Tick = -1

// Clock translates wall-clock milliseconds to/from ordering ticks for
// one room. t0Ms is mutable only through Warp.
type Clock struct {
	t0Ms   int64
	tickMs int64
}

// New creates a Clock anchored at t0Ms with the given tick duration.
// tickMs must be positive; this type does not check it, and neither
// does ordering.New, which passes RoomConfig.TickMs through as given.
func New(t0Ms, tickMs int64) *Clock {
	return &Clock{t0Ms: t0Ms, tickMs: tickMs}
}

// T0Ms returns the clock's current epoch.
func (c *Clock) T0Ms() int64 { return c.t0Ms }

// TickMs returns the clock's fixed tick duration.
func (c *Clock) TickMs() int64 { return c.tickMs }

// TickAt returns floor((nowMs - t0Ms) / tickMs), or NotStarted if
// nowMs precedes t0Ms.
func (c *Clock) TickAt(nowMs int64) Tick {
	if nowMs < c.t0Ms {
		return NotStarted
	}
	return floorDiv(nowMs-c.t0Ms, c.tickMs)
}

// DeadlineOf returns the wall-clock millisecond at which tick closes:
// t0Ms + (tick+1)*tickMs.
func (c *Clock) DeadlineOf(tick Tick) int64 {
	return c.t0Ms + (tick+1)*c.tickMs
}

// StartOf returns the wall-clock millisecond at which tick opens:
// t0Ms + tick*tickMs.
func (c *Clock) StartOf(tick Tick) int64 {
	return c.t0Ms + tick*c.tickMs
}

// Warp sets t0Ms so that TickAt(nowMs) == remoteTick, the monotone
// forward jump a peer performs on an ahead SYNC_CLOCK. Callers must
// only invoke this when remoteTick is ahead of the local tick; Warp
// itself performs no ordering check.
func (c *Clock) Warp(nowMs int64, remoteTick Tick) {
	c.t0Ms = nowMs - remoteTick*c.tickMs
}

// floorDiv computes floor(a/b) for integers, including for negative a,
// unlike Go's truncating / operator.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
