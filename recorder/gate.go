package recorder

import "time"

// StartupGate discards audio for a fixed delay after capture starts, which
// hides the click many devices emit when they are opened. Once open it stays
// open for the rest of the session.
type StartupGate struct {
	start  time.Time
	delay  time.Duration
	opened bool
}

func NewStartupGate(start time.Time, delay time.Duration) *StartupGate {
	return &StartupGate{start: start, delay: delay, opened: delay <= 0}
}

// IsOpen reports whether audio arriving at now should be kept.
func (g *StartupGate) IsOpen(now time.Time) bool {
	if g.opened {
		return true
	}
	if now.Sub(g.start) >= g.delay {
		g.opened = true
	}
	return g.opened
}
