// Package ratelimit paces packet loops.
//
// Throttle caps a sender at a packets-per-second rate, Backoff spaces out
// retries of a loop that made no progress.
package ratelimit

import "time"

// Throttle limits to pps packets per second on average.
// A nil *Throttle never blocks. Not safe for concurrent use.
type Throttle struct {
	interval   time.Duration
	start      time.Time
	sent       uint64
	checkEvery uint64
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled and nil is returned.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	return &Throttle{
		interval: time.Second / time.Duration(pps),
		start:    time.Now(),
		// Look at the clock roughly every 10ms worth of packets,
		// at least every 32 and at most every 1024 packets.
		checkEvery: min(max(pps/100, 32), 1024),
	}
}

// ThrottleN accounts n packets and blocks while ahead of schedule.
func (l *Throttle) ThrottleN(n uint64) {
	if l == nil || n == 0 {
		return
	}
	before := l.sent / l.checkEvery
	l.sent += n
	if l.sent/l.checkEvery == before {
		return
	}
	due := l.start.Add(time.Duration(l.sent) * l.interval)
	if d := time.Until(due); d > 0 {
		time.Sleep(d)
	}
}

// Sent returns the number of packets accounted so far.
func (l *Throttle) Sent() uint64 {
	if l == nil {
		return 0
	}
	return l.sent
}
