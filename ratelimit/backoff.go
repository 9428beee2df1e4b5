package ratelimit

import (
	"runtime"
	"time"
)

const (
	spinRounds  = 16
	yieldRounds = 64
	// MaxSleep caps the sleep between retries.
	MaxSleep = time.Millisecond
)

// Backoff spaces out retries of a loop that is waiting on a peer:
// it spins first, then yields the processor, then sleeps with doubling
// intervals up to MaxSleep. The zero value is ready to use.
//
// Typical use is retrying a send that failed with ErrInsufficientSpace
// or polling an empty RX ring. Call Reset after progress.
type Backoff struct {
	rounds int
	sleep  time.Duration
}

// Wait blocks for the current step and advances to the next.
func (b *Backoff) Wait() {
	b.rounds++
	switch {
	case b.rounds <= spinRounds:
		return
	case b.rounds <= spinRounds+yieldRounds:
		runtime.Gosched()
		return
	}
	if b.sleep == 0 {
		b.sleep = time.Microsecond
	} else {
		b.sleep = min(2*b.sleep, MaxSleep)
	}
	time.Sleep(b.sleep)
}

// Sleeping reports whether Wait has reached the sleep phase.
func (b *Backoff) Sleeping() bool { return b.sleep > 0 }

// Reset returns to spinning.
func (b *Backoff) Reset() { *b = Backoff{} }
