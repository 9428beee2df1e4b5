package ring

import "sync/atomic"

// lease tracks the validity of borrowed frames handed out by an RxRing.
// Every release to the peer and Close bump the generation.
type lease struct{ gen atomic.Uint64 }

func (l *lease) expire() { l.gen.Add(1) }

// Frame is a read-only view of one received packet.
//
// A borrowed frame points directly into ring memory and stays valid only
// until the next Sync or Close of the RxRing that produced it. After that
// Payload returns nil and Len returns 0. Use Detach to keep the data longer.
// An owned frame holds a private copy and never expires.
type Frame struct {
	data  []byte
	lease *lease
	gen   uint64
}

// OwnedFrame returns an owned frame over p.
func OwnedFrame(p []byte) Frame { return Frame{data: p} }

func borrowedFrame(p []byte, l *lease) Frame {
	return Frame{data: p, lease: l, gen: l.gen.Load()}
}

// Valid reports whether the frame's memory may still be read.
func (f Frame) Valid() bool {
	return f.lease == nil || f.lease.gen.Load() == f.gen
}

// Borrowed reports whether the frame points into ring memory.
func (f Frame) Borrowed() bool { return f.lease != nil }

// Payload returns the packet bytes. The caller must not modify them.
func (f Frame) Payload() []byte {
	if !f.Valid() {
		return nil
	}
	return f.data
}

func (f Frame) Len() int { return len(f.Payload()) }

func (f Frame) IsEmpty() bool { return f.Len() == 0 }

// Detach returns an owned copy of f. Owned frames are returned as is.
// Detaching an expired frame yields an empty frame.
func (f Frame) Detach() Frame {
	if f.lease == nil {
		return f
	}
	p := f.Payload()
	if p == nil {
		return Frame{}
	}
	return Frame{data: append([]byte(nil), p...)}
}
