// Package runner drives rings with one OS-thread-pinned goroutine each.
package runner

import (
	"context"
	"errors"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/romshark/zcring"
	"github.com/romshark/zcring/ring"
)

const (
	// DefaultBatchSize is the number of frames taken per RecvBatch.
	DefaultBatchSize = 64
	// PollInterval bounds each Wait so cancellation is noticed.
	PollInterval = 10 * time.Millisecond
)

// Run receives on all rings concurrently and calls fn for every frame.
// Borrowed frames passed to fn are valid only during the call.
//
// Stops if ctx is canceled and returns context.Canceled.
// If fn returns an error, Run stops all workers and returns it.
func Run(
	ctx context.Context,
	rings []*ring.RxRing,
	fn func(ring int, f ring.Frame) error,
) error {
	if len(rings) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, rx := range rings {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			return receive(ctx, rx, func(f ring.Frame) error { return fn(i, f) }, nil)
		})
	}
	return g.Wait()
}

// receive runs the RecvBatch, Sync, Wait loop on rx.
// flush, if set, runs after every non-empty batch before its frames expire.
func receive(
	ctx context.Context, rx *ring.RxRing, fn func(ring.Frame) error, flush func() error,
) error {
	buf := make([]ring.Frame, DefaultBatchSize)
	for ctx.Err() == nil {
		n := rx.RecvBatch(buf)
		for _, f := range buf[:n] {
			if err := fn(f); err != nil {
				return err
			}
		}
		if n > 0 && flush != nil {
			if err := flush(); err != nil {
				return err
			}
		}
		if err := rx.Sync(); err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if err := rx.Wait(PollInterval); err != nil {
			return err
		}
		if err := rx.Sync(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Bridge forwards frames between a and b until ctx is canceled.
// RX ring i of one port feeds TX ring i of the other. Frames that find
// the destination full after one sync are dropped and show up in the
// destination ring's Stats().Full.
func Bridge(ctx context.Context, a, b *zcring.Port) error {
	g, ctx := errgroup.WithContext(ctx)
	pair := func(from, to *zcring.Port) {
		for i := range min(from.NumRxRings(), to.NumTxRings()) {
			rx, _ := from.RxRing(i)
			tx, _ := to.TxRing(i)
			g.Go(func() error {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
				return forward(ctx, rx, tx)
			})
		}
	}
	pair(a, b)
	pair(b, a)
	return g.Wait()
}

func forward(ctx context.Context, rx *ring.RxRing, tx *ring.TxRing) error {
	return receive(ctx, rx, func(f ring.Frame) error {
		err := tx.Send(f.Payload())
		if errors.Is(err, ring.ErrInsufficientSpace) {
			if err := tx.Sync(); err != nil {
				return err
			}
			err = tx.Send(f.Payload())
		}
		switch {
		case err == nil:
		case errors.Is(err, ring.ErrInsufficientSpace), errors.Is(err, ring.ErrPacketTooLarge):
			// Drop.
		default:
			return err
		}
		return nil
	}, tx.Sync)
}
