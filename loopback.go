package spihd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/spihd/hal"
	"github.com/slackhq/spihd/slave"
	"golang.org/x/sync/errgroup"
)

// loopback keeps a receive buffer loaded on a segment mode slot and offers
// every received segment back to the master.
type loopback struct {
	l    *logrus.Logger
	slot *slave.Slot
	size int
}

func (lb *loopback) run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	segs := make(chan []byte, 1)

	eg.Go(func() error {
		defer close(segs)
		for {
			t := &slave.Trans{Data: make([]byte, lb.size)}
			if err := lb.slot.QueueTrans(ctx, hal.ChanRX, t); err != nil {
				return lb.stopped(ctx, err)
			}
			t, err := lb.slot.GetTransRes(ctx, hal.ChanRX)
			if err != nil {
				return lb.stopped(ctx, err)
			}
			if t.Overflow {
				lb.l.WithField("length", t.TransLen).Warn("Master wrote past the end of the receive buffer")
			}
			if t.TransLen == 0 {
				continue
			}
			select {
			case segs <- t.Data[:t.TransLen]:
			case <-ctx.Done():
				return nil
			}
		}
	})

	eg.Go(func() error {
		for b := range segs {
			if err := lb.slot.QueueTrans(ctx, hal.ChanTX, &slave.Trans{Data: b}); err != nil {
				return lb.stopped(ctx, err)
			}
			t, err := lb.slot.GetTransRes(ctx, hal.ChanTX)
			if err != nil {
				return lb.stopped(ctx, err)
			}
			if lb.l.Level >= logrus.DebugLevel {
				lb.l.WithFields(logrus.Fields{"length": len(b), "read": t.TransLen}).Debug("Looped back segment")
			}
		}
		return nil
	})

	return eg.Wait()
}

// stopped drops err when ctx ended the loop.
func (lb *loopback) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
