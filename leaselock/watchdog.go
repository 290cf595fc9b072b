package leaselock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/companyinfo/distlock"
)

const minRenewInterval = time.Millisecond

// watchdog periodically extends one lease. Its lifetime is bound to the
// handle: it ends at release or at the first renewal that finds a foreign or
// missing token. A release that fails on connectivity starts it again.
type watchdog struct {
	cancel   context.CancelFunc
	done     chan struct{}
	renewals atomic.Int64
}

func (l *Locker) startWatchdog(h *Handle) *watchdog {
	w := &watchdog{}
	w.start(l, h)

	return w
}

// start runs a new renewal task. The previous one, if any, must be stopped.
func (w *watchdog) start(l *Locker, h *Handle) {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx, l, h, w.done)
}

func (w *watchdog) run(ctx context.Context, l *Locker, h *Handle, done chan<- struct{}) {
	defer close(done)

	interval := h.ttl / 3
	if interval < minRenewInterval {
		interval = minRenewInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		renewed, err := l.renew(ctx, h)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			// Transient; the lease may still be ours, try again next tick.
		case !renewed:
			if h.lost.Fire() {
				distlock.RecordLost(context.Background(), l.store.Backend(), h.key, "renewal found a foreign token")
			}

			return
		default:
			w.renewals.Add(1)
		}

		timer.Reset(interval)
	}
}

// stop cancels the task and waits for an in-flight renewal to finish.
func (w *watchdog) stop() {
	w.cancel()
	<-w.done
}
