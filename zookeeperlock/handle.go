package zookeeperlock

import (
	"context"
	"errors"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/companyinfo/distlock"
)

const watchRetryDelay = 100 * time.Millisecond

// Handle is the ownership proof of one lock node. A reentrant owner gets the
// same Handle back from every nested Lock and releases it as many times.
type Handle struct {
	key   string
	path  string
	owner string
	lost  *distlock.Signal

	// guarded by ZooKeeperLock.mu
	count int

	stop chan struct{}
	done chan struct{}
}

var _ distlock.Handle = (*Handle)(nil)

// Key returns the lock key.
func (h *Handle) Key() string { return h.key }

// Token returns the full path of the lock node.
func (h *Handle) Token() string { return h.path }

// Path returns the full path of the lock node.
func (h *Handle) Path() string { return h.path }

// Owner returns the reentrancy owner, empty when the hold is not reentrant.
func (h *Handle) Owner() string { return h.owner }

// Lost is closed if the lock node disappears while held, which happens when
// the ZooKeeper session expires.
func (h *Handle) Lost() <-chan struct{} { return h.lost.Done() }

// watch observes the handle's own node until stopWatch.
func (z *ZooKeeperLock) watch(h *Handle) {
	h.stop = make(chan struct{})
	h.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)

		for {
			exists, _, events, err := z.conn.ExistsW(h.path)
			if err != nil {
				if isFatal(err) {
					z.markLost(h, err.Error())
					return
				}

				select {
				case <-stop:
					return
				case <-time.After(watchRetryDelay):
					continue
				}
			}

			if !exists {
				z.markLost(h, "lock node vanished")
				return
			}

			select {
			case <-stop:
				return
			case ev := <-events:
				if ev.Type == zk.EventNodeDeleted {
					z.markLost(h, "lock node deleted")
					return
				}

				if ev.Err != nil && isFatal(ev.Err) {
					z.markLost(h, ev.Err.Error())
					return
				}
			}
		}
	}(h.stop, h.done)
}

func (h *Handle) stopWatch() {
	if h.stop == nil {
		return
	}

	close(h.stop)
	<-h.done
	h.stop = nil
}

func (z *ZooKeeperLock) markLost(h *Handle, reason string) {
	if h.lost.Fire() {
		distlock.RecordLost(context.Background(), distlock.BackendZooKeeper, h.key, reason)
	}
}

// isFatal reports errors after which the session, and with it the node, is gone.
func isFatal(err error) bool {
	return errors.Is(err, zk.ErrSessionExpired) ||
		errors.Is(err, zk.ErrClosing) ||
		errors.Is(err, zk.ErrNoNode)
}
