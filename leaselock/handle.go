package leaselock

import (
	"sync/atomic"
	"time"

	"github.com/companyinfo/distlock"
)

// Handle is the ownership proof of one lease acquisition.
type Handle struct {
	key      string
	token    string
	ttl      time.Duration
	lost     *distlock.Signal
	watchdog *watchdog
	released atomic.Bool
}

var _ distlock.Handle = (*Handle)(nil)

// Key returns the lock key.
func (h *Handle) Key() string { return h.key }

// Token returns the holder token stored in the lease.
func (h *Handle) Token() string { return h.token }

// TTL returns the lease ttl, the watchdog baseline in watchdog mode.
func (h *Handle) TTL() time.Duration { return h.ttl }

// Lost is closed once a renewal or the release found that the lease no longer
// carries this handle's token.
func (h *Handle) Lost() <-chan struct{} { return h.lost.Done() }

// Watchdog reports whether the lease is renewed in the background.
func (h *Handle) Watchdog() bool { return h.watchdog != nil }

// Renewals returns the number of successful background renewals so far.
func (h *Handle) Renewals() int64 {
	if h.watchdog == nil {
		return 0
	}

	return h.watchdog.renewals.Load()
}

func (h *Handle) stopWatchdog() {
	if h.watchdog != nil {
		h.watchdog.stop()
	}
}

func isLost(h *Handle) bool {
	select {
	case <-h.lost.Done():
		return true
	default:
		return false
	}
}
