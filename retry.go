package distlock

import (
	"context"
	"time"
)

// Normalize replaces malformed acquisition parameters with safe values instead
// of rejecting them: a zero or negative expire other than WatchdogExpire
// becomes DefaultExpire, negative retries become zero (try once) and a
// non-positive sleep becomes DefaultSleep. Stores count ttls in whole
// milliseconds, so a positive expire below one millisecond is raised to one.
func Normalize(expire time.Duration, retryTimes int, sleep time.Duration) (time.Duration, int, time.Duration) {
	switch {
	case expire == WatchdogExpire:
	case expire <= 0:
		expire = DefaultExpire
	case expire < time.Millisecond:
		expire = time.Millisecond
	}

	if retryTimes < 0 {
		retryTimes = 0
	}

	if sleep <= 0 {
		sleep = DefaultSleep
	}

	return expire, retryTimes, sleep
}

// Retry calls attempt once and, while it keeps failing, up to retryTimes more
// times with sleep in between. Cancelling ctx during a sleep aborts the loop.
// attempt must leave no partial state behind when it reports false.
func Retry(
	ctx context.Context,
	backend, lockID string,
	retryTimes int,
	sleep time.Duration,
	attempt func(ctx context.Context) bool) bool {
	for tries := 0; ; tries++ {
		if err := ctx.Err(); err != nil {
			GetLogger().V(1).Info("lock acquisition aborted", "lockID", lockID, "backend", backend, "reason", err.Error())
			return false
		}

		if attempt(ctx) {
			return true
		}

		if tries >= retryTimes {
			GetLogger().V(1).Info(ErrRetriesExhausted.Error(),
				"lockID", lockID,
				"backend", backend,
				"attempts", tries+1)

			return false
		}

		GetLogger().V(2).Info("lock failed, retrying",
			"lockID", lockID,
			"backend", backend,
			"remaining", retryTimes-tries,
			"sleep", sleep)

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			GetLogger().V(1).Info(ErrLockTimeout.Error(), "lockID", lockID, "backend", backend)

			return false
		}
	}
}
