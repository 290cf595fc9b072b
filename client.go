package distlock

import (
	"context"
	"time"
)

// Client supplies the short forms of Lock on top of any Locker by filling in
// the configured defaults and delegating to the canonical four argument form.
type Client struct {
	locker     Locker
	expire     time.Duration
	retryTimes int
	sleep      time.Duration
}

// NewClient wraps locker. Defaults are DefaultExpire, DefaultRetryTimes and
// DefaultSleep unless overridden with WithDefaultExpire, WithDefaultRetryTimes
// or WithDefaultSleep.
func NewClient(locker Locker, opts ...func(config *LockConfig)) *Client {
	config := Apply(opts...)
	expire, retryTimes, sleep := Normalize(config.DefaultExpire, config.DefaultRetryTimes, config.DefaultSleep)

	return &Client{
		locker:     locker,
		expire:     expire,
		retryTimes: retryTimes,
		sleep:      sleep,
	}
}

// Locker returns the wrapped backend.
func (c *Client) Locker() Locker {
	return c.locker
}

// Lock acquires key with the default expire, retries and sleep.
func (c *Client) Lock(ctx context.Context, key string) (Handle, bool) {
	return c.LockExpireRetrySleep(ctx, key, c.expire, c.retryTimes, c.sleep)
}

// LockRetry acquires key with retryTimes retries.
func (c *Client) LockRetry(ctx context.Context, key string, retryTimes int) (Handle, bool) {
	return c.LockExpireRetrySleep(ctx, key, c.expire, retryTimes, c.sleep)
}

// LockRetrySleep acquires key with retryTimes retries spaced by sleep.
func (c *Client) LockRetrySleep(ctx context.Context, key string, retryTimes int, sleep time.Duration) (Handle, bool) {
	return c.LockExpireRetrySleep(ctx, key, c.expire, retryTimes, sleep)
}

// LockExpire acquires key for expire.
func (c *Client) LockExpire(ctx context.Context, key string, expire time.Duration) (Handle, bool) {
	return c.LockExpireRetrySleep(ctx, key, expire, c.retryTimes, c.sleep)
}

// LockExpireRetry acquires key for expire with retryTimes retries.
func (c *Client) LockExpireRetry(ctx context.Context, key string, expire time.Duration, retryTimes int) (Handle, bool) {
	return c.LockExpireRetrySleep(ctx, key, expire, retryTimes, c.sleep)
}

// LockExpireRetrySleep is the canonical form every overload delegates to.
func (c *Client) LockExpireRetrySleep(
	ctx context.Context,
	key string,
	expire time.Duration,
	retryTimes int,
	sleep time.Duration) (Handle, bool) {
	if key == "" {
		GetLogger().Error(ErrEmptyKey, "refusing to lock")
		return nil, false
	}

	expire, retryTimes, sleep = Normalize(expire, retryTimes, sleep)

	return c.locker.Lock(ctx, key, expire, retryTimes, sleep)
}

// ReleaseLock releases h. A nil handle is never held and reports false.
func (c *Client) ReleaseLock(ctx context.Context, h Handle) (bool, error) {
	if h == nil {
		return false, nil
	}

	return c.locker.ReleaseLock(ctx, h)
}
