package distlock

import "context"

type ownerKey struct{}

// WithOwner returns a context that identifies the logical lock holder. Backends
// that support reentrancy let the same owner acquire a key it already holds
// without queueing again.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner set by WithOwner.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	if !ok || owner == "" {
		return "", false
	}

	return owner, true
}
