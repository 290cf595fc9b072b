package distlock

import "errors"

var (
	// ErrLockIsHeld lock is already held by another process.
	ErrLockIsHeld = errors.New("lock is already held by another process")
	// ErrLockIsNotHeld lock was not held or already released.
	ErrLockIsNotHeld = errors.New("lock was not held or already released")
	// ErrLockTimeout lock acquisition timed out.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrRetriesExhausted lock acquisition gave up after the last retry.
	ErrRetriesExhausted = errors.New("lock acquisition retries exhausted")
	// ErrEmptyKey lock key is empty.
	ErrEmptyKey = errors.New("lock key must not be empty")
	// ErrInvalidKey lock key contains characters the backend cannot store.
	ErrInvalidKey = errors.New("lock key contains invalid characters")
	// ErrForeignHandle handle was issued by a different backend.
	ErrForeignHandle = errors.New("handle was not issued by this locker")
	// ErrSessionLost the hold was lost together with its lease or session.
	ErrSessionLost = errors.New("lock lease or session was lost")
)
