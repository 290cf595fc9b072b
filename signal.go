package distlock

import "sync"

// Signal is a one-shot broadcast, used by handles to publish loss of a hold.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unfired Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire closes the channel. It reports whether this call fired it.
func (s *Signal) Fire() bool {
	fired := false
	s.once.Do(func() {
		close(s.ch)
		fired = true
	})

	return fired
}

// Done returns the channel closed by Fire.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}
