package shadowclient

import "sync"

// syncedSignal is the "synced" edge from spec.md §9: a one-shot
// notify/broadcast signal the shadow client re-arms at the start of
// each sync cycle and fires at its end. Multiple waiters are allowed,
// and a waiter that calls Wait after a Fire but before the next Fire
// will block on the new, unfired channel rather than missing the
// previous edge - callers that need "has a cycle completed since I
// last checked" must call Wait before the cycle they care about
// starts, exactly as the Decryption Coordinator does (it arms a fresh
// wait before each strict attempt).
type syncedSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSyncedSignal() *syncedSignal {
	return &syncedSignal{ch: make(chan struct{})}
}

// Wait returns a channel that closes the next time Fire is called.
func (s *syncedSignal) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Fire wakes every current waiter and re-arms the signal for the next
// cycle.
func (s *syncedSignal) Fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}
