package telephony

import (
	"context"
	"sync"
)

// MarkTracker holds the set of mark labels whose audio has been sent to the
// telephony peer but not yet acknowledged as played. The media bridge adds a
// label when it forwards a mark frame and removes it when the vendor echoes
// the mark back.
//
// All methods are safe for concurrent use.
type MarkTracker struct {
	mu      sync.Mutex
	pending map[string]struct{}
	waiters []chan struct{}
}

// NewMarkTracker creates an empty MarkTracker.
func NewMarkTracker() *MarkTracker {
	return &MarkTracker{pending: make(map[string]struct{})}
}

// Add registers a label as outstanding.
func (t *MarkTracker) Add(label string) {
	t.mu.Lock()
	t.pending[label] = struct{}{}
	t.mu.Unlock()
}

// Remove clears an acknowledged label. Removing an unknown label is not an
// error. When the set becomes empty all WaitForAll callers are released.
func (t *MarkTracker) Remove(label string) {
	t.mu.Lock()
	delete(t.pending, label)
	t.notifyLocked()
	t.mu.Unlock()
}

// Len returns the number of outstanding labels.
func (t *MarkTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Empty reports whether no labels are outstanding.
func (t *MarkTracker) Empty() bool { return t.Len() == 0 }

// WaitForAll blocks until the outstanding set is empty or ctx is cancelled.
// Used by the transfer-call flow to defer handoff until queued audio has
// finished playing.
func (t *MarkTracker) WaitForAll(ctx context.Context) error {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops all outstanding labels and releases all waiters. Called on
// session end.
func (t *MarkTracker) Clear() {
	t.mu.Lock()
	t.pending = make(map[string]struct{})
	t.notifyLocked()
	t.mu.Unlock()
}

// notifyLocked releases waiters when the set is empty. Must be called with
// t.mu held.
func (t *MarkTracker) notifyLocked() {
	if len(t.pending) != 0 {
		return
	}
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
}
