package automation

import "sync"

// PendingGuard tracks rule ids with an execution attempt in flight. The
// check and the set are one atomic step, so two concurrent attempts for the
// same rule see exactly one successful acquire even on a genuinely parallel
// runtime.
type PendingGuard struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewPendingGuard constructs a new value for this package.
func NewPendingGuard() *PendingGuard {
	return &PendingGuard{pending: map[string]struct{}{}}
}

// TryAcquire marks the rule as executing and reports success. It fails when
// an attempt for the same rule already holds the guard.
func (g *PendingGuard) TryAcquire(ruleID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.pending[ruleID]; held {
		return false
	}
	g.pending[ruleID] = struct{}{}
	return true
}

// Release frees the rule's slot. Safe to call for an unheld id.
func (g *PendingGuard) Release(ruleID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, ruleID)
}

// Held reports whether the rule currently holds the guard.
func (g *PendingGuard) Held(ruleID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.pending[ruleID]
	return held
}
