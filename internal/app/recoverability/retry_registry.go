package recoverability

import "sync"

// RetryRegistry tracks the groups a retry is currently being issued for.
// Archive and unarchive operations decline to run for those groups. It is the
// seam through which the external retry subsystem reports in-flight retries.
type RetryRegistry struct {
	mu         sync.Mutex
	inProgress map[string]int
}

// NewRetryRegistry creates an empty registry.
func NewRetryRegistry() *RetryRegistry {
	return &RetryRegistry{inProgress: make(map[string]int)}
}

// Begin marks a retry as in progress for requestID. Calls nest; each Begin
// must be paired with an End.
func (r *RetryRegistry) Begin(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inProgress[requestID]++
}

// End clears one Begin for requestID.
func (r *RetryRegistry) End(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.inProgress[requestID]; n > 1 {
		r.inProgress[requestID] = n - 1
		return
	}
	delete(r.inProgress, requestID)
}

// IsRetryInProgressFor reports whether any retry is open for requestID.
func (r *RetryRegistry) IsRetryInProgressFor(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress[requestID] > 0
}
