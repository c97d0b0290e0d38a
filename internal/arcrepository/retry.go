package arcrepository

import "sync"

// RetryLedger counts uploads reissued per replica and file after a replica
// reported no checksum for it. Counts live for one store attempt.
type RetryLedger struct {
	max int

	mu     sync.Mutex
	counts map[string]map[string]int // filename -> replica id -> retries
}

// NewRetryLedger creates a ledger allowing maxRetries re-uploads per replica
// and file.
func NewRetryLedger(maxRetries int) *RetryLedger {
	return &RetryLedger{
		max:    maxRetries,
		counts: make(map[string]map[string]int),
	}
}

// CanRetry reports whether another upload of filename to replicaID is allowed.
func (l *RetryLedger) CanRetry(replicaID, filename string) bool {
	return l.Count(replicaID, filename) < l.max
}

// Increment records one more retry of filename to replicaID.
func (l *RetryLedger) Increment(replicaID, filename string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byReplica, ok := l.counts[filename]
	if !ok {
		byReplica = make(map[string]int)
		l.counts[filename] = byReplica
	}
	byReplica[replicaID]++
}

// Count returns the retries recorded for filename on replicaID.
func (l *RetryLedger) Count(replicaID, filename string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[filename][replicaID]
}

// Reset forgets the retries of filename on replicaID.
func (l *RetryLedger) Reset(replicaID, filename string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byReplica, ok := l.counts[filename]
	if !ok {
		return
	}
	delete(byReplica, replicaID)
	if len(byReplica) == 0 {
		delete(l.counts, filename)
	}
}

// Clear forgets the retries of filename on every replica.
func (l *RetryLedger) Clear(filename string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, filename)
}

// Len returns the number of files with recorded retries.
func (l *RetryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counts)
}
