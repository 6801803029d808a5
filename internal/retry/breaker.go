// Package retry provides bounded exponential-backoff retries and a
// consecutive-failure circuit breaker keyed by operation name. The loop
// engine shares one breaker registry across all tasks so repeated backend
// failures trip the circuit regardless of which task triggered them.
package retry

import "sync"

// DefaultFailureThreshold is the consecutive-failure count that opens a
// circuit when no explicit threshold is configured.
const DefaultFailureThreshold = 5

// BreakerRegistry tracks consecutive failures per operation key. A key's
// circuit opens once its count reaches the threshold and stays open until
// a success or an explicit reset zeroes it.
type BreakerRegistry interface {
	// Open reports whether the circuit for key is open. Callers must fail
	// fast rather than attempt the operation while it is.
	Open(key string) bool
	// RecordFailure increments the consecutive-failure count for key and
	// returns the new count.
	RecordFailure(key string) int
	// RecordSuccess zeroes the count for key.
	RecordSuccess(key string)
	// Failures returns the current consecutive-failure count for key.
	Failures(key string) int
}

// Breaker is the default in-memory BreakerRegistry. It is safe for
// concurrent use.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  map[string]int
}

var _ BreakerRegistry = (*Breaker)(nil)

// NewBreaker creates a registry that opens a key's circuit after
// threshold consecutive failures. A threshold < 1 falls back to
// DefaultFailureThreshold.
func NewBreaker(threshold int) *Breaker {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	return &Breaker{
		threshold: threshold,
		failures:  make(map[string]int),
	}
}

// Open reports whether the circuit for key is open.
func (b *Breaker) Open(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[key] >= b.threshold
}

// RecordFailure increments the consecutive-failure count for key and
// returns the new count.
func (b *Breaker) RecordFailure(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[key]++
	return b.failures[key]
}

// RecordSuccess zeroes the count for key, closing its circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, key)
}

// Failures returns the current consecutive-failure count for key.
func (b *Breaker) Failures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[key]
}

// Threshold returns the configured consecutive-failure threshold.
func (b *Breaker) Threshold() int {
	return b.threshold
}
