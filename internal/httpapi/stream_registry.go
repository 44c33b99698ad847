package httpapi

import (
	"sync"
	"sync/atomic"
)

// StreamRegistry tracks active media stream sessions so a shutdown can
// stop accepting new streams and wait for in-flight ones to finish.
type StreamRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{}
}

// Add registers a new stream session. It returns false when the registry is
// draining, in which case the caller must reject the connection.
func (r *StreamRegistry) Add() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.wg.Add(1)
	r.count.Add(1)
	return true
}

// Done marks a previously added stream session as finished.
func (r *StreamRegistry) Done() {
	r.count.Add(-1)
	r.wg.Done()
}

// StartDraining rejects new stream sessions from this point on.
func (r *StreamRegistry) StartDraining() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
}

func (r *StreamRegistry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount reports the number of stream sessions currently in flight.
func (r *StreamRegistry) ActiveCount() int64 {
	return r.count.Load()
}

// Wait blocks until every registered stream session has finished.
func (r *StreamRegistry) Wait() {
	r.wg.Wait()
}
