// Package jobs tracks deep research work that has been accepted but not
// yet claimed by a streaming connection.
package jobs

import (
	"sync"
	"time"
)

// Job is a pending deep research run. It is created when POST /research
// accepts a deep query and consumed when the client connects to the
// session's stream endpoint.
type Job struct {
	SessionID string
	Query     string
	CreatedAt time.Time
}

// Registry holds pending jobs keyed by session ID. Claim removes the job
// atomically, so exactly one streaming connection can win it.
type Registry struct {
	mu      sync.Mutex
	pending map[string]Job
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]Job),
	}
}

// Add registers a pending job for the session, replacing any previous one.
func (r *Registry) Add(sessionID, query string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[sessionID] = Job{
		SessionID: sessionID,
		Query:     query,
		CreatedAt: time.Now(),
	}
}

// Claim removes and returns the pending job for the session. The second
// return value reports whether a job was there to claim; once claimed,
// later calls for the same session return false.
func (r *Registry) Claim(sessionID string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.pending[sessionID]
	if !ok {
		return Job{}, false
	}
	delete(r.pending, sessionID)
	return job, true
}

// Remove drops the pending job for the session if one exists. Used when
// the session is deleted before anyone connects to its stream.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[sessionID]; !ok {
		return false
	}
	delete(r.pending, sessionID)
	return true
}

// SweepOlderThan drops jobs that have waited longer than maxAge for a
// stream connection and returns how many were removed. Their sessions
// stay in the database as running; connecting later yields a stream
// error rather than a silent restart.
func (r *Registry) SweepOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, job := range r.pending {
		if job.CreatedAt.Before(cutoff) {
			delete(r.pending, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of pending jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
