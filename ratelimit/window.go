// Package ratelimit provides per-user admission control kept in process
// memory.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window admits at most Max attempts per key within any trailing Window.
// Each key keeps the timestamps of its admitted attempts; timestamps that
// left the window are discarded on the next attempt.
type Window struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewWindow returns a Window admitting max attempts per window.
func NewWindow(max int, window time.Duration) *Window {
	return &Window{
		max:    max,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// Admit records an attempt for key and reports whether it is allowed.
// Rejected attempts are not recorded.
func (w *Window) Admit(_ context.Context, key string) bool {
	now := w.now()
	cutoff := now.Add(-w.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	hits := w.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= w.max {
		w.hits[key] = hits
		return false
	}
	w.hits[key] = append(hits, now)
	return true
}

// Prune drops keys without attempts inside the window. It keeps the map from
// growing with users that stopped sending.
func (w *Window) Prune() {
	cutoff := w.now().Add(-w.window)

	w.mu.Lock()
	defer w.mu.Unlock()
	for key, hits := range w.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(w.hits, key)
		}
	}
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits)
}
