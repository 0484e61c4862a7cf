package syncengine

import (
	"strings"
	"sync"
	"time"
)

// SuppressionSet is a concurrent map of path prefixes the Watcher must
// discard incoming events for, because the Executor is actively mutating
// them locally. Entries are timed: added before a mutation, evicted after a
// quiescence delay (spec §3, §4.F).
type SuppressionSet struct {
	mu      sync.Mutex
	entries map[string]time.Time // path -> eviction deadline
}

// NewSuppressionSet returns an empty SuppressionSet.
func NewSuppressionSet() *SuppressionSet {
	return &SuppressionSet{entries: make(map[string]time.Time)}
}

// Add suppresses path until window has elapsed from now.
func (s *SuppressionSet) Add(path string, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[path] = time.Now().Add(window)
}

// Contains reports whether path, or a folder above it, is currently
// suppressed, evicting any entry it meets whose window has already elapsed.
func (s *SuppressionSet) Contains(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	for p := path; ; {
		if deadline, ok := s.entries[p]; ok {
			if !now.After(deadline) {
				return true
			}

			delete(s.entries, p)
		}

		i := strings.LastIndex(p, "/")
		if i < 0 {
			return false
		}

		p = p[:i]
	}
}

// Sweep removes every expired entry. Intended to be called periodically so
// the map does not grow unbounded under a quiet system.
func (s *SuppressionSet) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for p, deadline := range s.entries {
		if now.After(deadline) {
			delete(s.entries, p)
		}
	}
}
