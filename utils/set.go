package utils

import (
	"sort"
	"sync"
)

// StringSet is a thread-safe set of strings, used for tracking source ids
// seen during a platform run.
type StringSet struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewStringSet creates an empty StringSet.
func NewStringSet() *StringSet {
	return &StringSet{seen: make(map[string]struct{})}
}

// Add returns true if s was newly added, false if already present.
func (set *StringSet) Add(s string) bool {
	set.mu.Lock()
	defer set.mu.Unlock()

	if _, exists := set.seen[s]; exists {
		return false
	}
	set.seen[s] = struct{}{}
	return true
}

// Contains returns true if s is in the set.
func (set *StringSet) Contains(s string) bool {
	set.mu.RLock()
	defer set.mu.RUnlock()
	_, exists := set.seen[s]
	return exists
}

// Size returns the number of unique strings tracked.
func (set *StringSet) Size() int {
	set.mu.RLock()
	defer set.mu.RUnlock()
	return len(set.seen)
}

// Values returns the members in sorted order.
func (set *StringSet) Values() []string {
	set.mu.RLock()
	defer set.mu.RUnlock()
	out := make([]string, 0, len(set.seen))
	for s := range set.seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
