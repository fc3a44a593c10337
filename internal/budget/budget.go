// Package budget caps side-effecting tool calls per turn of one run.
package budget

import (
	"sync"

	"runline/internal/apperr"
)

// Budget holds per-tool counters for the current turn. A tool without a
// configured limit is unbounded. The zero value is unusable; use New.
type Budget struct {
	mu     sync.Mutex
	limits map[string]int
	used   map[string]int
}

func New(limits map[string]int) *Budget {
	cp := make(map[string]int, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	return &Budget{limits: cp, used: map[string]int{}}
}

// Take consumes one call of tool. Exceeding the cap fails only this call.
func (b *Budget) Take(tool string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit, ok := b.limits[tool]
	if !ok {
		return nil
	}
	if b.used[tool] >= limit {
		return apperr.New(apperr.Conflict, "tool budget exceeded for %s (%d per turn)", tool, limit).
			WithDetails(map[string]any{"tool": tool, "limit": limit})
	}
	b.used[tool]++
	return nil
}

// Reset starts a new turn.
func (b *Budget) Reset() {
	b.mu.Lock()
	b.used = map[string]int{}
	b.mu.Unlock()
}

// Used returns the calls consumed this turn.
func (b *Budget) Used(tool string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used[tool]
}

// Remaining returns calls left this turn, -1 when unbounded.
func (b *Budget) Remaining(tool string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit, ok := b.limits[tool]
	if !ok {
		return -1
	}
	return limit - b.used[tool]
}
