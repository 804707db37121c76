// SPDX-License-Identifier: MIT

package rules

import (
	"time"
)

// historyCapacity bounds the per-field ring buffer; oldest entries are
// evicted first.
const historyCapacity = 100

type historyEntry struct {
	value any
	at    time.Time
}

// History keeps a bounded per-field value history backing the "changed"
// and "stable_for" operators. It is owned by the engine and mutated only
// from the evaluation cycle.
type History struct {
	fields map[string][]historyEntry
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{fields: make(map[string][]historyEntry)}
}

// Observe appends the current value of every field.
func (h *History) Observe(data map[string]any, now time.Time) {
	for field, value := range data {
		entries := append(h.fields[field], historyEntry{value: value, at: now})
		if len(entries) > historyCapacity {
			entries = entries[len(entries)-historyCapacity:]
		}
		h.fields[field] = entries
	}
}

// Changed reports whether the field's value just transitioned. With a
// non-nil from, only a transition away from that exact value matches.
func (h *History) Changed(field string, from any) bool {
	entries := h.fields[field]
	if len(entries) < 2 {
		return false
	}
	previous := entries[len(entries)-2].value
	current := entries[len(entries)-1].value
	if from != nil {
		return looselyEqual(previous, from) && !looselyEqual(current, from)
	}
	return !looselyEqual(previous, current)
}

// StableFor reports whether the field's value has been unchanged for at
// least the given duration.
func (h *History) StableFor(field string, d time.Duration, now time.Time) bool {
	entries := h.fields[field]
	if len(entries) == 0 {
		return false
	}
	current := entries[len(entries)-1].value
	for i := len(entries) - 1; i >= 0; i-- {
		if !looselyEqual(entries[i].value, current) {
			return false
		}
		if now.Sub(entries[i].at) >= d {
			return true
		}
	}
	return false
}
