package audit

import (
	"context"
	"sync"
)

// MemoryLog keeps audit entries in memory for dev runs and tests.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLog constructs an in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Log appends an entry.
func (m *MemoryLog) Log(_ context.Context, entry Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, normalize(entry))
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *MemoryLog) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
