package audit

import (
	"context"
	"sync"

	"github.com/compliance-core/compliance-core/pkg/digest"
)

// Store is the pluggable durability boundary for the trail: anything that
// can durably append one entry and iterate entries in append order can back
// a chain. The trail serializes all Append calls, so implementations only
// need to make each appended entry visible atomically to readers — they do
// not need their own append ordering discipline.
type Store interface {
	// Append durably stores a fully constructed entry.
	Append(ctx context.Context, e *Entry) error
	// All returns every stored entry in append order.
	All(ctx context.Context) ([]*Entry, error)
	// LastHash returns the entryHash of the most recent entry, or
	// digest.Genesis when the store is empty.
	LastHash(ctx context.Context) (string, error)
	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)
}

// MemoryStore keeps the chain in process memory. Entries are never mutated
// after append and the slice only grows, so readers iterate a consistent
// prefix while writers append.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores e. The entry becomes visible to readers atomically.
func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// All returns the stored entries in append order.
func (s *MemoryStore) All(_ context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// LastHash returns the rolling chain head, or the genesis constant for an
// empty store.
func (s *MemoryStore) LastHash(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return digest.Genesis, nil
	}
	return s.entries[len(s.entries)-1].EntryHash, nil
}

// Len returns the entry count.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}
