package history

import (
	"context"
	"sync"

	"github.com/example/realm-chat/domain/realm"
)

// MemoryStore keeps history in process memory, oldest first. It is used when
// no external store is configured and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string][]realm.ChatEntry
	cap   int
}

// NewMemoryStore creates a MemoryStore that keeps at most capacity entries per room.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string][]realm.ChatEntry),
		cap:   capacity,
	}
}

// Append stores entry, dropping the oldest entries of its room past capacity.
func (s *MemoryStore) Append(_ context.Context, entry realm.ChatEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.rooms[entry.Room], entry)
	if over := len(entries) - s.cap; over > 0 {
		entries = append([]realm.ChatEntry(nil), entries[over:]...)
	}
	s.rooms[entry.Room] = entries
	return nil
}

// Recent returns up to limit of the newest entries for room, oldest first.
func (s *MemoryStore) Recent(_ context.Context, room string, limit int) ([]realm.ChatEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.rooms[room]
	if limit < len(entries) {
		entries = entries[len(entries)-max(limit, 0):]
	}
	return append([]realm.ChatEntry{}, entries...), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op; entries live only in memory.
func (s *MemoryStore) Close() error { return nil }
