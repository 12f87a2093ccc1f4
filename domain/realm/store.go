package realm

import "context"

// HistoryStore persists a bounded, ordered list of chat entries per room.
type HistoryStore interface {
	// Append stores entry and trims the room's list to the configured cap as
	// one logical step.
	Append(ctx context.Context, entry ChatEntry) error
	// Recent returns up to limit of the newest entries for room, oldest first.
	Recent(ctx context.Context, room string, limit int) ([]ChatEntry, error)
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
