// Package realm holds the domain types shared by the chat server modules.
package realm

import (
	"sort"
	"time"
)

// ChatEntry is a persisted chat message. It is immutable once written.
type ChatEntry struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Room   string    `json:"room"`
	Author string    `json:"author"`
	Text   string    `json:"text"`
}

// Presence is the live view of a room.
type Presence struct {
	Room  string   `json:"room"`
	Count int      `json:"count"`
	Names []string `json:"names"`
}

// NewPresence builds a Presence from the display names of every member.
// Count reflects every member; Names is de-duplicated and sorted.
func NewPresence(room string, names []string) Presence {
	seen := make(map[string]struct{}, len(names))
	unique := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		unique = append(unique, n)
	}
	sort.Strings(unique)
	return Presence{Room: room, Count: len(names), Names: unique}
}

// NameReservation tracks a recently vacated display name.
type NameReservation struct {
	Room            string    `json:"room"`
	Name            string    `json:"name"`
	ReleaseAt       time.Time `json:"release_at"`
	VacatingAddress string    `json:"vacating_address"`
}

// Expired reports whether the reservation no longer blocks other addresses.
func (r NameReservation) Expired(now time.Time) bool {
	return !now.Before(r.ReleaseAt)
}

// Remaining returns how long until the name is released, never negative.
func (r NameReservation) Remaining(now time.Time) time.Duration {
	if d := r.ReleaseAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// AttemptWindow counts connection attempts from one source address.
type AttemptWindow struct {
	Count       int
	WindowStart time.Time
}

// SessionState is a connection's position in the protocol state machine.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAwaitingJoin
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingJoin:
		return "awaiting_join"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
