package history

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-monolith/mono"

	"github.com/example/realm-chat/domain/realm"
	"github.com/example/realm-chat/modules/identity"
)

// ServiceRecent is the request-reply service returning recent history.
const ServiceRecent = "recent"

// RecentRequest asks for a room's newest entries.
type RecentRequest struct {
	Room  string `json:"room"`
	Limit int    `json:"limit"`
}

// RecentResponse carries entries oldest first.
type RecentResponse struct {
	Room    string            `json:"room"`
	Entries []realm.ChatEntry `json:"entries"`
}

func (m *Module) handleRecent(ctx context.Context, req RecentRequest, _ *mono.Msg) (RecentResponse, error) {
	room, err := identity.NormalizeRoom(req.Room)
	if err != nil {
		return RecentResponse{}, err
	}
	limit := req.Limit
	if limit <= 0 || limit > m.cfg.Cap {
		limit = m.cfg.Cap
	}

	// Identical concurrent reads share one store round trip.
	key := room + "\x00" + strconv.Itoa(limit)
	v, err, _ := m.reads.Do(key, func() (any, error) {
		return m.Recent(ctx, room, limit)
	})
	if err != nil {
		m.logger.Warn("History read failed", "room", room, "error", err)
		return RecentResponse{}, fmt.Errorf("failed to read history: %w", err)
	}

	entries := v.([]realm.ChatEntry)
	return RecentResponse{Room: room, Entries: append([]realm.ChatEntry{}, entries...)}, nil
}
