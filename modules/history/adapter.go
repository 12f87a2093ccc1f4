package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"

	"github.com/example/realm-chat/domain/realm"
)

// HistoryPort is how other modules read chat history.
type HistoryPort interface {
	Recent(ctx context.Context, room string, limit int) ([]realm.ChatEntry, error)
}

// HistoryAdapter implements HistoryPort using the service container.
type HistoryAdapter struct {
	container mono.ServiceContainer
}

// NewHistoryAdapter creates a new HistoryAdapter.
func NewHistoryAdapter(container mono.ServiceContainer) HistoryPort {
	if container == nil {
		panic("history: ServiceContainer is nil")
	}
	return &HistoryAdapter{container: container}
}

// Recent calls the history module's recent service.
func (a *HistoryAdapter) Recent(ctx context.Context, room string, limit int) ([]realm.ChatEntry, error) {
	req := RecentRequest{Room: room, Limit: limit}
	var resp RecentResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceRecent,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return nil, fmt.Errorf("recent request failed: %w", err)
	}
	return resp.Entries, nil
}
