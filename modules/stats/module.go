// Package stats keeps running counters of realm activity by consuming the
// gateway's domain events.
package stats

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/realm-chat/events"
)

// Snapshot is a copy of the counters.
type Snapshot struct {
	Messages        int            `json:"messages"`
	Unpersisted     int            `json:"unpersisted"`
	Joins           int            `json:"joins"`
	Reclaims        int            `json:"reclaims"`
	Leaves          map[string]int `json:"leaves"`
	Reaped          int            `json:"reaped"`
	Rejected        map[string]int `json:"rejected"`
	MessagesPerRoom map[string]int `json:"messages_per_room"`
}

// Module counts realm events.
type Module struct {
	logger types.Logger

	mu   sync.Mutex
	snap Snapshot
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.EventConsumerModule   = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a new stats module.
func NewModule(logger types.Logger) *Module {
	return &Module{
		logger: logger,
		snap: Snapshot{
			Leaves:          make(map[string]int),
			Rejected:        make(map[string]int),
			MessagesPerRoom: make(map[string]int),
		},
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "stats"
}

// RegisterEventConsumers registers event handlers for every gateway event.
func (m *Module) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(registry, events.MessageSentV1, m.handleMessageSent, m); err != nil {
		return fmt.Errorf("failed to register MessageSent consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.MemberJoinedV1, m.handleMemberJoined, m); err != nil {
		return fmt.Errorf("failed to register MemberJoined consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.MemberLeftV1, m.handleMemberLeft, m); err != nil {
		return fmt.Errorf("failed to register MemberLeft consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.SessionReapedV1, m.handleSessionReaped, m); err != nil {
		return fmt.Errorf("failed to register SessionReaped consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.AdmissionRejectedV1, m.handleAdmissionRejected, m); err != nil {
		return fmt.Errorf("failed to register AdmissionRejected consumer: %w", err)
	}

	m.logger.Info("Registered event consumers",
		"events", []string{"MessageSent.v1", "MemberJoined.v1", "MemberLeft.v1", "SessionReaped.v1", "AdmissionRejected.v1"})
	return nil
}

func (m *Module) handleMessageSent(_ context.Context, event events.MessageSentEvent, _ *mono.Msg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Messages++
	m.snap.MessagesPerRoom[event.Room]++
	if !event.Persisted {
		m.snap.Unpersisted++
	}
	return nil
}

func (m *Module) handleMemberJoined(_ context.Context, event events.MemberJoinedEvent, _ *mono.Msg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Joins++
	if event.Reclaimed {
		m.snap.Reclaims++
	}
	return nil
}

func (m *Module) handleMemberLeft(_ context.Context, event events.MemberLeftEvent, _ *mono.Msg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Leaves[event.Reason]++
	return nil
}

func (m *Module) handleSessionReaped(_ context.Context, event events.SessionReapedEvent, _ *mono.Msg) error {
	m.logger.Debug("Session reaped", "session", event.SessionID, "room", event.Room, "name", event.Name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Reaped++
	return nil
}

func (m *Module) handleAdmissionRejected(_ context.Context, event events.AdmissionRejectedEvent, _ *mono.Msg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Rejected[event.Code]++
	return nil
}

// Start is a no-op.
func (m *Module) Start(_ context.Context) error {
	m.logger.Info("Stats module started")
	return nil
}

// Stop logs the final counters.
func (m *Module) Stop(_ context.Context) error {
	s := m.Snapshot()
	m.logger.Info("Stats module stopped", "messages", s.Messages, "joins", s.Joins, "reaped", s.Reaped)
	return nil
}

// Snapshot returns a copy of the counters.
func (m *Module) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.snap
	s.Leaves = copyCounts(m.snap.Leaves)
	s.Rejected = copyCounts(m.snap.Rejected)
	s.MessagesPerRoom = copyCounts(m.snap.MessagesPerRoom)
	return s
}

// Health reports the counters.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	s := m.Snapshot()
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"messages":    s.Messages,
			"unpersisted": s.Unpersisted,
			"joins":       s.Joins,
			"leaves":      s.Leaves,
			"reaped":      s.Reaped,
			"rejected":    s.Rejected,
		},
	}
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
