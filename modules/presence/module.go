// Package presence tracks which sessions are joined to which room and fans
// out room broadcasts.
package presence

import (
	"context"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
)

// Module owns the process-wide Registry.
type Module struct {
	registry *Registry
	logger   types.Logger
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a new presence module.
func NewModule(logger types.Logger) *Module {
	return &Module{
		registry: NewRegistry(),
		logger:   logger,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "presence"
}

// Registry returns the room registry.
func (m *Module) Registry() *Registry {
	return m.registry
}

// Start is a no-op; rooms are created lazily.
func (m *Module) Start(_ context.Context) error {
	m.logger.Info("Presence registry ready")
	return nil
}

// Stop logs what was still joined. Sessions are closed by the gateway first.
func (m *Module) Stop(_ context.Context) error {
	s := m.registry.Stats()
	m.logger.Info("Presence registry stopped", "rooms", s.Rooms, "members", s.Members)
	return nil
}

// Health reports room and member counts.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	s := m.registry.Stats()
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"rooms":   s.Rooms,
			"members": s.Members,
			"dropped": s.Dropped,
		},
	}
}
