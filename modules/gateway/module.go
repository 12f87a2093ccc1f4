// Package gateway serves the realm chat protocol over WebSocket, plus a small
// read-only REST surface, and drives each connection through its session
// lifecycle.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/example/realm-chat/events"
	"github.com/example/realm-chat/modules/history"
)

// Options configure the HTTP listener.
type Options struct {
	// Addr is the listen address, ":0" picks a free port.
	Addr string
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
	// AllowOrigins is the CORS origin list, "*" when empty.
	AllowOrigins string
}

// Module is the Fiber server hosting the WebSocket endpoint.
type Module struct {
	opts        Options
	hub         *Hub
	historyPort history.HistoryPort
	logger      types.Logger

	mu   sync.Mutex
	app  *fiber.App
	addr net.Addr
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.DependentModule       = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
	_ mono.EventBusAwareModule   = (*Module)(nil)
	_ mono.EventEmitterModule    = (*Module)(nil)
)

// NewModule creates a new gateway module around hub.
func NewModule(opts Options, hub *Hub, logger types.Logger) *Module {
	return &Module{
		opts:   opts,
		hub:    hub,
		logger: logger,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "gateway"
}

// Dependencies returns the list of module dependencies.
func (m *Module) Dependencies() []string {
	return []string{"history"}
}

// SetDependencyServiceContainer receives service containers from dependencies.
func (m *Module) SetDependencyServiceContainer(dependency string, container mono.ServiceContainer) {
	switch dependency {
	case "history":
		m.historyPort = history.NewHistoryAdapter(container)
	}
}

// SetHistoryPort replaces the history adapter, used when running the module
// outside the mono application.
func (m *Module) SetHistoryPort(port history.HistoryPort) {
	m.historyPort = port
}

// SetEventBus receives the EventBus from the framework.
func (m *Module) SetEventBus(bus mono.EventBus) {
	m.hub.SetEventBus(bus)
}

// EmitEvents declares the events this module can emit.
func (m *Module) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.MessageSentV1.ToBase(),
		events.MemberJoinedV1.ToBase(),
		events.MemberLeftV1.ToBase(),
		events.SessionReapedV1.ToBase(),
		events.AdmissionRejectedV1.ToBase(),
	}
}

// Hub returns the session hub.
func (m *Module) Hub() *Hub {
	return m.hub
}

// Addr returns the bound listen address, nil before Start.
func (m *Module) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// Start initializes and starts the Fiber server.
func (m *Module) Start(_ context.Context) error {
	if m.historyPort == nil {
		return fmt.Errorf("history adapter dependency not set")
	}

	cfg := fiber.Config{
		AppName:               "Realm Chat",
		DisableStartupMessage: true,
		ErrorHandler:          m.errorHandler,
	}
	if m.opts.TrustProxy {
		cfg.ProxyHeader = fiber.HeaderXForwardedFor
	}
	app := fiber.New(cfg)

	// Add middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} ${method} ${path} ${latency}\n",
		Next: func(c *fiber.Ctx) bool {
			return c.Get(fiber.HeaderUpgrade) == "websocket"
		},
	}))

	origins := m.opts.AllowOrigins
	if origins == "" {
		origins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Content-Type",
	}))

	ln, err := net.Listen("tcp", m.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway failed to listen on %s: %w", m.opts.Addr, err)
	}

	m.mu.Lock()
	m.app = app
	m.addr = ln.Addr()
	m.mu.Unlock()

	m.setupRoutes()

	// Start server in goroutine with startup error detection
	errCh := make(chan error, 1)
	go func() {
		if err := app.Listener(ln); err != nil {
			errCh <- err
		}
	}()

	// Wait briefly to catch immediate startup errors
	select {
	case err := <-errCh:
		return fmt.Errorf("gateway failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	m.logger.Info("Gateway started", "addr", ln.Addr().String())
	return nil
}

// Stop closes every session with the server-shutdown close code, waits for
// them to flush, then shuts the HTTP server down.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	app := m.app
	m.app = nil
	m.mu.Unlock()
	if app == nil {
		return nil
	}

	var errs []error
	if err := m.hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sessions: %w", err))
	}
	if err := app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown server: %w", err))
	}

	m.logger.Info("Gateway stopped")
	return errors.Join(errs...)
}

// Health reports session, admission and name table sizes.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	m.mu.Lock()
	running := m.app != nil
	m.mu.Unlock()

	healthy := running && !m.hub.Closed()
	message := "operational"
	if !healthy {
		message = "not serving"
	}
	return mono.HealthStatus{
		Healthy: healthy,
		Message: message,
		Details: map[string]any{
			"sessions":  m.hub.Stats(),
			"admission": m.hub.guard.Stats(),
			"names":     m.hub.arbiter.Stats(),
		},
	}
}

// errorHandler handles errors globally.
func (m *Module) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	if code >= fiber.StatusInternalServerError {
		m.logger.Error("HTTP error", "code", code, "message", message, "error", err)
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   "server_error",
		Message: message,
	})
}
