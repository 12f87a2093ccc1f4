// Package history persists a bounded list of recent chat entries per room
// and serves it to the gateway and to other modules.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/example/realm-chat/config"
	"github.com/example/realm-chat/domain/realm"
)

const connectTimeout = 5 * time.Second

// Config selects and sizes the backend.
type Config struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	Cap           int
	Debug         bool
}

// ConfigFrom extracts the history settings from the server configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Backend:       cfg.HistoryBackend,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		SQLitePath:    cfg.SQLitePath,
		Cap:           cfg.HistoryCap,
		Debug:         cfg.LogLevel == "debug",
	}
}

// Module owns the history store. It implements realm.HistoryStore by
// delegating to the backend opened in Start.
type Module struct {
	cfg    Config
	logger types.Logger

	mu    sync.RWMutex
	store realm.HistoryStore

	closeOnce sync.Once
	reads     singleflight.Group
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.ServiceProviderModule = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
	_ realm.HistoryStore         = (*Module)(nil)
)

// NewModule creates a history module that opens its backend on Start.
func NewModule(cfg Config, logger types.Logger) *Module {
	return &Module{cfg: cfg, logger: logger}
}

// NewModuleWithStore creates a history module around an already open store.
func NewModuleWithStore(store realm.HistoryStore, cfg Config, logger types.Logger) *Module {
	return &Module{cfg: cfg, logger: logger, store: store}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "history"
}

// Start opens the configured backend and verifies it is reachable. An
// unreachable store at startup is fatal.
func (m *Module) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store == nil {
		store, err := m.open()
		if err != nil {
			return err
		}
		m.store = store
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := m.store.Ping(pingCtx); err != nil {
		_ = m.store.Close()
		m.store = nil
		return fmt.Errorf("history store unreachable: %w", err)
	}

	m.logger.Info("History store ready", "backend", m.cfg.Backend, "cap", m.cfg.Cap)
	return nil
}

func (m *Module) open() (realm.HistoryStore, error) {
	switch m.cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         m.cfg.RedisAddr,
			Password:     m.cfg.RedisPassword,
			DB:           m.cfg.RedisDB,
			DialTimeout:  connectTimeout,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		return NewRedisStore(client, DefaultKeyPrefix, m.cfg.Cap), nil
	case config.BackendSQLite:
		return OpenSQLiteStore(m.cfg.SQLitePath, m.cfg.Cap, m.cfg.Debug)
	case config.BackendMemory:
		return NewMemoryStore(m.cfg.Cap), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", m.cfg.Backend)
	}
}

// Stop closes the store. The gateway stops first, so no session is writing.
func (m *Module) Stop(_ context.Context) error {
	if err := m.Close(); err != nil {
		m.logger.Error("Failed to close history store", "error", err)
		return fmt.Errorf("failed to close history store: %w", err)
	}
	m.logger.Info("History store closed")
	return nil
}

func (m *Module) current() (realm.HistoryStore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return nil, fmt.Errorf("%w: store not open", realm.ErrStoreUnavailable)
	}
	return m.store, nil
}

// Append stores entry in its room's history.
func (m *Module) Append(ctx context.Context, entry realm.ChatEntry) error {
	store, err := m.current()
	if err != nil {
		return err
	}
	return store.Append(ctx, entry)
}

// Recent returns up to limit of the room's newest entries, oldest first.
func (m *Module) Recent(ctx context.Context, room string, limit int) ([]realm.ChatEntry, error) {
	store, err := m.current()
	if err != nil {
		return nil, err
	}
	return store.Recent(ctx, room, min(limit, m.cfg.Cap))
}

// Ping checks the store.
func (m *Module) Ping(ctx context.Context) error {
	store, err := m.current()
	if err != nil {
		return err
	}
	return store.Ping(ctx)
}

// Close closes the store once.
func (m *Module) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.store != nil {
			err = m.store.Close()
			m.store = nil
		}
	})
	return err
}

// Health reports store reachability.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if err := m.Ping(ctx); err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: err.Error(),
		}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"backend": m.cfg.Backend,
			"cap":     m.cfg.Cap,
		},
	}
}

// RegisterServices registers request-reply services in the service container.
// "recent" becomes "services.history.recent".
func (m *Module) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceRecent, json.Unmarshal, json.Marshal, m.handleRecent,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceRecent, err)
	}

	m.logger.Info("Registered services", "services", []string{ServiceRecent})
	return nil
}
