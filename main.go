package main

import (
	"context"
	"log"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"

	"github.com/example/realm-chat/config"
	"github.com/example/realm-chat/modules/admission"
	"github.com/example/realm-chat/modules/gateway"
	"github.com/example/realm-chat/modules/history"
	"github.com/example/realm-chat/modules/identity"
	"github.com/example/realm-chat/modules/presence"
	"github.com/example/realm-chat/modules/stats"
	"github.com/example/realm-chat/modules/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level := mono.LogLevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = mono.LogLevelDebug
	case "warn":
		level = mono.LogLevelWarn
	case "error":
		level = mono.LogLevelError
	}

	// Create mono application
	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(cfg.ShutdownTimeout),
		mono.WithLogLevel(level),
		mono.WithLogFormat(mono.LogFormatText),
		mono.WithNATSPort(cfg.NATSPort),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	logger := app.Logger()

	// Shared in-memory tables
	guard := admission.NewGuard(admission.Config{
		Enabled:       cfg.AdmissionEnabled,
		Window:        cfg.RateLimitWindow,
		MaxAttempts:   cfg.RateLimitAttempts,
		MaxConcurrent: cfg.MaxConnsPerIP,
		SoftThreshold: cfg.SoftThreshold,
		SoftDelay:     cfg.SoftDelay,
	})
	arbiter := identity.NewArbiter(identity.Config{
		GracePeriod:   cfg.NameGracePeriod,
		MaxNameLength: cfg.MaxNameLength,
	})

	// Create modules
	presenceModule := presence.NewModule(logger.WithModule("presence"))
	historyModule := history.NewModule(history.ConfigFrom(cfg), logger.WithModule("history"))
	statsModule := stats.NewModule(logger.WithModule("stats"))

	hub := gateway.NewHub(gateway.HubConfigFrom(cfg), gateway.Deps{
		Registry: presenceModule.Registry(),
		Arbiter:  arbiter,
		Guard:    guard,
		History:  historyModule,
		Logger:   logger.WithModule("gateway"),
	})
	gatewayModule := gateway.NewModule(gateway.Options{
		Addr:         cfg.Addr(),
		TrustProxy:   cfg.TrustProxy,
		AllowOrigins: os.Getenv("CORS_ALLOWED_ORIGINS"),
	}, hub, logger.WithModule("gateway"))

	sweeperModule := sweeper.NewModule(cfg.SweepInterval, []sweeper.Target{
		{Name: "admission", Table: guard},
		{Name: "names", Table: arbiter},
		{Name: "rooms", Table: presenceModule.Registry()},
		{Name: "sessions", Table: hub},
	}, logger.WithModule("sweeper"))

	// Register modules with the framework.
	// Modules stop in reverse order, so the gateway closes every session
	// with server_shutdown before the history store is closed.
	app.Register(presenceModule) // Room registry
	app.Register(historyModule)  // History store + recent service
	app.Register(gatewayModule)  // WebSocket + REST, depends on history
	app.Register(statsModule)    // Consumes gateway events
	app.Register(sweeperModule)  // Expiry of in-memory state

	// Start application
	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	printStartupInfo(cfg)

	// Graceful shutdown
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				logger.Info("Graceful shutdown initiated")
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
}

func printStartupInfo(cfg *config.Config) {
	log.Println("")
	log.Println("Realm chat started")
	log.Println("")
	log.Printf("  History backend: %s (cap %d, replay %d)", cfg.HistoryBackend, cfg.HistoryCap, cfg.HistoryReplaySize())
	log.Printf("  Heartbeat: every %s, timeout %s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  Name grace period: %s", cfg.NameGracePeriod)
	if cfg.AdmissionEnabled {
		log.Printf("  Admission: %d attempts per %s, %d connections per address",
			cfg.RateLimitAttempts, cfg.RateLimitWindow, cfg.MaxConnsPerIP)
	} else {
		log.Println("  Admission: disabled")
	}
	log.Println("")
	log.Printf("HTTP Endpoints (http://localhost:%d):", cfg.Port)
	log.Println("  GET    /health                          - Health check")
	log.Println("  GET    /api/v1/rooms                    - Occupied rooms")
	log.Println("  GET    /api/v1/rooms/:room/presence     - Room presence")
	log.Println("  GET    /api/v1/rooms/:room/history      - Recent messages")
	log.Println("")
	log.Printf("WebSocket Endpoint (ws://localhost:%d/ws):", cfg.Port)
	log.Println(`  {"type":"subscribe","room":"Kezan","name":"Alice"}`)
	log.Println(`  {"type":"message","text":"hello"}`)
	log.Println("")
	log.Println("Press Ctrl+C to shutdown gracefully")
}
