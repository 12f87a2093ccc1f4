package gateway

import (
	"context"
	"net/url"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/example/realm-chat/domain/realm"
	"github.com/example/realm-chat/modules/identity"
)

const (
	remoteAddrKey       = "remote_addr"
	defaultHistoryLimit = 50
	healthTimeout       = 2 * time.Second
)

// setupRoutes configures all HTTP and WebSocket routes.
func (m *Module) setupRoutes() {
	// Health check
	m.app.Get("/health", m.healthHandler)

	// WebSocket endpoint
	m.app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if m.hub.Closed() {
			return fiber.ErrServiceUnavailable
		}
		// c.IP() aliases the request buffer, which fasthttp reuses.
		c.Locals(remoteAddrKey, utils.CopyString(c.IP()))
		return c.Next()
	})
	m.app.Get("/ws", websocket.New(m.handleWebSocket))

	// REST API v1
	api := m.app.Group("/api/v1")
	api.Get("/rooms", m.listRooms)
	api.Get("/rooms/:room/presence", m.getPresence)
	api.Get("/rooms/:room/history", m.getHistory)
}

// handleWebSocket runs one session for the lifetime of the connection.
func (m *Module) handleWebSocket(c *websocket.Conn) {
	addr, _ := c.Locals(remoteAddrKey).(string)
	if addr == "" {
		addr = c.RemoteAddr().String()
	}
	m.hub.Serve(c, addr)
}

// healthHandler handles GET /health.
func (m *Module) healthHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	stats := m.hub.Stats()
	details := map[string]any{
		"sessions": stats.Sessions,
		"active":   stats.Active,
		"store":    "ok",
	}
	if err := m.hub.history.Ping(ctx); err != nil {
		details["store"] = err.Error()
		return c.Status(fiber.StatusServiceUnavailable).JSON(HealthResponse{
			Status:  "degraded",
			Details: details,
		})
	}
	return c.JSON(HealthResponse{Status: "healthy", Details: details})
}

// listRooms handles GET /api/v1/rooms.
func (m *Module) listRooms(c *fiber.Ctx) error {
	rooms := m.hub.registry.Rooms()
	response := RoomListResponse{
		Rooms: make([]RoomResponse, 0, len(rooms)),
	}
	for _, p := range rooms {
		response.Rooms = append(response.Rooms, roomResponse(p))
	}
	return c.JSON(response)
}

// getPresence handles GET /api/v1/rooms/:room/presence.
func (m *Module) getPresence(c *fiber.Ctx) error {
	room, err := roomParam(c)
	if err != nil {
		return badRoom(c, err)
	}
	return c.JSON(roomResponse(m.hub.registry.Presence(room)))
}

// getHistory handles GET /api/v1/rooms/:room/history.
func (m *Module) getHistory(c *fiber.Ctx) error {
	room, err := roomParam(c)
	if err != nil {
		return badRoom(c, err)
	}

	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   realm.CodeInvalidInput,
			Message: "limit must be positive",
		})
	}

	entries, err := m.historyPort.Recent(c.UserContext(), room, limit)
	if err != nil {
		m.logger.Warn("History request failed", "room", room, "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error:   "store_unavailable",
			Message: "History is temporarily unavailable",
		})
	}
	if entries == nil {
		entries = []realm.ChatEntry{}
	}
	return c.JSON(HistoryResponse{Room: room, Entries: entries})
}

func roomParam(c *fiber.Ctx) (string, error) {
	raw, err := url.PathUnescape(utils.CopyString(c.Params("room")))
	if err != nil {
		return "", realm.ErrInvalidRoom
	}
	return identity.NormalizeRoom(raw)
}

func badRoom(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   realm.CodeInvalidInput,
		Message: err.Error(),
	})
}
