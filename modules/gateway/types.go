package gateway

import "github.com/example/realm-chat/domain/realm"

// RoomResponse is the API response for one room's presence.
type RoomResponse struct {
	Room  string   `json:"room"`
	Count int      `json:"count"`
	Names []string `json:"names"`
}

// RoomListResponse is the API response for listing occupied rooms.
type RoomListResponse struct {
	Rooms []RoomResponse `json:"rooms"`
}

// HistoryResponse is the API response for a room's recent entries.
type HistoryResponse struct {
	Room    string            `json:"room"`
	Entries []realm.ChatEntry `json:"entries"`
}

// ErrorResponse is the API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the API health check response.
type HealthResponse struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

func roomResponse(p realm.Presence) RoomResponse {
	names := p.Names
	if names == nil {
		names = []string{}
	}
	return RoomResponse{Room: p.Room, Count: p.Count, Names: names}
}
