package realm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Envelope types.
const (
	TypeSubscribe        = "subscribe"
	TypeMessage          = "message"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeHeartbeat        = "heartbeat"
	TypeSubscribeSuccess = "subscribe_success"
	TypeError            = "error"
	TypeHistory          = "history"
	TypeNewMessage       = "new_message"
	TypeUserCount        = "user_count"
	TypeOnlineUsers      = "online_users"
)

// ClientEnvelope is any message a client sends. Realm and Username are the
// field names older clients use for Room and Name.
type ClientEnvelope struct {
	Type     string `json:"type"`
	Room     string `json:"room,omitempty"`
	Realm    string `json:"realm,omitempty"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text,omitempty"`
}

// RoomName returns the requested room, accepting the legacy field.
func (e ClientEnvelope) RoomName() string {
	if e.Room != "" {
		return e.Room
	}
	return e.Realm
}

// DisplayName returns the requested name, accepting the legacy field.
func (e ClientEnvelope) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Username
}

// DecodeClientEnvelope parses one inbound frame.
func DecodeClientEnvelope(data []byte) (ClientEnvelope, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return ClientEnvelope{}, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return env, nil
}

type typeOnly struct {
	Type string `json:"type"`
}

type subscribeSuccess struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Name string `json:"name"`
}

type errorEnvelope struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Wait    int64  `json:"wait,omitempty"`
}

type historyEnvelope struct {
	Type    string      `json:"type"`
	Entries []ChatEntry `json:"entries"`
}

type newMessageEnvelope struct {
	Type  string    `json:"type"`
	Entry ChatEntry `json:"entry"`
}

type userCountEnvelope struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type onlineUsersEnvelope struct {
	Type  string   `json:"type"`
	Names []string `json:"names"`
}

// The envelopes above only hold strings, numbers, times and slices of them,
// so marshalling cannot fail.
func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("realm: encode %T: %v", v, err))
	}
	return data
}

// EncodeSubscribeSuccess confirms a join or rename with the effective name.
func EncodeSubscribeSuccess(room, name string) []byte {
	return encode(subscribeSuccess{Type: TypeSubscribeSuccess, Room: room, Name: name})
}

// EncodeError builds an error envelope. waitMillis is omitted when zero.
func EncodeError(code, message string, waitMillis int64) []byte {
	return encode(errorEnvelope{Type: TypeError, Code: code, Message: message, Wait: waitMillis})
}

// EncodeErrorFor builds the error envelope for err, including the
// reservation wait for duplicate names.
func EncodeErrorFor(err error) []byte {
	var wait int64
	var ce *ClaimError
	if errors.As(err, &ce) {
		wait = ce.WaitMillis()
	}
	return EncodeError(ErrorCode(err), err.Error(), wait)
}

// EncodeHistory carries the replayed room history, oldest first.
func EncodeHistory(entries []ChatEntry) []byte {
	if entries == nil {
		entries = []ChatEntry{}
	}
	return encode(historyEnvelope{Type: TypeHistory, Entries: entries})
}

// EncodeNewMessage broadcasts one chat entry to a room.
func EncodeNewMessage(entry ChatEntry) []byte {
	return encode(newMessageEnvelope{Type: TypeNewMessage, Entry: entry})
}

// EncodeUserCount reports how many names are present in a room.
func EncodeUserCount(count int) []byte {
	return encode(userCountEnvelope{Type: TypeUserCount, Count: count})
}

// EncodeOnlineUsers lists the names present in a room. A nil list encodes as [].
func EncodeOnlineUsers(names []string) []byte {
	if names == nil {
		names = []string{}
	}
	return encode(onlineUsersEnvelope{Type: TypeOnlineUsers, Names: names})
}

// EncodePong answers an application-level ping.
func EncodePong() []byte {
	return encode(typeOnly{Type: TypePong})
}

// EncodeHeartbeat is the envelope sent alongside each ping control frame.
func EncodeHeartbeat() []byte {
	return encode(typeOnly{Type: TypeHeartbeat})
}
