package events

import (
	"time"

	"github.com/go-monolith/mono/pkg/helper"
)

// MessageSentEvent is emitted after a chat message has been broadcast.
type MessageSentEvent struct {
	EntryID   string    `json:"entry_id"`
	Room      string    `json:"room"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Persisted bool      `json:"persisted"`
	Timestamp time.Time `json:"timestamp"`
}

// MemberJoinedEvent is emitted when a session claims a name and joins a room.
type MemberJoinedEvent struct {
	SessionID string    `json:"session_id"`
	Room      string    `json:"room"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Reclaimed bool      `json:"reclaimed"`
	Timestamp time.Time `json:"timestamp"`
}

// MemberLeftEvent is emitted when an active session is torn down.
type MemberLeftEvent struct {
	SessionID string    `json:"session_id"`
	Room      string    `json:"room"`
	Name      string    `json:"name"`
	Reason    string    `json:"reason"`
	ReleaseAt time.Time `json:"release_at"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionReapedEvent is emitted when the liveness monitor closes a session.
type SessionReapedEvent struct {
	SessionID string    `json:"session_id"`
	Room      string    `json:"room,omitempty"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AdmissionRejectedEvent is emitted when a connection is refused at admission.
type AdmissionRejectedEvent struct {
	Address   string    `json:"address"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Event definitions for the realm domain, emitted by the gateway module.
var (
	MessageSentV1 = helper.EventDefinition[MessageSentEvent](
		"gateway",
		"MessageSent",
		"v1",
	)

	MemberJoinedV1 = helper.EventDefinition[MemberJoinedEvent](
		"gateway",
		"MemberJoined",
		"v1",
	)

	MemberLeftV1 = helper.EventDefinition[MemberLeftEvent](
		"gateway",
		"MemberLeft",
		"v1",
	)

	SessionReapedV1 = helper.EventDefinition[SessionReapedEvent](
		"gateway",
		"SessionReaped",
		"v1",
	)

	AdmissionRejectedV1 = helper.EventDefinition[AdmissionRejectedEvent](
		"gateway",
		"AdmissionRejected",
		"v1",
	)
)
