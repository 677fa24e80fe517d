package channel

import "encoding/json"

// Wire event names. Join and leave are client intents; the rest are pushed
// by the realtime server.
const (
	EventJoinRoom  = "join_room"
	EventLeaveRoom = "leave_room"

	// EventAuthError is pushed when the server decides mid-connection that
	// the credential used at handshake is no longer valid. Treated exactly
	// like a handshake rejection.
	EventAuthError = "auth_error"

	EventDebateStateChanged = "debate_state_changed"
	EventParticipantJoined  = "participant_joined"
	EventParticipantLeft    = "participant_left"
	EventDebateEnded        = "debate_ended"
)

// Event is a single frame on the realtime connection. Data is left raw:
// the debate domain payloads are opaque to the session layer.
type Event struct {
	Name string          `json:"event"`
	Room string          `json:"room,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}
