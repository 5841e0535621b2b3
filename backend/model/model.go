package model

import "encoding/json"

// State tracks where a participant is in the matchmaking lifecycle.
type State int

const (
	StateDisconnected State = iota // connected to the server, not in any room or queue
	StateWaiting                   // queued for a random partner, or alone in a code room
	StateInChat                    // paired with a partner
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateInChat:
		return "in_chat"
	default:
		return "disconnected"
	}
}

// Participant is one live connection. PartnerID is set iff State is StateInChat.
type Participant struct {
	ID        string
	State     State
	RoomID    string
	PartnerID string
	Wire      Wire
}

// Origin records how a room came to exist. It is informational only.
type Origin string

const (
	OriginRandom Origin = "random"
	OriginCode   Origin = "code"
)

// Room pairs up to two participants under a shareable code. A code room
// holds one member until somebody joins; a random room is created already full.
type Room struct {
	Code    string
	Members []string
	Origin  Origin
}

func (r *Room) Full() bool {
	return len(r.Members) >= 2
}

func (r *Room) Has(id string) bool {
	for _, m := range r.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Other returns the member that is not id.
func (r *Room) Other(id string) (string, bool) {
	for _, m := range r.Members {
		if m != id {
			return m, true
		}
	}
	return "", false
}

// Inbound event types, as sent by clients.
const (
	EventCreateRoom   = "create-room"
	EventJoinRoom     = "join-room"
	EventFindPartner  = "find-random-partner"
	EventSendMessage  = "send-message"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventLeaveRoom    = "leave-room"
)

// Outbound event types, as emitted by the broker.
const (
	EventRoomCreated    = "room-created"
	EventRoomError      = "room-error"
	EventWaiting        = "waiting"
	EventChatStart      = "chat-start"
	EventInitiator      = "initiator"
	EventPartnerLeft    = "partner-disconnected"
	EventReceiveMessage = "receive-message"
	EventUserCount      = "user-count"
)

// Inbound is the wire envelope for client events. Payload stays raw so
// handshake messages pass through the broker untouched.
type Inbound struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is the wire envelope for server events.
type Outbound struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// ChatPayload carries filtered chat text with a server-side timestamp
// in unix milliseconds.
type ChatPayload struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

const defaultWireBuffer = 32

// Wire is the outbound channel of one connection. The websocket sender
// pump drains TX; the buffer absorbs events emitted before the pump is up.
type Wire struct {
	TX chan Outbound
}

func NewWire() Wire {
	return Wire{TX: make(chan Outbound, defaultWireBuffer)}
}
