// Package packet defines the JSON wire protocol spoken over the sync socket:
// a thin envelope discriminated by a type tag, carrying one of a closed set
// of sync payloads. Decoding always yields a typed variant or an error,
// never an untyped map.
package packet

import (
	"encoding/json"
	"fmt"
)

// Envelope kinds.
const (
	KindPing    = "ping"
	KindPong    = "pong"
	KindMessage = "message"
)

// Sync payload kinds carried inside a "message" envelope.
const (
	KindOnlineStatus  = "online_status"
	KindMessageStatus = "message_status"
	KindFriendRequest = "friend_request"
	KindAddFriend     = "add_friend"
	KindProfileMedia  = "profile_media"
	KindFriendUpdate  = "friend_update"
	KindChatMessage   = "chat_message"
	KindOffer         = "offer"
	KindAnswer        = "answer"
	KindICECandidate  = "ice-candidate"
	KindStatusUpdate  = "status_update"
	KindHangup        = "user_hangup"
)

// Envelope is the outer frame sent over the socket.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Payload is the closed union of sync payloads. Only types in this package
// implement it.
type Payload interface {
	Kind() string
}

// UnknownKindError is returned when a frame carries a type tag outside the
// recognized set. The transport logs and drops such frames.
type UnknownKindError struct {
	Tag string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown packet kind %q", e.Tag)
}

// DecodeEnvelope parses a raw text frame into an envelope.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type tag")
	}
	return env, nil
}

// DecodePayload parses the data of a "message" envelope into its typed
// variant, discriminated by the inner type tag.
func DecodePayload(data []byte) (Payload, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode payload tag: %w", err)
	}

	var p Payload
	switch tag.Type {
	case KindOnlineStatus:
		p = &OnlineStatus{}
	case KindMessageStatus:
		p = &MessageStatusUpdate{}
	case KindFriendRequest:
		p = &FriendRequest{}
	case KindAddFriend:
		p = &AddFriend{}
	case KindProfileMedia:
		p = &ProfileMedia{}
	case KindFriendUpdate:
		p = &FriendUpdate{}
	case KindChatMessage:
		p = &ChatMessage{}
	case KindOffer:
		p = &Offer{}
	case KindAnswer:
		p = &Answer{}
	case KindICECandidate:
		p = &ICECandidate{}
	case KindStatusUpdate:
		p = &CallStatusUpdate{}
	case KindHangup:
		p = &Hangup{}
	default:
		return nil, &UnknownKindError{Tag: tag.Type}
	}

	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", tag.Type, err)
	}
	return p, nil
}

// EncodeMessage wraps a sync payload into a "message" envelope frame.
func EncodeMessage(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(Envelope{Type: KindMessage, Data: data})
}

// EncodePing builds a heartbeat ping frame.
func EncodePing() []byte {
	return []byte(`{"type":"ping"}`)
}
