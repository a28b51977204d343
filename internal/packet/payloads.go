package packet

import "time"

// MessageStatus is the delivery state of a chat message. It only ever
// advances: send -> received -> seen.
type MessageStatus string

const (
	StatusSend     MessageStatus = "send"
	StatusReceived MessageStatus = "received"
	StatusSeen     MessageStatus = "seen"
)

// Rank orders statuses so that comparisons never depend on arrival order.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSend:
		return 1
	case StatusReceived:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// HangupReason explains why a call ended.
type HangupReason string

const (
	ReasonHangUp       HangupReason = "hang_up"
	ReasonRejected     HangupReason = "rejected"
	ReasonMissed       HangupReason = "missed"
	ReasonNetworkError HangupReason = "network_error"
	ReasonBusy         HangupReason = "busy"
	ReasonTimeout      HangupReason = "timeout"
)

// OnlineStatus announces a friend going online or offline.
type OnlineStatus struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Status string `json:"status"` // "online" or "offline"
}

func (*OnlineStatus) Kind() string { return KindOnlineStatus }

// StatusEvent is one entry of a message-status batch.
type StatusEvent struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageStatusUpdate carries a batch of per-message status transitions,
// all to the same target status.
type MessageStatusUpdate struct {
	Type   string        `json:"type"`
	Data   []StatusEvent `json:"data"`
	Status MessageStatus `json:"status"`
}

func (*MessageStatusUpdate) Kind() string { return KindMessageStatus }

// NewMessageStatusUpdate builds an outbound status batch.
func NewMessageStatusUpdate(status MessageStatus, events ...StatusEvent) *MessageStatusUpdate {
	return &MessageStatusUpdate{Type: KindMessageStatus, Data: events, Status: status}
}

// UserBrief is the sender summary attached to friend requests.
type UserBrief struct {
	ID             string  `json:"id"`
	Username       string  `json:"username"`
	FullName       string  `json:"full_name"`
	Bio            *string `json:"bio"`
	ProfilePicture *string `json:"profile_picture"`
}

// FriendRequest announces a pending friend request.
type FriendRequest struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	User        UserBrief `json:"user"`
	Message     *string   `json:"message"`
	Status      string    `json:"status"`
	CreatedTime time.Time `json:"created_time"`
}

func (*FriendRequest) Kind() string { return KindFriendRequest }

// AddFriend announces that a request was accepted and a friend document
// exists to be pulled.
type AddFriend struct {
	Type     string `json:"type"`
	FriendID string `json:"friend_id"`
}

func (*AddFriend) Kind() string { return KindAddFriend }

// ProfileMedia announces new media for the user's own profile.
type ProfileMedia struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	MediaType string `json:"media_type"` // "profile_picture" or "banner_picture"
	MediaID   string `json:"media_id"`
}

func (*ProfileMedia) Kind() string { return KindProfileMedia }

// FriendUpdate carries changed profile fields for a friend. Nil fields were
// not changed.
type FriendUpdate struct {
	Type           string  `json:"type"`
	ID             string  `json:"id"`
	FullName       *string `json:"full_name"`
	Bio            *string `json:"bio"`
	Location       *string `json:"location"`
	ProfilePicture *string `json:"profile_picture"`
	BannerPicture  *string `json:"banner_picture"`
}

func (*FriendUpdate) Kind() string { return KindFriendUpdate }

// ChatMessage is a live inbound chat message.
type ChatMessage struct {
	Type           string        `json:"type"`
	ID             string        `json:"id"`
	TempID         string        `json:"temp_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	ReceiverID     string        `json:"receiver_id,omitempty"`
	Body           string        `json:"message"`
	SendingTime    time.Time     `json:"sending_time"`
	ReceivedTime   *time.Time    `json:"received_time"`
	SeenTime       *time.Time    `json:"seen_time"`
	Status         MessageStatus `json:"status"`
}

func (*ChatMessage) Kind() string { return KindChatMessage }

// SessionDescription is an SDP description exchanged during call setup.
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Offer initiates a call. CallID is nil on the caller's first send; the
// service assigns one and echoes it in the first status_update.
type Offer struct {
	Type        string             `json:"type"`
	CallID      *string            `json:"call_id"`
	SenderID    string             `json:"sender_id"`
	ReceiverID  string             `json:"receiver_id"`
	Description SessionDescription `json:"description"`
	Audio       bool               `json:"audio"`
	Video       bool               `json:"video"`
	Timestamp   time.Time          `json:"timestamp"`
}

func (*Offer) Kind() string { return KindOffer }

// Answer accepts a call.
type Answer struct {
	Type        string             `json:"type"`
	CallID      string             `json:"call_id"`
	SenderID    string             `json:"sender_id"`
	ReceiverID  string             `json:"receiver_id"`
	Description SessionDescription `json:"description"`
	Audio       bool               `json:"audio"`
	Video       bool               `json:"video"`
	Timestamp   time.Time          `json:"timestamp"`
}

func (*Answer) Kind() string { return KindAnswer }

// Candidate is an ICE candidate init blob.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ICECandidate relays one ICE candidate to the remote peer.
type ICECandidate struct {
	Type       string    `json:"type"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Candidate  Candidate `json:"candidate"`
	Timestamp  time.Time `json:"timestamp"`
}

func (*ICECandidate) Kind() string { return KindICECandidate }

// CallStatusUpdate reports call progress from the signaling service.
type CallStatusUpdate struct {
	Type      string    `json:"type"`
	CallID    string    `json:"call_id"`
	Status    string    `json:"status"` // "calling", "ringing" or "accepted"
	Timestamp time.Time `json:"timestamp"`
}

func (*CallStatusUpdate) Kind() string { return KindStatusUpdate }

// Hangup terminates a call. EndedAt is nil when sent by a client; the
// service stamps it on the echo.
type Hangup struct {
	Type    string       `json:"type"`
	CallID  string       `json:"call_id"`
	EndedAt *time.Time   `json:"ended_at"`
	EndedBy string       `json:"ended_by"`
	Reason  HangupReason `json:"reason"`
}

func (*Hangup) Kind() string { return KindHangup }
