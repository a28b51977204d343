package store

// Message delivery statuses. Mirrors the wire values; the store enforces
// that a message's status only ever advances along this order.
const (
	StatusSend     = "send"
	StatusReceived = "received"
	StatusSeen     = "seen"
)

// Call record terminal and in-flight statuses.
const (
	CallCalling  = "calling"
	CallRinging  = "ringing"
	CallAccepted = "accepted"
	CallRejected = "rejected"
	CallMissed   = "missed"
)

// Message is one cached chat message. Times are unix milliseconds; zero
// means unset. Temp marks a local-only record awaiting its server id.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	Status         string
	SendingTime    int64
	ReceivedTime   int64
	SeenTime       int64
	Temp           bool
}

// Conversation is a cached conversation header. The ordered message list is
// a derived projection, not stored here.
type Conversation struct {
	ID              string
	Participant     string
	StartDate       int64
	LastMessageDate int64
}

// Friend is a cached friend profile. AvatarRef/BannerRef point into the
// profile_media blob collection.
type Friend struct {
	ID        string
	Username  string
	Email     string
	FullName  string
	Bio       string
	Location  string
	AvatarRef string
	BannerRef string
	UpdatedAt int64
}

// CallRecord is one entry of the append-only call log. StartedAt is zero for
// calls that never connected.
type CallRecord struct {
	ID          string
	CallerID    string
	CalleeID    string
	CallType    string // "audio" or "video"
	Status      string
	InitiatedAt int64
	StartedAt   int64
	EndedAt     int64
}

// TempFile is a transient blob held while an upload or temp message is in
// flight.
type TempFile struct {
	ID      string
	Name    string
	Content []byte
}

// ProfileMedia caches a user's avatar and banner blobs.
type ProfileMedia struct {
	UserID string
	Avatar []byte
	Banner []byte
}
