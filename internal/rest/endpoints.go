package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bridgechat/bridge/internal/store"
)

// MessageResponse is one message as returned by the service.
type MessageResponse struct {
	ID             string     `json:"id"`
	TempID         string     `json:"temp_id,omitempty"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Body           string     `json:"message"`
	Status         string     `json:"status"`
	SendingTime    time.Time  `json:"sending_time"`
	ReceivedTime   *time.Time `json:"received_time"`
	SeenTime       *time.Time `json:"seen_time"`
}

// ToStoreMessage maps the response onto the local cache record.
func (m *MessageResponse) ToStoreMessage() *store.Message {
	return &store.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Status:         m.Status,
		SendingTime:    m.SendingTime.UnixMilli(),
		ReceivedTime:   millisOrZero(m.ReceivedTime),
		SeenTime:       millisOrZero(m.SeenTime),
	}
}

// ConversationResponse is one conversation with its message delta.
type ConversationResponse struct {
	ID               string            `json:"id"`
	Participants     []string          `json:"participants"`
	UnseenMessageIDs []string          `json:"unseen_message_ids"`
	StartDate        time.Time         `json:"start_date"`
	LastMessageDate  time.Time         `json:"last_message_date"`
	Messages         []MessageResponse `json:"messages"`
}

// ToStoreConversation maps the response onto the local cache record. selfID
// picks the other party out of the participant pair.
func (c *ConversationResponse) ToStoreConversation(selfID string) *store.Conversation {
	participant := ""
	for _, id := range c.Participants {
		if id != selfID {
			participant = id
			break
		}
	}
	return &store.Conversation{
		ID:              c.ID,
		Participant:     participant,
		StartDate:       c.StartDate.UnixMilli(),
		LastMessageDate: c.LastMessageDate.UnixMilli(),
	}
}

// FriendResponse is one friend profile as returned by the service.
type FriendResponse struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	FullName       string    `json:"full_name"`
	Bio            string    `json:"bio"`
	Location       string    `json:"location"`
	ProfilePicture string    `json:"profile_picture"`
	BannerPicture  string    `json:"banner_picture"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ToStoreFriend maps the response onto the local cache record.
func (f *FriendResponse) ToStoreFriend() *store.Friend {
	return &store.Friend{
		ID:        f.ID,
		Username:  f.Username,
		Email:     f.Email,
		FullName:  f.FullName,
		Bio:       f.Bio,
		Location:  f.Location,
		AvatarRef: f.ProfilePicture,
		BannerRef: f.BannerPicture,
		UpdatedAt: f.UpdatedAt.UnixMilli(),
	}
}

// FriendRequestResponse is one pending friend request.
type FriendRequestResponse struct {
	ID          string    `json:"id"`
	Message     string    `json:"message"`
	Status      string    `json:"status"`
	CreatedTime time.Time `json:"created_time"`
	User        struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		FullName string `json:"full_name"`
	} `json:"user"`
}

// CallLogResponse is one call-log entry.
type CallLogResponse struct {
	CallID      string     `json:"call_id"`
	CallerID    string     `json:"caller_id"`
	CalleeID    string     `json:"callee_id"`
	CallType    string     `json:"call_type"`
	Status      string     `json:"status"`
	InitiatedAt time.Time  `json:"initiated_at"`
	StartedAt   *time.Time `json:"started_at"`
	EndedAt     time.Time  `json:"ended_at"`
}

// ToStoreRecord maps the response onto the local call-log record.
func (c *CallLogResponse) ToStoreRecord() *store.CallRecord {
	return &store.CallRecord{
		ID:          c.CallID,
		CallerID:    c.CallerID,
		CalleeID:    c.CalleeID,
		CallType:    c.CallType,
		Status:      c.Status,
		InitiatedAt: c.InitiatedAt.UnixMilli(),
		StartedAt:   millisOrZero(c.StartedAt),
		EndedAt:     c.EndedAt.UnixMilli(),
	}
}

// ListConversations pulls conversations updated after the watermark; a zero
// watermark pulls everything.
func (c *Client) ListConversations(ctx context.Context, after time.Time) ([]ConversationResponse, error) {
	query := url.Values{}
	if !after.IsZero() {
		query.Set("after", after.UTC().Format(time.RFC3339))
	}
	var out []ConversationResponse
	if err := c.get(ctx, "conversations/list-conversations", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversationByFriend fetches the conversation shared with a friend.
func (c *Client) GetConversationByFriend(ctx context.Context, friendID string) (*ConversationResponse, error) {
	var out ConversationResponse
	if err := c.get(ctx, "conversations/get-conversation", url.Values{"friend_id": {friendID}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConversationByID fetches a conversation by its id.
func (c *Client) GetConversationByID(ctx context.Context, conversationID string) (*ConversationResponse, error) {
	var out ConversationResponse
	if err := c.get(ctx, "conversations/get-conversation", url.Values{"conversation_id": {conversationID}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFriends pulls friend profiles updated after the watermark; a zero
// watermark pulls the full list.
func (c *Client) ListFriends(ctx context.Context, updateAfter time.Time) ([]FriendResponse, error) {
	query := url.Values{}
	if !updateAfter.IsZero() {
		query.Set("updateAfter", updateAfter.UTC().Format(time.RFC3339))
	}
	var out []FriendResponse
	if err := c.get(ctx, "friends/get-friends", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetFriend fetches one friend profile by id.
func (c *Client) GetFriend(ctx context.Context, id string) (*FriendResponse, error) {
	var out FriendResponse
	if err := c.get(ctx, "friends/get-friend/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PendingFriendRequests fetches requests awaiting an answer.
func (c *Client) PendingFriendRequests(ctx context.Context) ([]FriendRequestResponse, error) {
	var out []FriendRequestResponse
	if err := c.get(ctx, "friends/get-requests", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MessageStatusUpdates pulls status transitions for own messages since the
// watermark.
func (c *Client) MessageStatusUpdates(ctx context.Context, lastUpdated time.Time) ([]MessageResponse, error) {
	query := url.Values{}
	if !lastUpdated.IsZero() {
		query.Set("last_updated", lastUpdated.UTC().Format(time.RFC3339))
	}
	var out struct {
		Updates []MessageResponse `json:"message_status_updates"`
	}
	if err := c.get(ctx, "messages/updated-status", query, &out); err != nil {
		return nil, err
	}
	return out.Updates, nil
}

// OnlineFriends fetches the ids of friends currently connected.
func (c *Client) OnlineFriends(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.get(ctx, "friends/online", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CallLogSince pulls call-log entries that ended after the watermark.
func (c *Client) CallLogSince(ctx context.Context, after time.Time) ([]CallLogResponse, error) {
	query := url.Values{}
	if !after.IsZero() {
		query.Set("date_after", after.UTC().Format(time.RFC3339))
	}
	var out []CallLogResponse
	if err := c.get(ctx, "sync/call-log", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchBlob resolves a media reference to its object URL and downloads the
// blob. This is the whole surface this client uses of the media pipeline.
func (c *Client) FetchBlob(ctx context.Context, key string) ([]byte, error) {
	var objectURL string
	if err := c.get(ctx, "users/download-url", url.Values{"key": {key}}, &objectURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, objectURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blob %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Path: objectURL}
	}
	return io.ReadAll(resp.Body)
}

func millisOrZero(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
