package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/bridgechat/bridge/internal/bus"
	"github.com/bridgechat/bridge/internal/packet"
	"github.com/bridgechat/bridge/internal/store"
	"go.uber.org/zap"
)

// ingestChatMessage persists a live inbound message, reconciles any temp
// record it supersedes, makes sure its conversation exists locally and
// acknowledges delivery.
func (e *Engine) ingestChatMessage(p *packet.ChatMessage) error {
	if p.ID == "" || p.ConversationID == "" || p.SenderID == "" {
		e.logger.Warn("dropping malformed chat message",
			zap.String("msg_id", p.ID),
			zap.String("conversation_id", p.ConversationID))
		return nil
	}

	now := time.Now().UTC()
	inbound := p.SenderID != e.selfID

	m := &store.Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Body:           p.Body,
		Status:         string(p.Status),
		SendingTime:    p.SendingTime.UnixMilli(),
		ReceivedTime:   millisOrZero(p.ReceivedTime),
		SeenTime:       millisOrZero(p.SeenTime),
	}
	if inbound && m.Status == store.StatusSend {
		m.Status = store.StatusReceived
		m.ReceivedTime = now.UnixMilli()
	}

	if err := e.db.UpsertMessage(m); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	if err := e.ensureConversation(p.ConversationID, p.SenderID, m.SendingTime); err != nil {
		return err
	}

	// A server-assigned id supersedes the temp record of our own send.
	if p.TempID != "" {
		if err := e.db.DeleteMessage(p.TempID); err != nil {
			e.logger.Warn("failed to drop temp message", zap.Error(err), zap.String("temp_id", p.TempID))
		}
		if err := e.db.DeleteTempFile(p.TempID); err != nil {
			e.logger.Warn("failed to drop temp file", zap.Error(err), zap.String("temp_id", p.TempID))
		}
	}

	if inbound {
		if err := e.sender.Send(packet.NewMessageStatusUpdate(packet.StatusReceived,
			packet.StatusEvent{MessageID: p.ID, Timestamp: now})); err != nil {
			e.logger.Warn("failed to acknowledge message", zap.Error(err), zap.String("msg_id", p.ID))
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": p.ConversationID,
			"msg_id":          p.ID,
		},
	})
	return nil
}

// ensureConversation makes the message's conversation visible locally,
// pulling it from the service when it is not cached yet. When the pull
// fails a minimal header is written so the message is not orphaned.
func (e *Engine) ensureConversation(conversationID, senderID string, sendingTime int64) error {
	cached, err := e.db.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("lookup conversation: %w", err)
	}
	if cached != nil {
		return e.db.UpsertConversation(&store.Conversation{
			ID:              conversationID,
			Participant:     cached.Participant,
			StartDate:       cached.StartDate,
			LastMessageDate: sendingTime,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	remote, err := e.svc.GetConversationByID(ctx, conversationID)
	if err != nil || remote == nil {
		e.logger.Warn("failed to pull conversation, caching header only",
			zap.Error(err), zap.String("conversation_id", conversationID))
		return e.db.UpsertConversation(&store.Conversation{
			ID:              conversationID,
			Participant:     senderID,
			StartDate:       sendingTime,
			LastMessageDate: sendingTime,
		})
	}
	return e.db.UpsertConversation(remote.ToStoreConversation(e.selfID))
}

// applyStatusBatch applies one status packet to every message it names.
// Unknown ids and per-message failures are logged and skipped, never
// blocking the rest of the batch.
func (e *Engine) applyStatusBatch(p *packet.MessageStatusUpdate) {
	for _, ev := range p.Data {
		if err := e.applyStatus(ev.MessageID, p.Status, ev.Timestamp); err != nil {
			e.logger.Error("failed to apply status update",
				zap.Error(err),
				zap.String("msg_id", ev.MessageID),
				zap.String("status", string(p.Status)))
		}
	}
}

func (e *Engine) applyStatus(messageID string, status packet.MessageStatus, at time.Time) error {
	m, err := e.db.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}
	if m == nil {
		e.logger.Warn("status update for unknown message", zap.String("msg_id", messageID))
		return nil
	}
	if status.Rank() <= packet.MessageStatus(m.Status).Rank() {
		return nil
	}

	m.Status = string(status)
	switch status {
	case packet.StatusReceived:
		m.ReceivedTime = at.UnixMilli()
	case packet.StatusSeen:
		m.SeenTime = at.UnixMilli()
	}
	if err := e.db.UpsertMessage(m); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.bus.Publish(bus.Event{
		Kind:      "message.status",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": m.ConversationID,
			"msg_id":          messageID,
			"status":          string(status),
		},
	})
	return nil
}

func (e *Engine) applyPresence(p *packet.OnlineStatus) {
	on := p.Status == "online"
	e.mu.Lock()
	e.online[p.UserID] = on
	e.mu.Unlock()

	e.bus.Publish(bus.Event{
		Kind:      "presence.changed",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"user_id": p.UserID,
			"status":  p.Status,
		},
	})
}

// announceFriendRequest surfaces a pending request to consumers. Requests
// live on the service until answered; nothing is cached locally.
func (e *Engine) announceFriendRequest(p *packet.FriendRequest) {
	e.bus.Publish(bus.Event{
		Kind:      "friend.request",
		Timestamp: time.Now(),
		Payload:   p,
	})
}

// pullFriend fetches a newly accepted friend's profile and caches it.
func (e *Engine) pullFriend(friendID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	remote, err := e.svc.GetFriend(ctx, friendID)
	if err != nil {
		return fmt.Errorf("fetch friend: %w", err)
	}
	f := remote.ToStoreFriend()
	if err := e.db.UpsertFriend(f); err != nil {
		return fmt.Errorf("upsert friend: %w", err)
	}
	e.cacheFriendBlobs(ctx, f)

	e.bus.Publish(bus.Event{
		Kind:      "friend.added",
		Timestamp: time.Now(),
		Payload:   map[string]string{"friend_id": friendID},
	})
	return nil
}

// applyFriendUpdate merges changed profile fields into the cached friend.
// Nil fields were not changed; the store keeps the cached value for empty
// columns, so only set fields are written through.
func (e *Engine) applyFriendUpdate(p *packet.FriendUpdate) error {
	f := &store.Friend{
		ID:        p.ID,
		FullName:  deref(p.FullName),
		Bio:       deref(p.Bio),
		Location:  deref(p.Location),
		AvatarRef: deref(p.ProfilePicture),
		BannerRef: deref(p.BannerPicture),
		UpdatedAt: time.Now().UnixMilli(),
	}
	if err := e.db.UpsertFriend(f); err != nil {
		return fmt.Errorf("upsert friend: %w", err)
	}

	if p.ProfilePicture != nil || p.BannerPicture != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.cacheFriendBlobs(ctx, f)
	}

	e.bus.Publish(bus.Event{
		Kind:      "friend.updated",
		Timestamp: time.Now(),
		Payload:   map[string]string{"friend_id": p.ID},
	})
	return nil
}

// cacheProfileMedia downloads freshly announced media for a user.
func (e *Engine) cacheProfileMedia(p *packet.ProfileMedia) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	blob, err := e.svc.FetchBlob(ctx, p.MediaID)
	if err != nil {
		return fmt.Errorf("fetch media blob: %w", err)
	}

	media := &store.ProfileMedia{UserID: p.UserID}
	switch p.MediaType {
	case "banner_picture":
		media.Banner = blob
	default:
		media.Avatar = blob
	}
	if err := e.db.UpsertProfileMedia(media); err != nil {
		return fmt.Errorf("cache media blob: %w", err)
	}
	return nil
}

// cacheFriendBlobs best-effort downloads a friend's avatar and banner. A
// failed download leaves the cached blob in place.
func (e *Engine) cacheFriendBlobs(ctx context.Context, f *store.Friend) {
	media := &store.ProfileMedia{UserID: f.ID}
	fetched := false

	if f.AvatarRef != "" {
		blob, err := e.svc.FetchBlob(ctx, f.AvatarRef)
		if err != nil {
			e.logger.Warn("failed to fetch avatar", zap.Error(err), zap.String("friend_id", f.ID))
		} else {
			media.Avatar = blob
			fetched = true
		}
	}
	if f.BannerRef != "" {
		blob, err := e.svc.FetchBlob(ctx, f.BannerRef)
		if err != nil {
			e.logger.Warn("failed to fetch banner", zap.Error(err), zap.String("friend_id", f.ID))
		} else {
			media.Banner = blob
			fetched = true
		}
	}

	if !fetched {
		return
	}
	if err := e.db.UpsertProfileMedia(media); err != nil {
		e.logger.Warn("failed to cache profile media", zap.Error(err), zap.String("friend_id", f.ID))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func millisOrZero(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
