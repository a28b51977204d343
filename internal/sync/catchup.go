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

// CatchUp pulls everything missed while offline: the conversation delta
// since the newest cached message, message statuses that advanced, friend
// profile changes and current presence. Each phase is isolated; a failed
// phase is logged and the rest still run.
func (e *Engine) CatchUp(ctx context.Context) error {
	if err := e.catchUpConversations(ctx); err != nil {
		return fmt.Errorf("conversation catch-up: %w", err)
	}
	if err := e.SyncMessageStatus(ctx); err != nil {
		e.logger.Error("message status catch-up failed", zap.Error(err))
	}
	if err := e.SyncFriends(ctx); err != nil {
		e.logger.Error("friends catch-up failed", zap.Error(err))
	}
	if err := e.refreshPresence(ctx); err != nil {
		e.logger.Warn("presence refresh failed", zap.Error(err))
	}
	if err := e.announcePendingRequests(ctx); err != nil {
		e.logger.Warn("pending friend requests fetch failed", zap.Error(err))
	}

	e.bus.Publish(bus.Event{Kind: "sync.caught_up", Timestamp: time.Now()})
	return nil
}

// catchUpConversations pulls conversations whose messages advanced past the
// local watermark, persists the delta and acknowledges freshly delivered
// inbound messages with one status batch per conversation.
func (e *Engine) catchUpConversations(ctx context.Context) error {
	watermark, err := e.db.LastMessageDate()
	if err != nil {
		return fmt.Errorf("read message watermark: %w", err)
	}
	var after time.Time
	if watermark > 0 {
		after = time.UnixMilli(watermark).UTC()
	}

	convs, err := e.svc.ListConversations(ctx, after)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	now := time.Now().UTC()
	total := 0
	for i := range convs {
		conv := &convs[i]
		if err := e.db.UpsertConversation(conv.ToStoreConversation(e.selfID)); err != nil {
			e.logger.Error("failed to upsert conversation", zap.Error(err), zap.String("conversation_id", conv.ID))
			continue
		}

		msgs := make([]*store.Message, 0, len(conv.Messages))
		var delivered []packet.StatusEvent
		for j := range conv.Messages {
			m := conv.Messages[j].ToStoreMessage()
			if m.SenderID != e.selfID && m.Status == store.StatusSend {
				m.Status = store.StatusReceived
				m.ReceivedTime = now.UnixMilli()
				delivered = append(delivered, packet.StatusEvent{MessageID: m.ID, Timestamp: now})
			}
			msgs = append(msgs, m)
		}

		if err := e.db.BatchUpsertMessages(msgs); err != nil {
			e.logger.Warn("message batch applied with failures",
				zap.Error(err), zap.String("conversation_id", conv.ID))
		}
		total += len(msgs)

		if len(delivered) > 0 {
			if err := e.sender.Send(packet.NewMessageStatusUpdate(packet.StatusReceived, delivered...)); err != nil {
				e.logger.Warn("failed to acknowledge delivery batch",
					zap.Error(err), zap.String("conversation_id", conv.ID))
			}
		}
	}

	e.logger.Info("conversations caught up",
		zap.Int("conversations", len(convs)),
		zap.Int("messages", total))
	return nil
}

// SyncMessageStatus pulls status transitions applied on the service since
// the last run. Regressions are rejected by the store, so replays are safe.
func (e *Engine) SyncMessageStatus(ctx context.Context) error {
	after, err := e.checkpoint(store.StateStatusUpdatedAfter)
	if err != nil {
		return err
	}

	updates, err := e.svc.MessageStatusUpdates(ctx, after)
	if err != nil {
		return fmt.Errorf("fetch status updates: %w", err)
	}
	for i := range updates {
		u := &updates[i]
		at := u.SendingTime
		if u.SeenTime != nil {
			at = *u.SeenTime
		} else if u.ReceivedTime != nil {
			at = *u.ReceivedTime
		}
		if err := e.applyStatus(u.ID, packet.MessageStatus(u.Status), at); err != nil {
			e.logger.Error("failed to apply status update", zap.Error(err), zap.String("msg_id", u.ID))
		}
	}

	return e.setCheckpoint(store.StateStatusUpdatedAfter, time.Now().UTC())
}

// SyncFriends pulls friend profiles changed since the last run and refreshes
// their cached media.
func (e *Engine) SyncFriends(ctx context.Context) error {
	after, err := e.checkpoint(store.StateFriendsUpdatedAfter)
	if err != nil {
		return err
	}

	remote, err := e.svc.ListFriends(ctx, after)
	if err != nil {
		return fmt.Errorf("list friends: %w", err)
	}
	if len(remote) > 0 {
		friends := make([]*store.Friend, len(remote))
		for i := range remote {
			friends[i] = remote[i].ToStoreFriend()
		}
		if err := e.db.BatchUpsertFriends(friends); err != nil {
			e.logger.Warn("friend batch applied with failures", zap.Error(err))
		}
		for _, f := range friends {
			e.cacheFriendBlobs(ctx, f)
		}
	}

	e.logger.Info("friends synced", zap.Int("updated", len(remote)))
	return e.setCheckpoint(store.StateFriendsUpdatedAfter, time.Now().UTC())
}

// refreshPresence replaces the in-memory presence map with the service's
// current view.
func (e *Engine) refreshPresence(ctx context.Context) error {
	ids, err := e.svc.OnlineFriends(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.online = make(map[string]bool, len(ids))
	for _, id := range ids {
		e.online[id] = true
	}
	e.mu.Unlock()
	return nil
}

// announcePendingRequests surfaces requests that arrived while offline the
// same way live ones are surfaced. Requests live on the service until
// answered, so replays are harmless.
func (e *Engine) announcePendingRequests(ctx context.Context) error {
	pending, err := e.svc.PendingFriendRequests(ctx)
	if err != nil {
		return err
	}
	for i := range pending {
		r := &pending[i]
		req := &packet.FriendRequest{
			Type:        packet.KindFriendRequest,
			ID:          r.ID,
			Status:      r.Status,
			CreatedTime: r.CreatedTime,
			User: packet.UserBrief{
				ID:       r.User.ID,
				Username: r.User.Username,
				FullName: r.User.FullName,
			},
		}
		if r.Message != "" {
			req.Message = &r.Message
		}
		e.announceFriendRequest(req)
	}
	return nil
}

func (e *Engine) checkpoint(key string) (time.Time, error) {
	raw, err := e.db.GetSyncState(key)
	if err != nil {
		return time.Time{}, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		e.logger.Warn("discarding malformed checkpoint", zap.String("key", key), zap.String("value", raw))
		return time.Time{}, nil
	}
	return t, nil
}

func (e *Engine) setCheckpoint(key string, t time.Time) error {
	if err := e.db.SetSyncState(key, t.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", key, err)
	}
	return nil
}
