package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/bridgechat/bridge/internal/bus"
	"github.com/bridgechat/bridge/internal/packet"
	"github.com/bridgechat/bridge/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendText queues an outgoing message: a temp record under a local id goes
// into the cache immediately, the packet goes to the transport (which
// buffers it while offline). The temp record is replaced when the service
// echo carries the assigned id.
func (e *Engine) SendText(conversationID, receiverID, body string) (*store.Message, error) {
	if body == "" {
		return nil, fmt.Errorf("empty message body")
	}

	now := time.Now().UTC()
	tempID := uuid.NewString()
	m := &store.Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       e.selfID,
		Body:           body,
		Status:         store.StatusSend,
		SendingTime:    now.UnixMilli(),
		Temp:           true,
	}
	if err := e.db.AddMessage(m); err != nil {
		return nil, fmt.Errorf("cache outgoing message: %w", err)
	}

	if err := e.sender.Send(&packet.ChatMessage{
		Type:           packet.KindChatMessage,
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       e.selfID,
		ReceiverID:     receiverID,
		Body:           body,
		SendingTime:    now,
		Status:         packet.StatusSend,
	}); err != nil {
		e.logger.Warn("failed to push outgoing message", zap.Error(err), zap.String("temp_id", tempID))
	}

	e.bus.Publish(bus.Event{
		Kind:      "message.queued",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
			"temp_id":         tempID,
		},
	})
	return m, nil
}

// ConversationWithFriend resolves the conversation shared with a friend,
// from the cache when present, otherwise from the service. The fetched
// header is cached so the next lookup is local.
func (e *Engine) ConversationWithFriend(ctx context.Context, friendID string) (*store.Conversation, error) {
	cached, err := e.db.GetConversationByParticipant(friendID)
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if cached != nil {
		return cached, nil
	}

	remote, err := e.svc.GetConversationByFriend(ctx, friendID)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation for friend %s: %w", friendID, err)
	}
	conv := remote.ToStoreConversation(e.selfID)
	if err := e.db.UpsertConversation(conv); err != nil {
		return nil, fmt.Errorf("cache conversation: %w", err)
	}
	return conv, nil
}

// MarkSeen marks every unread inbound message of a conversation as seen,
// locally first and then in one status batch to the service. Messages
// already seen are skipped.
func (e *Engine) MarkSeen(conversationID string) error {
	msgs, err := e.db.ListMessagesByConversation(conversationID, false, 0)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	now := time.Now().UTC()
	var seen []packet.StatusEvent
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == e.selfID || m.Status == store.StatusSeen {
			continue
		}
		m.Status = store.StatusSeen
		m.SeenTime = now.UnixMilli()
		if err := e.db.UpsertMessage(m); err != nil {
			e.logger.Error("failed to mark message seen", zap.Error(err), zap.String("msg_id", m.ID))
			continue
		}
		seen = append(seen, packet.StatusEvent{MessageID: m.ID, Timestamp: now})
	}

	if len(seen) == 0 {
		return nil
	}
	if err := e.sender.Send(packet.NewMessageStatusUpdate(packet.StatusSeen, seen...)); err != nil {
		e.logger.Warn("failed to push seen batch", zap.Error(err), zap.String("conversation_id", conversationID))
	}

	e.bus.Publish(bus.Event{
		Kind:      "conversation.seen",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
		},
	})
	return nil
}
