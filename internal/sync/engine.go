// Package sync keeps the local cache convergent with the remote service:
// delta catch-up over REST after (re)connect, idempotent ingestion of live
// packets off the bus, and delivery acknowledgements back over the socket.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/bridgechat/bridge/internal/bus"
	"github.com/bridgechat/bridge/internal/packet"
	"github.com/bridgechat/bridge/internal/rest"
	"github.com/bridgechat/bridge/internal/store"
	"go.uber.org/zap"
)

// Sender pushes packets toward the service. Sends while offline are
// buffered by the transport, so callers treat Send as fire-and-forget.
type Sender interface {
	Send(p packet.Payload) error
}

// Service is the REST surface the engine pulls deltas from.
type Service interface {
	ListConversations(ctx context.Context, after time.Time) ([]rest.ConversationResponse, error)
	GetConversationByID(ctx context.Context, conversationID string) (*rest.ConversationResponse, error)
	GetConversationByFriend(ctx context.Context, friendID string) (*rest.ConversationResponse, error)
	ListFriends(ctx context.Context, updateAfter time.Time) ([]rest.FriendResponse, error)
	PendingFriendRequests(ctx context.Context) ([]rest.FriendRequestResponse, error)
	GetFriend(ctx context.Context, id string) (*rest.FriendResponse, error)
	OnlineFriends(ctx context.Context) ([]string, error)
	MessageStatusUpdates(ctx context.Context, lastUpdated time.Time) ([]rest.MessageResponse, error)
	FetchBlob(ctx context.Context, key string) ([]byte, error)
}

// Engine handles idempotent ingestion of sync packets into the store and
// the REST catch-up that runs after every (re)connect.
type Engine struct {
	db     *store.DB
	svc    Service
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
	cancel context.CancelFunc

	mu     sync.Mutex
	online map[string]bool
}

// NewEngine creates a sync engine for the given local user.
func NewEngine(db *store.DB, svc Service, sender Sender, b *bus.Bus, selfID string, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		svc:    svc,
		sender: sender,
		bus:    b,
		logger: logger,
		selfID: selfID,
		online: make(map[string]bool),
	}
}

// Start subscribes to inbound sync packets on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("packet.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// IsOnline reports the last known presence of a friend.
func (e *Engine) IsOnline(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online[userID]
}

// OnlineFriends returns the ids of all friends currently seen online.
func (e *Engine) OnlineFriends() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.online))
	for id, on := range e.online {
		if on {
			ids = append(ids, id)
		}
	}
	return ids
}

// handleEvent routes one bus event to its ingestion handler. Signaling
// packets are not ours; the call session consumes those.
func (e *Engine) handleEvent(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case *packet.ChatMessage:
		if err := e.ingestChatMessage(p); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", p.ID))
		}
	case *packet.MessageStatusUpdate:
		e.applyStatusBatch(p)
	case *packet.OnlineStatus:
		e.applyPresence(p)
	case *packet.FriendRequest:
		e.announceFriendRequest(p)
	case *packet.AddFriend:
		if err := e.pullFriend(p.FriendID); err != nil {
			e.logger.Error("failed to pull new friend", zap.Error(err), zap.String("friend_id", p.FriendID))
		}
	case *packet.FriendUpdate:
		if err := e.applyFriendUpdate(p); err != nil {
			e.logger.Error("failed to apply friend update", zap.Error(err), zap.String("friend_id", p.ID))
		}
	case *packet.ProfileMedia:
		if err := e.cacheProfileMedia(p); err != nil {
			e.logger.Error("failed to cache profile media", zap.Error(err), zap.String("user_id", p.UserID))
		}
	}
}
