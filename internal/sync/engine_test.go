package sync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bridgechat/bridge/internal/bus"
	"github.com/bridgechat/bridge/internal/packet"
	"github.com/bridgechat/bridge/internal/rest"
	"github.com/bridgechat/bridge/internal/store"
	"go.uber.org/zap"
)

const selfID = "me"

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeSender struct {
	mu   sync.Mutex
	sent []packet.Payload
}

func (f *fakeSender) Send(p packet.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeSender) packets() []packet.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]packet.Payload, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeService struct {
	conversations []rest.ConversationResponse
	friends       []rest.FriendResponse
	friendByID    map[string]*rest.FriendResponse
	statusUpdates []rest.MessageResponse
	online        []string
	blobs         map[string][]byte
	pending       []rest.FriendRequestResponse
	convByFriend  map[string]*rest.ConversationResponse

	mu            sync.Mutex
	listConvAfter []time.Time
	byFriendCalls int
}

func (f *fakeService) ListConversations(_ context.Context, after time.Time) ([]rest.ConversationResponse, error) {
	f.mu.Lock()
	f.listConvAfter = append(f.listConvAfter, after)
	f.mu.Unlock()
	return f.conversations, nil
}

func (f *fakeService) GetConversationByID(_ context.Context, id string) (*rest.ConversationResponse, error) {
	for i := range f.conversations {
		if f.conversations[i].ID == id {
			return &f.conversations[i], nil
		}
	}
	return nil, &rest.StatusError{Status: 404, Path: "conversations/get-conversation"}
}

func (f *fakeService) GetConversationByFriend(_ context.Context, friendID string) (*rest.ConversationResponse, error) {
	f.mu.Lock()
	f.byFriendCalls++
	f.mu.Unlock()
	if c, ok := f.convByFriend[friendID]; ok {
		return c, nil
	}
	return nil, &rest.StatusError{Status: 404, Path: "conversations/get-conversation-by-friend/" + friendID}
}

func (f *fakeService) PendingFriendRequests(context.Context) ([]rest.FriendRequestResponse, error) {
	return f.pending, nil
}

func (f *fakeService) ListFriends(context.Context, time.Time) ([]rest.FriendResponse, error) {
	return f.friends, nil
}

func (f *fakeService) GetFriend(_ context.Context, id string) (*rest.FriendResponse, error) {
	if fr, ok := f.friendByID[id]; ok {
		return fr, nil
	}
	return nil, &rest.StatusError{Status: 404, Path: "friends/get-friend/" + id}
}

func (f *fakeService) OnlineFriends(context.Context) ([]string, error) {
	return f.online, nil
}

func (f *fakeService) MessageStatusUpdates(context.Context, time.Time) ([]rest.MessageResponse, error) {
	return f.statusUpdates, nil
}

func (f *fakeService) FetchBlob(_ context.Context, key string) ([]byte, error) {
	if blob, ok := f.blobs[key]; ok {
		return blob, nil
	}
	return nil, &rest.StatusError{Status: 404, Path: key}
}

func testEngine(t *testing.T, svc *fakeService) (*Engine, *store.DB, *fakeSender, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	sender := &fakeSender{}
	b := bus.New()
	e := NewEngine(db, svc, sender, b, selfID, zap.NewNop())
	return e, db, sender, b
}

func TestCatchUpEmptyCache(t *testing.T) {
	sent := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	svc := &fakeService{
		conversations: []rest.ConversationResponse{{
			ID:              "c1",
			Participants:    []string{selfID, "u2"},
			StartDate:       sent.Add(-time.Hour),
			LastMessageDate: sent.Add(time.Minute),
			Messages: []rest.MessageResponse{
				{ID: "m1", ConversationID: "c1", SenderID: "u2", Body: "hey", Status: store.StatusSend, SendingTime: sent},
				{ID: "m2", ConversationID: "c1", SenderID: selfID, Body: "hi back", Status: store.StatusSend, SendingTime: sent.Add(time.Minute)},
			},
		}},
	}
	e, db, sender, _ := testEngine(t, svc)

	if err := e.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Zero watermark on an empty cache.
	if len(svc.listConvAfter) != 1 || !svc.listConvAfter[0].IsZero() {
		t.Errorf("list-conversations watermark = %v, want one zero call", svc.listConvAfter)
	}

	conv, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil || conv.Participant != "u2" {
		t.Fatalf("conversation = %+v, want participant u2", conv)
	}

	// The inbound message flipped to received; our own stayed send.
	m1, _ := db.GetMessage("m1")
	if m1.Status != store.StatusReceived || m1.ReceivedTime == 0 {
		t.Errorf("inbound message = %+v, want received with timestamp", m1)
	}
	m2, _ := db.GetMessage("m2")
	if m2.Status != store.StatusSend {
		t.Errorf("own message status = %q, want send", m2.Status)
	}

	// Exactly one delivery ack naming only the flipped message.
	var acks []*packet.MessageStatusUpdate
	for _, p := range sender.packets() {
		if upd, ok := p.(*packet.MessageStatusUpdate); ok {
			acks = append(acks, upd)
		}
	}
	if len(acks) != 1 {
		t.Fatalf("got %d status packets, want 1", len(acks))
	}
	if acks[0].Status != packet.StatusReceived || len(acks[0].Data) != 1 || acks[0].Data[0].MessageID != "m1" {
		t.Errorf("ack = %+v, want received ack for m1 only", acks[0])
	}
}

func TestCatchUpUsesWatermark(t *testing.T) {
	svc := &fakeService{}
	e, db, _, _ := testEngine(t, svc)

	if err := db.UpsertConversation(&store.Conversation{ID: "c1", Participant: "u2", LastMessageDate: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC).UnixMilli()}); err != nil {
		t.Fatal(err)
	}

	if err := e.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(svc.listConvAfter) != 1 || svc.listConvAfter[0].IsZero() {
		t.Fatalf("watermark not forwarded: %v", svc.listConvAfter)
	}
	want := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if !svc.listConvAfter[0].Equal(want) {
		t.Errorf("watermark = %v, want %v", svc.listConvAfter[0], want)
	}
}

func TestIngestChatMessageReconcilesTemp(t *testing.T) {
	svc := &fakeService{
		conversations: []rest.ConversationResponse{{ID: "c1", Participants: []string{selfID, "u2"}}},
	}
	e, db, _, _ := testEngine(t, svc)

	// Our own queued send under a temp id, plus its staged attachment.
	if err := db.AddMessage(&store.Message{ID: "tmp-1", ConversationID: "c1", SenderID: selfID, Body: "hi", Status: store.StatusSend, SendingTime: 1000, Temp: true}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddTempFile(&store.TempFile{ID: "tmp-1", Name: "a.png", Content: []byte{1}}); err != nil {
		t.Fatal(err)
	}

	// Service echo with the assigned id.
	err := e.ingestChatMessage(&packet.ChatMessage{
		Type:           packet.KindChatMessage,
		ID:             "m10",
		TempID:         "tmp-1",
		ConversationID: "c1",
		SenderID:       selfID,
		Body:           "hi",
		SendingTime:    time.UnixMilli(1000),
		Status:         packet.StatusSend,
	})
	if err != nil {
		t.Fatal(err)
	}

	if m, _ := db.GetMessage("tmp-1"); m != nil {
		t.Error("temp message still cached after reconciliation")
	}
	if f, _ := db.GetTempFile("tmp-1"); f != nil {
		t.Error("temp file still cached after reconciliation")
	}
	if m, _ := db.GetMessage("m10"); m == nil {
		t.Error("reconciled message missing under the assigned id")
	}
}

func TestIngestInboundChatMessageAcks(t *testing.T) {
	svc := &fakeService{
		conversations: []rest.ConversationResponse{{ID: "c1", Participants: []string{selfID, "u2"}}},
	}
	e, db, sender, _ := testEngine(t, svc)

	err := e.ingestChatMessage(&packet.ChatMessage{
		Type:           packet.KindChatMessage,
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u2",
		Body:           "hello",
		SendingTime:    time.Now().UTC(),
		Status:         packet.StatusSend,
	})
	if err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetMessage("m1")
	if m.Status != store.StatusReceived {
		t.Errorf("status = %q, want received", m.Status)
	}

	// Conversation auto-created from the service.
	conv, _ := db.GetConversation("c1")
	if conv == nil || conv.Participant != "u2" {
		t.Errorf("conversation = %+v, want auto-created with u2", conv)
	}

	packets := sender.packets()
	if len(packets) != 1 {
		t.Fatalf("sent %d packets, want 1 ack", len(packets))
	}
	ack, ok := packets[0].(*packet.MessageStatusUpdate)
	if !ok || ack.Status != packet.StatusReceived || ack.Data[0].MessageID != "m1" {
		t.Errorf("ack = %+v, want received ack for m1", packets[0])
	}
}

func TestIngestMalformedChatMessageDropped(t *testing.T) {
	e, db, sender, _ := testEngine(t, &fakeService{})

	if err := e.ingestChatMessage(&packet.ChatMessage{Type: packet.KindChatMessage, Body: "no ids"}); err != nil {
		t.Fatalf("malformed message must be dropped, not fail: %v", err)
	}
	msgs, _ := db.ListMessagesByStatus(store.StatusSend)
	if len(msgs) != 0 {
		t.Error("malformed message was cached")
	}
	if len(sender.packets()) != 0 {
		t.Error("malformed message was acknowledged")
	}
}

func TestStatusBatchSkipsUnknownAndStale(t *testing.T) {
	e, db, _, _ := testEngine(t, &fakeService{})

	if err := db.AddMessage(&store.Message{ID: "m1", ConversationID: "c1", SenderID: selfID, Body: "x", Status: store.StatusSeen, SendingTime: 1000, SeenTime: 5000}); err != nil {
		t.Fatal(err)
	}
	if err := db.AddMessage(&store.Message{ID: "m2", ConversationID: "c1", SenderID: selfID, Body: "y", Status: store.StatusSend, SendingTime: 2000}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	e.applyStatusBatch(packet.NewMessageStatusUpdate(packet.StatusReceived,
		packet.StatusEvent{MessageID: "m1", Timestamp: now},      // stale, already seen
		packet.StatusEvent{MessageID: "missing", Timestamp: now}, // unknown id
		packet.StatusEvent{MessageID: "m2", Timestamp: now},      // advances
	))

	m1, _ := db.GetMessage("m1")
	if m1.Status != store.StatusSeen {
		t.Errorf("m1 regressed to %q", m1.Status)
	}
	m2, _ := db.GetMessage("m2")
	if m2.Status != store.StatusReceived || m2.ReceivedTime == 0 {
		t.Errorf("m2 = %+v, want received", m2)
	}
}

func TestSendTextQueuesTempMessage(t *testing.T) {
	e, db, sender, _ := testEngine(t, &fakeService{})

	m, err := e.SendText("c1", "u2", "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Temp || m.Status != store.StatusSend {
		t.Errorf("queued message = %+v, want temp send", m)
	}

	cached, _ := db.GetMessage(m.ID)
	if cached == nil || !cached.Temp {
		t.Fatalf("temp record not cached: %+v", cached)
	}

	packets := sender.packets()
	if len(packets) != 1 {
		t.Fatalf("sent %d packets, want 1", len(packets))
	}
	out, ok := packets[0].(*packet.ChatMessage)
	if !ok || out.TempID != m.ID || out.Body != "hello there" {
		t.Errorf("outbound packet = %+v", packets[0])
	}
}

func TestSendTextRejectsEmptyBody(t *testing.T) {
	e, _, sender, _ := testEngine(t, &fakeService{})
	if _, err := e.SendText("c1", "u2", ""); err == nil {
		t.Error("empty body must be rejected")
	}
	if len(sender.packets()) != 0 {
		t.Error("empty message was sent")
	}
}

func TestMarkSeen(t *testing.T) {
	e, db, sender, _ := testEngine(t, &fakeService{})

	msgs := []*store.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "u2", Body: "a", Status: store.StatusReceived, SendingTime: 1000},
		{ID: "m2", ConversationID: "c1", SenderID: "u2", Body: "b", Status: store.StatusSeen, SendingTime: 2000, SeenTime: 2500},
		{ID: "m3", ConversationID: "c1", SenderID: selfID, Body: "c", Status: store.StatusReceived, SendingTime: 3000},
	}
	if err := db.BatchUpsertMessages(msgs); err != nil {
		t.Fatal(err)
	}

	if err := e.MarkSeen("c1"); err != nil {
		t.Fatal(err)
	}

	m1, _ := db.GetMessage("m1")
	if m1.Status != store.StatusSeen || m1.SeenTime == 0 {
		t.Errorf("m1 = %+v, want seen", m1)
	}

	// One batch naming only m1: m2 was already seen, m3 is our own.
	packets := sender.packets()
	if len(packets) != 1 {
		t.Fatalf("sent %d packets, want 1", len(packets))
	}
	upd := packets[0].(*packet.MessageStatusUpdate)
	if upd.Status != packet.StatusSeen || len(upd.Data) != 1 || upd.Data[0].MessageID != "m1" {
		t.Errorf("seen batch = %+v, want only m1", upd)
	}
}

func TestMarkSeenNothingUnread(t *testing.T) {
	e, _, sender, _ := testEngine(t, &fakeService{})
	if err := e.MarkSeen("c1"); err != nil {
		t.Fatal(err)
	}
	if len(sender.packets()) != 0 {
		t.Error("seen batch sent for an empty conversation")
	}
}

func TestPullFriendCachesProfileAndMedia(t *testing.T) {
	svc := &fakeService{
		friendByID: map[string]*rest.FriendResponse{
			"u2": {ID: "u2", Username: "alice", FullName: "Alice", ProfilePicture: "avatar-key", UpdatedAt: time.Now().UTC()},
		},
		blobs: map[string][]byte{"avatar-key": []byte("px")},
	}
	e, db, _, _ := testEngine(t, svc)

	if err := e.pullFriend("u2"); err != nil {
		t.Fatal(err)
	}

	f, _ := db.GetFriend("u2")
	if f == nil || f.Username != "alice" {
		t.Fatalf("friend = %+v, want alice", f)
	}
	media, _ := db.GetProfileMedia("u2")
	if media == nil || string(media.Avatar) != "px" {
		t.Errorf("media = %+v, want cached avatar", media)
	}
}

func TestFriendUpdateMergesChangedFields(t *testing.T) {
	e, db, _, _ := testEngine(t, &fakeService{blobs: map[string][]byte{}})

	if err := db.UpsertFriend(&store.Friend{ID: "u2", Username: "alice", FullName: "Alice", Bio: "old"}); err != nil {
		t.Fatal(err)
	}

	bio := "new bio"
	if err := e.applyFriendUpdate(&packet.FriendUpdate{Type: packet.KindFriendUpdate, ID: "u2", Bio: &bio}); err != nil {
		t.Fatal(err)
	}

	f, _ := db.GetFriend("u2")
	if f.Bio != "new bio" {
		t.Errorf("bio = %q, want new bio", f.Bio)
	}
	if f.Username != "alice" || f.FullName != "Alice" {
		t.Errorf("unchanged fields lost: %+v", f)
	}
}

func TestPresenceTracking(t *testing.T) {
	e, _, _, b := testEngine(t, &fakeService{})
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	e.applyPresence(&packet.OnlineStatus{Type: packet.KindOnlineStatus, UserID: "u2", Status: "online"})
	if !e.IsOnline("u2") {
		t.Error("u2 should be online")
	}

	evt := <-ch
	if evt.Kind != "presence.changed" {
		t.Errorf("kind = %q, want presence.changed", evt.Kind)
	}

	e.applyPresence(&packet.OnlineStatus{Type: packet.KindOnlineStatus, UserID: "u2", Status: "offline"})
	if e.IsOnline("u2") {
		t.Error("u2 should be offline")
	}
}

func TestEngineConsumesBusPackets(t *testing.T) {
	svc := &fakeService{
		conversations: []rest.ConversationResponse{{ID: "c1", Participants: []string{selfID, "u2"}}},
	}
	e, db, _, b := testEngine(t, svc)

	e.Start(context.Background())
	defer e.Stop()

	b.Publish(bus.Event{
		Kind:      bus.PacketKind(packet.KindChatMessage),
		Timestamp: time.Now(),
		Payload: &packet.ChatMessage{
			Type:           packet.KindChatMessage,
			ID:             "m1",
			ConversationID: "c1",
			SenderID:       "u2",
			Body:           "via bus",
			SendingTime:    time.Now().UTC(),
			Status:         packet.StatusSend,
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, _ := db.GetMessage("m1"); m != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bus-published message never ingested")
}

func TestConversationWithFriendFetchesOnce(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc := &fakeService{
		convByFriend: map[string]*rest.ConversationResponse{
			"u2": {ID: "c1", Participants: []string{selfID, "u2"}, StartDate: start, LastMessageDate: start},
		},
	}
	e, db, _, _ := testEngine(t, svc)

	conv, err := e.ConversationWithFriend(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != "c1" || conv.Participant != "u2" {
		t.Fatalf("conversation = %+v, want c1 with participant u2", conv)
	}

	cached, err := db.GetConversationByParticipant("u2")
	if err != nil {
		t.Fatal(err)
	}
	if cached == nil || cached.ID != "c1" {
		t.Fatalf("fetched conversation not cached: %+v", cached)
	}

	// Second lookup is served from the cache.
	if _, err := e.ConversationWithFriend(context.Background(), "u2"); err != nil {
		t.Fatal(err)
	}
	if svc.byFriendCalls != 1 {
		t.Errorf("remote lookups = %d, want 1", svc.byFriendCalls)
	}
}

func TestConversationWithFriendUnknown(t *testing.T) {
	e, _, _, _ := testEngine(t, &fakeService{})
	if _, err := e.ConversationWithFriend(context.Background(), "stranger"); err == nil {
		t.Fatal("lookup for unknown friend should fail")
	}
}

func TestCatchUpAnnouncesPendingRequests(t *testing.T) {
	svc := &fakeService{
		pending: []rest.FriendRequestResponse{{
			ID:          "fr1",
			Message:     "hi there",
			Status:      "pending",
			CreatedTime: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		}},
	}
	svc.pending[0].User.ID = "u9"
	svc.pending[0].User.Username = "niner"
	e, _, _, b := testEngine(t, svc)

	ch, unsub := b.Subscribe("friend.", 10)
	defer unsub()

	if err := e.CatchUp(context.Background()); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != "friend.request" {
		t.Fatalf("kind = %q, want friend.request", evt.Kind)
	}
	req, ok := evt.Payload.(*packet.FriendRequest)
	if !ok {
		t.Fatalf("payload type = %T, want *packet.FriendRequest", evt.Payload)
	}
	if req.ID != "fr1" || req.User.ID != "u9" || req.User.Username != "niner" {
		t.Errorf("request = %+v, want fr1 from u9", req)
	}
	if req.Message == nil || *req.Message != "hi there" {
		t.Errorf("request message = %v, want hi there", req.Message)
	}
}
