// Package call drives the peer-to-peer call signaling state machine:
// offer/answer/ICE exchange over the transport, terminal call-record
// persistence, and call-log sync against the remote service.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bridgechat/bridge/internal/bus"
	"github.com/bridgechat/bridge/internal/packet"
	"github.com/bridgechat/bridge/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRingTimeout bounds how long an unanswered outgoing call may sit in
// calling/ringing before it is hung up locally as missed.
const DefaultRingTimeout = 60 * time.Second

// State is the transient in-flight call. It is a snapshot; mutation happens
// only through the session's operations.
type State struct {
	CallID      string
	CallerID    string
	CalleeID    string
	Muted       bool
	CameraOn    bool
	Stage       Stage
	InitiatedAt time.Time
	StartedAt   time.Time
	Offer       *packet.SessionDescription // stashed remote offer while incoming
}

// Session is the call state machine. Exactly one call may be active at a
// time; a second initiation fails until the first reaches idle.
type Session struct {
	db      *store.DB
	sender  Sender
	bus     *bus.Bus
	peers   PeerFactory
	devices MediaDevices
	logger  *zap.Logger
	selfID  string

	ringTimeout time.Duration
	cancel      context.CancelFunc

	mu        sync.Mutex
	stage     Stage
	state     State
	pc        PeerConnection
	stream    MediaStream
	ringTimer *time.Timer
	records   []store.CallRecord // in-memory log projection, newest first
}

// NewSession creates a call session for the given local user.
func NewSession(db *store.DB, sender Sender, b *bus.Bus, peers PeerFactory, devices MediaDevices, selfID string, logger *zap.Logger) *Session {
	return &Session{
		db:          db,
		sender:      sender,
		bus:         b,
		peers:       peers,
		devices:     devices,
		selfID:      selfID,
		logger:      logger,
		ringTimeout: DefaultRingTimeout,
		stage:       StageIdle,
	}
}

// SetRingTimeout overrides the unanswered-call timeout.
func (s *Session) SetRingTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ringTimeout = d
}

// Start subscribes to signaling packets on the bus.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.SubscribeKinds(64,
		bus.PacketKind(packet.KindOffer),
		bus.PacketKind(packet.KindAnswer),
		bus.PacketKind(packet.KindICECandidate),
		bus.PacketKind(packet.KindStatusUpdate),
		bus.PacketKind(packet.KindHangup),
	)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				s.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop unsubscribes and tears down any in-flight call.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage.Active() {
		s.releaseLocked()
		s.stage = StageIdle
	}
}

// Stage returns the current negotiation stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// CurrentState returns a snapshot of the in-flight call, or nil when idle.
func (s *Session) CurrentState() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stage.Active() {
		return nil
	}
	st := s.state
	st.Stage = s.stage
	return &st
}

// Records returns the in-memory call log, most recently ended first.
func (s *Session) Records() []store.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CallRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Session) handleEvent(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case *packet.Offer:
		s.handleOffer(p)
	case *packet.Answer:
		s.handleAnswer(p)
	case *packet.ICECandidate:
		s.handleCandidate(p)
	case *packet.CallStatusUpdate:
		s.handleStatusUpdate(p)
	case *packet.Hangup:
		s.handleHangup(p)
	}
}

// MakeCall initiates an outgoing call: peer connection, local media, SDP
// offer. Media acquisition failure aborts the attempt and releases the
// partially created peer connection.
func (s *Session) MakeCall(ctx context.Context, receiverID string, video bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage.Active() {
		return fmt.Errorf("call already in progress (stage %s)", s.stage)
	}
	if err := s.transitionLocked(StageCalling); err != nil {
		return err
	}

	s.state = State{
		CallerID: s.selfID,
		CalleeID: receiverID,
		CameraOn: video,
	}

	if err := s.setupPeerLocked(ctx, receiverID, video); err != nil {
		s.stage = StageIdle
		s.state = State{}
		return err
	}

	offer, err := s.pc.CreateOffer(ctx)
	if err != nil {
		s.releaseLocked()
		s.stage = StageIdle
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.releaseLocked()
		s.stage = StageIdle
		return fmt.Errorf("set local description: %w", err)
	}

	if err := s.sender.Send(&packet.Offer{
		Type:        packet.KindOffer,
		SenderID:    s.selfID,
		ReceiverID:  receiverID,
		Description: offer,
		Audio:       true,
		Video:       video,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		s.logger.Error("failed to send offer", zap.Error(err))
	}

	s.armRingTimerLocked()
	return nil
}

// AcceptCall answers the incoming call: remote description from the stashed
// offer, then an SDP answer back to the caller.
func (s *Session) AcceptCall(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StageIncoming || s.state.Offer == nil || s.pc == nil {
		return fmt.Errorf("no incoming call to accept (stage %s)", s.stage)
	}

	if err := s.pc.SetRemoteDescription(*s.state.Offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	if err := s.transitionLocked(StageAccepted); err != nil {
		return err
	}
	s.state.StartedAt = time.Now().UTC()

	if err := s.sender.Send(&packet.Answer{
		Type:        packet.KindAnswer,
		CallID:      s.state.CallID,
		SenderID:    s.selfID,
		ReceiverID:  s.state.CallerID,
		Description: answer,
		Audio:       true,
		Video:       s.state.CameraOn,
		Timestamp:   s.state.StartedAt,
	}); err != nil {
		s.logger.Error("failed to send answer", zap.Error(err))
	}
	return nil
}

// Hangup ends the in-flight call. The terminal record status is derived
// from the stage at hangup time; a hangup while idle is a no-op.
func (s *Session) Hangup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stage.Active() {
		return nil
	}

	var reason packet.HangupReason
	switch s.stage {
	case StageIncoming:
		reason = packet.ReasonRejected
	case StageCalling, StageRinging:
		reason = packet.ReasonMissed
	default:
		reason = packet.ReasonHangUp
	}

	if err := s.sender.Send(&packet.Hangup{
		Type:    packet.KindHangup,
		CallID:  s.state.CallID,
		EndedBy: s.selfID,
		Reason:  reason,
	}); err != nil {
		s.logger.Error("failed to send hangup", zap.Error(err))
	}

	s.finalizeLocked(terminalStatus(s.stage), time.Now().UTC())
	return nil
}

// ToggleMute flips the local audio track and returns the new muted state.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return false
	}
	s.state.Muted = s.stream.AudioEnabled()
	s.stream.SetAudioEnabled(!s.state.Muted)
	return s.state.Muted
}

// ToggleCamera flips the local video track and returns the new camera state.
func (s *Session) ToggleCamera() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return false
	}
	s.state.CameraOn = !s.stream.VideoEnabled()
	s.stream.SetVideoEnabled(s.state.CameraOn)
	return s.state.CameraOn
}

func (s *Session) handleOffer(p *packet.Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage.Active() {
		s.logger.Warn("offer received during active call, ignoring",
			zap.String("sender_id", p.SenderID))
		return
	}
	if err := s.transitionLocked(StageIncoming); err != nil {
		s.logger.Error("offer transition rejected", zap.Error(err))
		return
	}

	callID := ""
	if p.CallID != nil {
		callID = *p.CallID
	}
	desc := p.Description
	s.state = State{
		CallID:      callID,
		CallerID:    p.SenderID,
		CalleeID:    p.ReceiverID,
		CameraOn:    p.Video,
		InitiatedAt: p.Timestamp,
		Offer:       &desc,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.setupPeerLocked(ctx, p.SenderID, p.Video); err != nil {
		s.logger.Error("failed to prepare incoming call", zap.Error(err))
		s.stage = StageIdle
		s.state = State{}
	}
}

func (s *Session) handleAnswer(p *packet.Answer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil || (s.stage != StageCalling && s.stage != StageRinging) {
		s.logger.Debug("answer without a pending outgoing call, dropping")
		return
	}
	if err := s.pc.SetRemoteDescription(p.Description); err != nil {
		s.logger.Error("failed to set remote description", zap.Error(err))
		return
	}
	if err := s.transitionLocked(StageAccepted); err != nil {
		s.logger.Error("answer transition rejected", zap.Error(err))
		return
	}
	s.state.CallID = p.CallID
	s.state.StartedAt = p.Timestamp
	s.disarmRingTimerLocked()
}

// handleCandidate adds a relayed ICE candidate to the active peer
// connection. Candidates arriving before a connection exists are dropped.
func (s *Session) handleCandidate(p *packet.ICECandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		s.logger.Debug("ice candidate without peer connection, dropping")
		return
	}
	if err := s.pc.AddICECandidate(p.Candidate); err != nil {
		s.logger.Error("failed to add ice candidate", zap.Error(err))
	}
}

func (s *Session) handleStatusUpdate(p *packet.CallStatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stage.Active() {
		return
	}
	if s.state.CallID == "" {
		s.state.CallID = p.CallID
	}

	switch p.Status {
	case store.CallCalling:
		s.state.InitiatedAt = p.Timestamp
	case store.CallRinging:
		if s.stage == StageCalling {
			if err := s.transitionLocked(StageRinging); err != nil {
				s.logger.Error("ringing transition rejected", zap.Error(err))
				return
			}
		}
		s.state.InitiatedAt = p.Timestamp
	case store.CallAccepted:
		if s.stage != StageAccepted {
			if err := s.transitionLocked(StageAccepted); err != nil {
				s.logger.Error("accepted transition rejected", zap.Error(err))
				return
			}
		}
		s.state.StartedAt = p.Timestamp
		s.disarmRingTimerLocked()
	}
}

func (s *Session) handleHangup(p *packet.Hangup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stage.Active() {
		return
	}

	status := store.CallAccepted
	switch p.Reason {
	case packet.ReasonRejected:
		status = store.CallRejected
	case packet.ReasonMissed, packet.ReasonTimeout:
		status = store.CallMissed
	}

	endedAt := time.Now().UTC()
	if p.EndedAt != nil {
		endedAt = *p.EndedAt
	}
	if p.CallID != "" && s.state.CallID == "" {
		s.state.CallID = p.CallID
	}
	s.finalizeLocked(status, endedAt)
}

// setupPeerLocked creates the peer connection and captures local media.
// On media failure the half-built connection is closed before returning.
func (s *Session) setupPeerLocked(ctx context.Context, remoteID string, video bool) error {
	if s.peers == nil || s.devices == nil {
		return fmt.Errorf("no media stack configured")
	}
	pc, err := s.peers.NewPeer(func(c packet.Candidate) {
		if err := s.sender.Send(&packet.ICECandidate{
			Type:       packet.KindICECandidate,
			SenderID:   s.selfID,
			ReceiverID: remoteID,
			Candidate:  c,
			Timestamp:  time.Now().UTC(),
		}); err != nil {
			s.logger.Error("failed to relay ice candidate", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	stream, err := s.devices.Capture(ctx, true, video)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("capture media: %w", err)
	}

	s.pc = pc
	s.stream = stream
	return nil
}

// finalizeLocked persists the terminal record and returns the session to
// idle. Resources are released unconditionally.
func (s *Session) finalizeLocked(status string, endedAt time.Time) {
	callID := s.state.CallID
	if callID == "" {
		// Call never reached the service; record it under a local id.
		callID = uuid.NewString()
	}

	callType := "audio"
	if s.state.CameraOn {
		callType = "video"
	}
	record := store.CallRecord{
		ID:          callID,
		CallerID:    s.state.CallerID,
		CalleeID:    s.state.CalleeID,
		CallType:    callType,
		Status:      status,
		InitiatedAt: millis(s.state.InitiatedAt),
		StartedAt:   millis(s.state.StartedAt),
		EndedAt:     endedAt.UnixMilli(),
	}

	if err := s.db.AppendCallRecord(&record); err != nil {
		s.logger.Error("failed to persist call record", zap.Error(err), zap.String("call_id", callID))
	}
	s.records = append([]store.CallRecord{record}, s.records...)

	s.releaseLocked()
	s.stage = StageIdle
	s.state = State{}

	s.bus.Publish(bus.Event{
		Kind:      "call.ended",
		Timestamp: time.Now(),
		Payload:   record,
	})
}

// releaseLocked stops media tracks and closes the peer connection. Always
// safe, always complete: teardown is a cancellation point.
func (s *Session) releaseLocked() {
	s.disarmRingTimerLocked()
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	if s.pc != nil {
		_ = s.pc.Close()
		s.pc = nil
	}
	s.state.Offer = nil
}

func (s *Session) armRingTimerLocked() {
	s.disarmRingTimerLocked()
	s.ringTimer = time.AfterFunc(s.ringTimeout, s.ringTimedOut)
}

func (s *Session) disarmRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// ringTimedOut hangs up an outgoing call nobody answered. The resulting
// record is missed, same as an explicit give-up.
func (s *Session) ringTimedOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StageCalling && s.stage != StageRinging {
		return
	}
	s.logger.Info("outgoing call timed out", zap.String("callee_id", s.state.CalleeID))

	if err := s.sender.Send(&packet.Hangup{
		Type:    packet.KindHangup,
		CallID:  s.state.CallID,
		EndedBy: s.selfID,
		Reason:  packet.ReasonTimeout,
	}); err != nil {
		s.logger.Error("failed to send timeout hangup", zap.Error(err))
	}
	s.finalizeLocked(store.CallMissed, time.Now().UTC())
}

func terminalStatus(stage Stage) string {
	switch stage {
	case StageIncoming:
		return store.CallRejected
	case StageCalling, StageRinging:
		return store.CallMissed
	default:
		return store.CallAccepted
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
