// Package transport maintains one logical connection to the sync service
// over an unreliable websocket: application-level heartbeat, automatic
// reconnect with an ordered outbound buffer, and fan-out of decoded inbound
// packets onto the bus.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bridgechat/bridge/internal/bus"
	"github.com/bridgechat/bridge/internal/packet"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the logical connection state. Flushing is a sub-state of the
// open connection during which buffered packets drain before any live send
// may interleave.
type State string

const (
	Opening  State = "opening"
	Open     State = "open"
	Flushing State = "flushing"
	Closing  State = "closing"
	Closed   State = "closed"
)

// Bus event kinds published by the transport.
const (
	EventConnState    = "conn.state"
	EventAuthRequired = "session.auth_required"
)

// TokenRefresher is the owning session's credential-refresh hook, attempted
// once when a connection error suggests expired credentials.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

// Options tunes the socket. Zero values fall back to the defaults the sync
// service expects.
type Options struct {
	PingInterval   time.Duration // idle time before a heartbeat ping (default 25s)
	PongTimeout    time.Duration // max wait for the pong reply (default 20s)
	ReconnectDelay time.Duration // delay before reopening a closed socket (default 5s)
	Dialer         *websocket.Dialer
	Header         http.Header
}

func (o Options) withDefaults() Options {
	if o.PingInterval == 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongTimeout == 0 {
		o.PongTimeout = 20 * time.Second
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Socket is the resilient bidirectional channel. All consumers receive
// decoded packets through the bus ("packet.<kind>"); the socket itself is
// domain-agnostic apart from the heartbeat subtype.
type Socket struct {
	url       string
	bus       *bus.Bus
	logger    *zap.Logger
	refresher TokenRefresher
	opts      Options

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	buffer    [][]byte // encoded frames awaiting an open connection, FIFO
	gen       int      // connection generation; suppresses late callbacks
	pingTimer *time.Timer
	pongTimer *time.Timer
	shutdown  bool
}

// New creates a socket for the given ws:// or wss:// URL. Connect must be
// called to establish the connection.
func New(url string, b *bus.Bus, refresher TokenRefresher, logger *zap.Logger, opts Options) *Socket {
	return &Socket{
		url:       url,
		bus:       b,
		logger:    logger,
		refresher: refresher,
		opts:      opts.withDefaults(),
		state:     Closed,
	}
}

// State returns the current logical connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the physical connection. Idempotent: a no-op while
// the socket is already open or opening. On success the outbound buffer is
// flushed, in original insertion order, before any live send proceeds.
func (s *Socket) Connect() error {
	s.mu.Lock()
	if s.shutdown || s.state == Open || s.state == Flushing || s.state == Opening {
		s.mu.Unlock()
		return nil
	}
	s.setState(Opening)
	s.mu.Unlock()

	conn, resp, err := s.opts.Dialer.Dial(s.url, s.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		s.logger.Error("socket dial failed", zap.Error(err))
		s.attemptRefresh()

		s.mu.Lock()
		s.setState(Closed)
		s.scheduleReconnect()
		s.mu.Unlock()
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	if s.shutdown {
		// Close landed while the dial was in flight; the fresh connection
		// must not resurrect the socket.
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.setState(Flushing)
	s.flushLocked()
	if s.state != Flushing {
		// A flush write error closed the connection and scheduled the
		// reconnect; promoting to Open here would wedge the socket.
		s.mu.Unlock()
		return nil
	}
	s.setState(Open)
	s.schedulePingLocked()
	s.mu.Unlock()

	go s.readLoop(gen, conn)
	return nil
}

// Send transmits a sync payload wrapped in a message envelope. While the
// socket is not open the frame is appended to the outbound buffer and
// transmitted on the next successful connect.
func (s *Socket) Send(p packet.Payload) error {
	frame, err := packet.EncodeMessage(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		s.buffer = append(s.buffer, frame)
		return nil
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		// Keep the packet: the reconnect flush will retransmit it.
		s.buffer = append(s.buffer, frame)
		s.closeLocked(fmt.Errorf("write: %w", err))
		return nil
	}
	return nil
}

// Buffered reports the number of packets waiting for a connection.
func (s *Socket) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Close shuts the socket down deliberately; no reconnect is scheduled.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.state == Closed {
		return
	}
	s.setState(Closing)
	s.stopTimersLocked()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.setState(Closed)
}

// flushLocked drains the outbound buffer in insertion order. Live sends
// cannot interleave: the lock is held for the whole drain and the state is
// still Flushing, so concurrent Send calls append behind the flush.
func (s *Socket) flushLocked() {
	for len(s.buffer) > 0 {
		frame := s.buffer[0]
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Error("flush failed, keeping buffered packets", zap.Error(err))
			s.closeLocked(err)
			return
		}
		s.buffer = s.buffer[1:]
	}
}

func (s *Socket) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if gen == s.gen {
				s.closeLocked(err)
			}
			s.mu.Unlock()
			return
		}
		s.handleFrame(gen, frame)
	}
}

func (s *Socket) handleFrame(gen int, frame []byte) {
	s.mu.Lock()
	if gen != s.gen || (s.state != Open && s.state != Flushing) {
		s.mu.Unlock()
		s.logger.Debug("packet received on superseded connection, dropping")
		return
	}
	s.mu.Unlock()

	env, err := packet.DecodeEnvelope(frame)
	if err != nil {
		s.logger.Warn("malformed frame dropped", zap.Error(err))
		return
	}

	switch env.Type {
	case packet.KindPong:
		s.mu.Lock()
		if s.pongTimer != nil {
			s.pongTimer.Stop()
			s.pongTimer = nil
		}
		s.schedulePingLocked()
		s.mu.Unlock()

	case packet.KindMessage:
		p, err := packet.DecodePayload(env.Data)
		if err != nil {
			s.logger.Warn("undecodable payload dropped", zap.Error(err))
			return
		}
		s.bus.Publish(bus.Event{
			Kind:      bus.PacketKind(p.Kind()),
			Timestamp: time.Now(),
			Payload:   p,
		})

	default:
		s.logger.Warn("unknown packet type dropped", zap.String("type", env.Type))
	}
}

// schedulePingLocked arms the heartbeat: after the idle interval a ping is
// sent and the pong timeout starts counting.
func (s *Socket) schedulePingLocked() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	gen := s.gen
	s.pingTimer = time.AfterFunc(s.opts.PingInterval, func() { s.sendPing(gen) })
}

func (s *Socket) sendPing(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != Open {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, packet.EncodePing()); err != nil {
		s.closeLocked(fmt.Errorf("ping write: %w", err))
		return
	}
	s.pongTimer = time.AfterFunc(s.opts.PongTimeout, func() { s.pongTimedOut(gen) })
}

// pongTimedOut forces the physical connection closed, which makes the read
// loop observe the error and schedule the reconnect.
func (s *Socket) pongTimedOut(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != Open {
		return
	}
	s.logger.Warn("heartbeat timeout, forcing connection closed")
	_ = s.conn.Close()
}

// closeLocked moves the socket to Closed after a physical failure and
// schedules a reconnect. Safe to call more than once per connection; only
// the first call per generation acts.
func (s *Socket) closeLocked(cause error) {
	if s.state == Closed || s.state == Closing {
		return
	}
	s.logger.Info("connection closed, reopening after delay",
		zap.Error(cause), zap.Duration("delay", s.opts.ReconnectDelay))
	s.stopTimersLocked()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.gen++ // invalidate late callbacks from this connection
	s.setState(Closed)
	s.scheduleReconnect()
}

func (s *Socket) scheduleReconnect() {
	if s.shutdown {
		return
	}
	time.AfterFunc(s.opts.ReconnectDelay, func() { _ = s.Connect() })
}

func (s *Socket) stopTimersLocked() {
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
}

func (s *Socket) setState(st State) {
	s.state = st
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: EventConnState, Timestamp: time.Now(), Payload: st})
	}
}

// attemptRefresh runs the one-shot credential refresh after a connection
// error. A failed refresh signals the consumer to re-authenticate.
func (s *Socket) attemptRefresh() {
	if s.refresher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.refresher.Refresh(ctx); err != nil {
		s.logger.Error("credential refresh failed", zap.Error(err))
		s.bus.Publish(bus.Event{Kind: EventAuthRequired, Timestamp: time.Now(), Payload: err})
	}
}
