package call

import (
	"context"

	"github.com/bridgechat/bridge/internal/packet"
)

// PeerConnection is the WebRTC peer connection as this session drives it.
// The concrete implementation (and everything media) lives outside this
// module; the session only negotiates descriptions and relays candidates.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (packet.SessionDescription, error)
	CreateAnswer(ctx context.Context) (packet.SessionDescription, error)
	SetLocalDescription(desc packet.SessionDescription) error
	SetRemoteDescription(desc packet.SessionDescription) error
	AddICECandidate(c packet.Candidate) error
	Close() error
}

// PeerFactory creates peer connections. onCandidate fires for every local
// ICE candidate to be relayed to the remote peer.
type PeerFactory interface {
	NewPeer(onCandidate func(packet.Candidate)) (PeerConnection, error)
}

// MediaStream is the local capture attached to a call.
type MediaStream interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	AudioEnabled() bool
	VideoEnabled() bool
	Stop()
}

// MediaDevices acquires local media. Acquisition failure aborts the call
// attempt before any signaling leaves the client.
type MediaDevices interface {
	Capture(ctx context.Context, audio, video bool) (MediaStream, error)
}

// Sender is the signaling channel, satisfied by the transport socket.
type Sender interface {
	Send(p packet.Payload) error
}
