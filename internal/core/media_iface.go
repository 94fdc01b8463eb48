package core

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrRollbackUnsupported is returned by Rollback when the connection cannot
// discard a local offer. The link then has to be rebuilt to answer.
var ErrRollbackUnsupported = errors.New("local offer rollback not supported")

// MediaConnection is the one real-time media connection behind a peer link.
// All methods are called from the owning event loop only.
type MediaConnection interface {
	// CreateOffer creates a local offer. iceRestart requests fresh ICE credentials.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards a pending local offer, or returns
	// ErrRollbackUnsupported.
	Rollback() error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddTrack attaches a local track. With a nil track it prepares
	// receive-only media so an offer still has valid m-lines.
	AddTrack(webrtc.TrackLocal) (Sender, error)
	RemoveTrack(Sender) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	// Close should stop all underlying media resources.
	Close() error
}

// Sender is one outbound track slot. *webrtc.RTPSender satisfies it.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(webrtc.TrackLocal) error
}
