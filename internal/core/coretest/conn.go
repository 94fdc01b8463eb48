// Package coretest provides in-memory fakes of the core interfaces.
package coretest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/pion/webrtc/v4"
)

var ErrInjected = errors.New("injected failure")

// Conn is a core.MediaConnection that tracks the signaling state the way a
// real peer connection does, without any media.
type Conn struct {
	mu sync.Mutex

	signaling webrtc.SignalingState
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	offers    int

	candidates []webrtc.ICECandidateInit
	senders    []*Sender
	recvOnly   bool
	closed     bool

	// Failure injection.
	RollbackErr    error
	CreateOfferErr error
	SetRemoteFails int
	ReplaceErr     error
	AddTrackErr    error

	onCandidate func(webrtc.ICECandidateInit)
	onICE       func(webrtc.ICEConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

var _ core.MediaConnection = (*Conn)(nil)

func NewConn() *Conn {
	return &Conn{signaling: webrtc.SignalingStateStable}
}

func (c *Conn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateOfferErr != nil {
		return webrtc.SessionDescription{}, c.CreateOfferErr
	}
	c.offers++
	sdp := fmt.Sprintf("offer-%d", c.offers)
	if iceRestart {
		sdp += "-restart"
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", c.signaling)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + c.remote.SDP}, nil
}

func (c *Conn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling == webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("local offer in %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("local answer in %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateStable
	}
	c.local = &d
	return nil
}

func (c *Conn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetRemoteFails > 0 {
		c.SetRemoteFails--
		return ErrInjected
	}
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling == webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("remote offer in %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if c.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("remote answer in %s", c.signaling)
		}
		c.signaling = webrtc.SignalingStateStable
	}
	c.remote = &d
	return nil
}

func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RollbackErr != nil {
		return c.RollbackErr
	}
	if c.signaling == webrtc.SignalingStateHaveLocalOffer {
		c.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (c *Conn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("remote description not set")
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Conn) AddTrack(t webrtc.TrackLocal) (core.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == nil {
		c.recvOnly = true
		return nil, nil
	}
	if c.AddTrackErr != nil {
		return nil, c.AddTrackErr
	}
	s := &Sender{track: t, replaceErr: c.ReplaceErr}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Conn) RemoveTrack(s core.Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.senders {
		if core.Sender(cur) == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("sender not attached")
}

func (c *Conn) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *Conn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onICE = f
	c.mu.Unlock()
}

func (c *Conn) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = f
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// EmitICEState invokes the connection-state callback like the ICE agent would.
func (c *Conn) EmitICEState(s webrtc.ICEConnectionState) {
	c.mu.Lock()
	f := c.onICE
	c.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// EmitCandidate invokes the local-candidate callback.
func (c *Conn) EmitCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	f := c.onCandidate
	c.mu.Unlock()
	if f != nil {
		f(cand)
	}
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Conn) AppliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}

// VideoTrack is the track on the first video sender.
func (c *Conn) VideoTrack() webrtc.TrackLocal {
	for _, s := range c.Senders() {
		if t := s.Track(); t != nil && t.Kind() == webrtc.RTPCodecTypeVideo {
			return t
		}
	}
	return nil
}

func (c *Conn) RecvOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvOnly
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// Sender is a fake outbound track slot.
type Sender struct {
	mu         sync.Mutex
	track      webrtc.TrackLocal
	replaceErr error
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.track = t
	return nil
}

// SetReplaceErr makes later ReplaceTrack calls fail.
func (s *Sender) SetReplaceErr(err error) {
	s.mu.Lock()
	s.replaceErr = err
	s.mu.Unlock()
}
