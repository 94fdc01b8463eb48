// Package peer implements the negotiation state machine of one media link
// towards one remote participant.
package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrRecreate marks a peer-scoped fatal: the link has to be torn down and
	// rebuilt from Idle.
	ErrRecreate = errors.New("link must be recreated")
	ErrClosed   = errors.New("link closed")
)

const (
	DefaultDeferredWindow = 5 * time.Second
	maxAnswerFailures     = 2
)

type Params struct {
	Local    domain.PeerID
	Remote   domain.PeerID
	Name     string
	Conn     core.MediaConnection
	Signaler core.Signaler
	Clock    clock.Clock
	// DeferredWindow bounds how long an answer that could not be applied is kept.
	DeferredWindow time.Duration
	// OnNegotiationNeeded asks the owner for a (debounced) Renegotiate call.
	OnNegotiationNeeded func()
	OnStateChange       func(from, to State)
}

type deferredDescription struct {
	desc core.Description
	at   time.Time
}

// Link is one PeerLink. It is not safe for concurrent use; the owning event
// loop serializes every call.
type Link struct {
	local  domain.PeerID
	remote domain.PeerID
	name   string

	conn   core.MediaConnection
	sig    core.Signaler
	clock  clock.Clock
	logger zerolog.Logger

	deferredWindow      time.Duration
	onNegotiationNeeded func()
	onStateChange       func(from, to State)

	state   State
	senders map[webrtc.RTPCodecType]core.Sender

	early     []webrtc.ICECandidateInit
	deferred  *deferredDescription
	remoteSet bool

	pendingNegotiation bool
	restartInFlight    bool
	restartAt          time.Time
	failures           int
	answerFailures     int
	stableCount        int
}

func New(p Params) *Link {
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.DeferredWindow <= 0 {
		p.DeferredWindow = DefaultDeferredWindow
	}
	return &Link{
		local:               p.Local,
		remote:              p.Remote,
		name:                p.Name,
		conn:                p.Conn,
		sig:                 p.Signaler,
		clock:               p.Clock,
		deferredWindow:      p.DeferredWindow,
		onNegotiationNeeded: p.OnNegotiationNeeded,
		onStateChange:       p.OnStateChange,
		senders:             make(map[webrtc.RTPCodecType]core.Sender),
		logger: log.With().
			Str("module", "app.peer").
			Str("local", string(p.Local)).
			Str("peer", string(p.Remote)).
			Logger(),
	}
}

func (l *Link) Remote() domain.PeerID { return l.remote }
func (l *Link) Name() string          { return l.name }
func (l *Link) SetName(name string)   { l.name = name }
func (l *Link) State() State          { return l.state }

// Polite reports whether this side yields on glare. The lower identity is polite.
func (l *Link) Polite() bool { return l.local.Less(l.remote) }

// StableCount is the number of times the link reached Stable.
func (l *Link) StableCount() int { return l.stableCount }

// Established reports whether a negotiation ever completed, so the remote
// holds a session for this link.
func (l *Link) Established() bool { return l.stableCount > 0 }

// BufferedCandidates is the number of remote candidates waiting for a remote description.
func (l *Link) BufferedCandidates() int { return len(l.early) }

func (l *Link) HasDeferred() bool { return l.deferred != nil }

// Prepare adds the local tracks without starting a negotiation. Used when the
// link is created to answer an incoming offer.
func (l *Link) Prepare(tracks []webrtc.TrackLocal) error {
	if l.state == StateClosed {
		return ErrClosed
	}
	added := 0
	for _, t := range tracks {
		if t == nil {
			continue
		}
		s, err := l.conn.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		l.senders[t.Kind()] = s
		added++
	}
	if added == 0 {
		if _, err := l.conn.AddTrack(nil); err != nil {
			return fmt.Errorf("add receive-only transceivers: %w", err)
		}
	}
	return nil
}

// Attach adds the local tracks and starts negotiating. A fresh link offers
// right away.
func (l *Link) Attach(tracks []webrtc.TrackLocal) error {
	if err := l.Prepare(tracks); err != nil {
		return err
	}
	return l.negotiationNeeded()
}

func (l *Link) negotiationNeeded() error {
	switch l.state {
	case StateClosed:
		return nil
	case StateIdle:
		return l.offer(false)
	case StateStable:
		l.requestNegotiation()
	default:
		l.pendingNegotiation = true
	}
	return nil
}

func (l *Link) requestNegotiation() {
	if l.onNegotiationNeeded != nil {
		l.onNegotiationNeeded()
		return
	}
	if err := l.Renegotiate(); err != nil {
		l.logger.Warn().Err(err).Msg("renegotiation failed")
	}
}

// Renegotiate sends a fresh offer if the link is idle or stable. Otherwise the
// request is remembered until the link is Stable again.
func (l *Link) Renegotiate() error {
	switch l.state {
	case StateClosed:
		return nil
	case StateIdle, StateStable, StateFailed:
		return l.offer(false)
	default:
		l.pendingNegotiation = true
		return nil
	}
}

func (l *Link) offer(iceRestart bool) error {
	desc, err := l.conn.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrRecreate, err)
	}
	if err := l.conn.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrRecreate, err)
	}
	next := StateOffering
	if l.state == StateStable || l.state == StateRenegotiating {
		next = StateRenegotiating
	}
	l.setState(next)
	l.restartInFlight = iceRestart
	if iceRestart {
		l.restartAt = l.clock.Now()
	}
	if !l.send(core.TypeOffer, core.Description{SessionDescription: desc, ICERestart: iceRestart}) && iceRestart {
		// No answer can come for an offer that never left.
		l.restartInFlight = false
	}
	return l.replayDeferred()
}

// HandleOffer applies a remote offer, resolving glare by identity order.
func (l *Link) HandleOffer(desc core.Description) error {
	if l.state == StateClosed {
		return ErrClosed
	}
	if l.state.offerOutstanding() {
		if !l.Polite() {
			l.logger.Debug().Msg("glare: keeping local offer, ignoring remote")
			return nil
		}
		l.logger.Debug().Msg("glare: rolling back local offer")
		if err := l.conn.Rollback(); err != nil {
			return fmt.Errorf("%w: rollback: %w", ErrRecreate, err)
		}
		// A renegotiation that lost glare still has changes to announce.
		if l.state == StateRenegotiating {
			l.pendingNegotiation = true
		}
		l.restartInFlight = false
	}
	return l.accept(desc)
}

func (l *Link) accept(desc core.Description) error {
	l.setState(StateAnswering)
	if err := l.conn.SetRemoteDescription(desc.SessionDescription); err != nil {
		return fmt.Errorf("%w: apply remote offer: %v", ErrRecreate, err)
	}
	l.remoteSet = true
	l.flushCandidates()

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrRecreate, err)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", ErrRecreate, err)
	}
	l.send(core.TypeAnswer, core.Description{SessionDescription: answer})
	l.setState(StateStable)
	return nil
}

// HandleAnswer applies a remote answer, or keeps it for later if no offer is
// outstanding.
func (l *Link) HandleAnswer(desc core.Description) error {
	if l.state == StateClosed {
		return ErrClosed
	}
	if !l.state.offerOutstanding() {
		l.logger.Debug().Stringer("state", l.state).Msg("no offer outstanding, deferring answer")
		l.deferred = &deferredDescription{desc: desc, at: l.clock.Now()}
		return nil
	}
	return l.applyAnswer(desc)
}

func (l *Link) applyAnswer(desc core.Description) error {
	if err := l.conn.SetRemoteDescription(desc.SessionDescription); err != nil {
		l.answerFailures++
		if l.answerFailures >= maxAnswerFailures {
			return fmt.Errorf("%w: apply answer: %v", ErrRecreate, err)
		}
		l.logger.Warn().Err(err).Msg("answer rejected, offering again")
		return l.offer(l.restartInFlight)
	}
	l.answerFailures = 0
	l.remoteSet = true
	l.restartInFlight = false
	l.flushCandidates()
	l.setState(StateStable)
	return nil
}

func (l *Link) replayDeferred() error {
	d := l.deferred
	if d == nil {
		return nil
	}
	l.deferred = nil
	if age := l.clock.Since(d.at); age > l.deferredWindow {
		l.logger.Debug().Dur("age", age).Msg("discarding stale deferred answer")
		return nil
	}
	l.logger.Debug().Msg("replaying deferred answer")
	return l.applyAnswer(d.desc)
}

// HandleCandidate applies a remote candidate, buffering it while no remote
// description is set.
func (l *Link) HandleCandidate(c webrtc.ICECandidateInit) error {
	if l.state == StateClosed {
		return ErrClosed
	}
	if !l.remoteSet {
		l.early = append(l.early, c)
		return nil
	}
	if err := l.conn.AddICECandidate(c); err != nil {
		l.logger.Warn().Err(err).Msg("add ICE candidate")
	}
	return nil
}

func (l *Link) flushCandidates() {
	if len(l.early) == 0 {
		return
	}
	l.logger.Debug().Int("count", len(l.early)).Msg("flushing early candidates")
	for _, c := range l.early {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.logger.Warn().Err(err).Msg("add buffered ICE candidate")
		}
	}
	l.early = nil
}

// SendCandidate forwards a locally gathered candidate to the remote.
func (l *Link) SendCandidate(c webrtc.ICECandidateInit) {
	if l.state == StateClosed {
		return
	}
	l.send(core.TypeICECandidate, c)
}

// NoteConnectivity records an ICE connection state and returns the number of
// consecutive failures when the state starts a new failure episode.
func (l *Link) NoteConnectivity(s webrtc.ICEConnectionState) (failures int, failed bool) {
	if l.state == StateClosed {
		return 0, false
	}
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if l.failures > 0 {
			l.logger.Info().Msg("connectivity recovered")
		}
		l.failures = 0
		return 0, false
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		if l.restartInFlight {
			l.logger.Debug().Stringer("ice", s).Msg("restart outstanding, not counting failure")
			return l.failures, false
		}
		l.failures++
		l.logger.Warn().Stringer("ice", s).Int("failures", l.failures).Msg("connectivity lost")
		return l.failures, true
	default:
		return l.failures, false
	}
}

// ExpireRestart ends an ICE restart that has not brought the link back to
// Stable within timeout, whether its offer was lost or never answered, and
// counts it as a failure of the episode.
func (l *Link) ExpireRestart(timeout time.Duration) (failures int, expired bool) {
	if l.state == StateClosed || l.restartAt.IsZero() || l.clock.Since(l.restartAt) < timeout {
		return l.failures, false
	}
	l.restartAt = time.Time{}
	l.restartInFlight = false
	l.failures++
	l.logger.Warn().Dur("timeout", timeout).Int("failures", l.failures).Msg("ICE restart unanswered")
	return l.failures, true
}

// RestartICE moves the link to Failed and sends an offer with fresh ICE credentials.
func (l *Link) RestartICE() error {
	if l.state == StateClosed {
		return ErrClosed
	}
	l.setState(StateFailed)
	if err := l.offer(true); err != nil {
		return fmt.Errorf("ice restart: %w", err)
	}
	return nil
}

// VideoTrack is the track currently bound to the video sender, if any.
func (l *Link) VideoTrack() webrtc.TrackLocal {
	s := l.senders[webrtc.RTPCodecTypeVideo]
	if s == nil {
		return nil
	}
	return s.Track()
}

// SetVideoTrack binds track to the video sender. It replaces in place when the
// sender allows it, otherwise it removes the sender, adds a new one and asks
// for a renegotiation.
func (l *Link) SetVideoTrack(track webrtc.TrackLocal) error {
	if l.state == StateClosed {
		return ErrClosed
	}
	if s := l.senders[webrtc.RTPCodecTypeVideo]; s != nil {
		err := s.ReplaceTrack(track)
		if err == nil {
			return nil
		}
		l.logger.Debug().Err(err).Msg("in-place replace refused, re-adding sender")
		if err := l.conn.RemoveTrack(s); err != nil {
			return fmt.Errorf("remove video sender: %w", err)
		}
		delete(l.senders, webrtc.RTPCodecTypeVideo)
	}
	if track == nil {
		return l.negotiationNeeded()
	}
	s, err := l.conn.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add video sender: %w", err)
	}
	l.senders[webrtc.RTPCodecTypeVideo] = s
	return l.negotiationNeeded()
}

// Close releases the senders, drops both buffers and closes the connection.
func (l *Link) Close() {
	if l.state == StateClosed {
		return
	}
	l.setState(StateClosed)
	l.senders = make(map[webrtc.RTPCodecType]core.Sender)
	l.early = nil
	l.deferred = nil
	l.pendingNegotiation = false
	if err := l.conn.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("close media connection")
	}
}

func (l *Link) setState(to State) {
	from := l.state
	if from == to {
		return
	}
	l.state = to
	l.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("link state")
	if l.onStateChange != nil {
		l.onStateChange(from, to)
	}
	if to != StateStable {
		return
	}
	l.stableCount++
	l.restartAt = time.Time{}
	if l.deferred != nil && l.clock.Since(l.deferred.at) > l.deferredWindow {
		l.deferred = nil
	}
	if l.pendingNegotiation {
		l.pendingNegotiation = false
		l.requestNegotiation()
	}
}

func (l *Link) send(t core.MessageType, data any) bool {
	env, err := core.NewEnvelope(t, l.remote, data)
	if err != nil {
		l.logger.Error().Err(err).Str("type", string(t)).Msg("build envelope")
		return false
	}
	if !l.sig.Send(env) {
		l.logger.Debug().Str("type", string(t)).Msg("signaling not open, envelope dropped")
		return false
	}
	return true
}
