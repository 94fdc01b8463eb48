package app

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Mesh/internal/app/peer"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/metrics"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownPeer = errors.New("no link for peer")
	ErrSelfLink    = errors.New("link to self")
)

const (
	DefaultRenegotiateDebounce = 150 * time.Millisecond
	DefaultRestartTimeout      = 10 * time.Second
)

// ConnectionFactory builds the media connection for a new link.
type ConnectionFactory func(remote domain.PeerID) (core.MediaConnection, error)

// TrackSource supplies the local tracks attached to every new link.
type TrackSource interface {
	Outbound() []webrtc.TrackLocal
}

type RegistryParams struct {
	Factory  ConnectionFactory
	Signaler core.Signaler
	Tracks   TrackSource
	Policy   Policy
	Clock    clock.Clock
	// Post runs f on the owning event loop. Callbacks from connections and
	// timers go through it.
	Post func(f func())

	Debounce       time.Duration
	DeferredWindow time.Duration
	// RestartTimeout bounds how long an ICE restart offer may stay unanswered
	// before it counts as another failure.
	RestartTimeout time.Duration

	// OnLinkCreated runs on the loop after a link is built.
	OnLinkCreated func(id domain.PeerID)
	// OnRemoteTrack runs on the connection's goroutine.
	OnRemoteTrack func(id domain.PeerID, track *webrtc.TrackRemote)
}

type linkEntry struct {
	link  *peer.Link
	timer *clock.Timer
}

// Registry owns the PeerLinks of one session, at most one per identity.
// Every method must be called from the owning event loop.
type Registry struct {
	p     RegistryParams
	local domain.PeerID
	links map[domain.PeerID]*linkEntry
}

func NewRegistry(p RegistryParams) *Registry {
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Policy == nil {
		p.Policy = RestartPolicy{MaxRestarts: DefaultMaxICERestarts}
	}
	if p.Post == nil {
		p.Post = func(f func()) { f() }
	}
	if p.Debounce <= 0 {
		p.Debounce = DefaultRenegotiateDebounce
	}
	if p.RestartTimeout <= 0 {
		p.RestartTimeout = DefaultRestartTimeout
	}
	return &Registry{
		p:     p,
		links: make(map[domain.PeerID]*linkEntry),
	}
}

// SetLocal sets the identity assigned to this participant.
func (r *Registry) SetLocal(id domain.PeerID) { r.local = id }

func (r *Registry) Local() domain.PeerID { return r.local }

// Ensure returns the link for id, creating and starting it if needed. A
// repeated call only updates the display name.
func (r *Registry) Ensure(id domain.PeerID, name string) (*peer.Link, error) {
	if id == "" || id == r.local {
		return nil, fmt.Errorf("%q: %w", id, ErrSelfLink)
	}
	if e, ok := r.links[id]; ok {
		if name != "" && name != e.link.Name() {
			e.link.SetName(name)
		}
		return e.link, nil
	}
	return r.create(id, name, true)
}

// Expect is Ensure for a participant that announced itself with join. The
// newcomer offers from its user-list, so the link only prepares its tracks
// and waits for that offer.
func (r *Registry) Expect(id domain.PeerID, name string) (*peer.Link, error) {
	if id == "" || id == r.local {
		return nil, fmt.Errorf("%q: %w", id, ErrSelfLink)
	}
	if e, ok := r.links[id]; ok {
		if name != "" && name != e.link.Name() {
			e.link.SetName(name)
		}
		return e.link, nil
	}
	return r.create(id, name, false)
}

func (r *Registry) create(id domain.PeerID, name string, offer bool) (*peer.Link, error) {
	conn, err := r.p.Factory(id)
	if err != nil {
		return nil, fmt.Errorf("media connection for %s: %w", id, err)
	}

	var l *peer.Link
	l = peer.New(peer.Params{
		Local:               r.local,
		Remote:              id,
		Name:                name,
		Conn:                conn,
		Signaler:            r.p.Signaler,
		Clock:               r.p.Clock,
		DeferredWindow:      r.p.DeferredWindow,
		OnNegotiationNeeded: func() { r.scheduleNegotiation(id, l) },
		OnStateChange: func(from, to peer.State) {
			metrics.LinkTransitions.WithLabelValues(from.String(), to.String()).Inc()
		},
	})
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		r.p.Post(func() {
			if r.live(id, l) {
				l.SendCandidate(c)
			}
		})
	})
	conn.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		r.p.Post(func() { r.handleConnectivity(id, l, s) })
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		metrics.RemoteTracks.WithLabelValues(track.Kind().String()).Inc()
		if r.p.OnRemoteTrack != nil {
			r.p.OnRemoteTrack(id, track)
		}
	})

	r.links[id] = &linkEntry{link: l}
	metrics.LinksActive.Inc()
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Bool("offer", offer).Msg("created link")

	var tracks []webrtc.TrackLocal
	if r.p.Tracks != nil {
		tracks = r.p.Tracks.Outbound()
	}
	if offer {
		err = l.Attach(tracks)
	} else {
		err = l.Prepare(tracks)
	}
	if err != nil {
		log.Error().Str("module", "app.registry").Str("peer", string(id)).Err(err).Msg("start link")
	}
	if r.p.OnLinkCreated != nil {
		r.p.OnLinkCreated(id)
	}
	return l, nil
}

func (r *Registry) live(id domain.PeerID, l *peer.Link) bool {
	e, ok := r.links[id]
	return ok && e.link == l
}

func (r *Registry) Get(id domain.PeerID) (*peer.Link, bool) {
	e, ok := r.links[id]
	if !ok {
		return nil, false
	}
	return e.link, true
}

func (r *Registry) Len() int { return len(r.links) }

// IDs returns the identities with a live link, sorted.
func (r *Registry) IDs() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(r.links))
	for id := range r.links {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) States() map[domain.PeerID]peer.State {
	out := make(map[domain.PeerID]peer.State, len(r.links))
	for id, e := range r.links {
		out[id] = e.link.State()
	}
	return out
}

// Remove closes and forgets the link for id.
func (r *Registry) Remove(id domain.PeerID) bool {
	e, ok := r.links[id]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.link.Close()
	delete(r.links, id)
	metrics.LinksActive.Dec()
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("removed link")
	return true
}

func (r *Registry) CloseAll() {
	for _, id := range r.IDs() {
		r.Remove(id)
	}
}

// recreate replaces the link for id with a fresh one. A link rebuilt to
// answer an offer does not start its own negotiation.
func (r *Registry) recreate(id domain.PeerID, reason string, answering, notify bool) *peer.Link {
	e, ok := r.links[id]
	if !ok {
		return nil
	}
	name := e.link.Name()
	r.Remove(id)
	metrics.LinksRecreated.WithLabelValues(reason).Inc()
	log.Warn().Str("module", "app.registry").Str("peer", string(id)).Str("reason", reason).Msg("recreating link")

	if notify {
		env, _ := core.NewEnvelope(core.TypeNegotiationFailed, id, nil)
		r.p.Signaler.Send(env)
	}
	l, err := r.create(id, name, !answering)
	if err != nil {
		log.Error().Str("module", "app.registry").Str("peer", string(id)).Err(err).Msg("recreate link")
		return nil
	}
	return l
}

func (r *Registry) HandleOffer(from domain.PeerID, desc core.Description) error {
	l, ok := r.Get(from)
	if !ok {
		var err error
		if l, err = r.create(from, "", false); err != nil {
			return err
		}
	}
	err := l.HandleOffer(desc)
	if !errors.Is(err, peer.ErrRecreate) {
		return err
	}
	reason := "offer"
	if errors.Is(err, core.ErrRollbackUnsupported) {
		reason = "glare"
	}
	log.Warn().Str("module", "app.registry").Str("peer", string(from)).Err(err).Msg("offer could not be applied")
	if l.Established() {
		// The remote still runs the session this link negotiated. Both sides
		// start over and the remote offers again.
		r.recreate(from, reason, true, true)
		return nil
	}
	fresh := r.recreate(from, reason, true, false)
	if fresh == nil {
		return err
	}
	return fresh.HandleOffer(desc)
}

func (r *Registry) HandleAnswer(from domain.PeerID, desc core.Description) error {
	l, ok := r.Get(from)
	if !ok {
		return fmt.Errorf("answer from %s: %w", from, ErrUnknownPeer)
	}
	return r.recover(from, "answer", l.HandleAnswer(desc))
}

func (r *Registry) HandleCandidate(from domain.PeerID, c webrtc.ICECandidateInit) error {
	l, ok := r.Get(from)
	if !ok {
		return fmt.Errorf("candidate from %s: %w", from, ErrUnknownPeer)
	}
	return l.HandleCandidate(c)
}

// HandleNegotiationFailed rebuilds the local side after the remote gave up on
// the link. No notification is sent back.
func (r *Registry) HandleNegotiationFailed(from domain.PeerID) bool {
	return r.recreate(from, "remote", false, false) != nil
}

func (r *Registry) recover(id domain.PeerID, reason string, err error) error {
	if !errors.Is(err, peer.ErrRecreate) {
		return err
	}
	log.Warn().Str("module", "app.registry").Str("peer", string(id)).Err(err).Msg("peer-scoped failure")
	r.recreate(id, reason, false, true)
	return nil
}

func (r *Registry) handleConnectivity(id domain.PeerID, l *peer.Link, s webrtc.ICEConnectionState) {
	if !r.live(id, l) {
		return
	}
	n, failed := l.NoteConnectivity(s)
	if !failed {
		return
	}
	r.applyPolicy(id, l, n, "connectivity")
}

func (r *Registry) applyPolicy(id domain.PeerID, l *peer.Link, failures int, reason string) {
	switch r.p.Policy.OnConnectivityFailure(id, failures) {
	case RestartICE:
		metrics.ICERestarts.Inc()
		log.Info().Str("module", "app.registry").Str("peer", string(id)).Int("failures", failures).Msg("restarting ICE")
		if err := r.recover(id, "ice-restart", l.RestartICE()); err != nil {
			log.Error().Str("module", "app.registry").Str("peer", string(id)).Err(err).Msg("ICE restart")
		}
		if r.live(id, l) {
			r.p.Clock.AfterFunc(r.p.RestartTimeout, func() {
				r.p.Post(func() { r.restartExpired(id, l) })
			})
		}
	case Recreate:
		r.recreate(id, reason, false, true)
	case NoAction:
	}
}

// restartExpired treats an ICE restart that got no answer as the next failure
// of its episode.
func (r *Registry) restartExpired(id domain.PeerID, l *peer.Link) {
	if !r.live(id, l) {
		return
	}
	n, expired := l.ExpireRestart(r.p.RestartTimeout)
	if !expired {
		return
	}
	r.applyPolicy(id, l, n, "restart-timeout")
}

// scheduleNegotiation coalesces renegotiation requests for one link into a
// single offer after the debounce interval.
func (r *Registry) scheduleNegotiation(id domain.PeerID, l *peer.Link) {
	e, ok := r.links[id]
	if !ok || e.link != l {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = r.p.Clock.AfterFunc(r.p.Debounce, func() {
		r.p.Post(func() { r.renegotiate(id, l) })
	})
}

func (r *Registry) renegotiate(id domain.PeerID, l *peer.Link) {
	e, ok := r.links[id]
	if !ok || e.link != l {
		return
	}
	e.timer = nil
	if err := r.recover(id, "renegotiate", l.Renegotiate()); err != nil {
		log.Error().Str("module", "app.registry").Str("peer", string(id)).Err(err).Msg("renegotiate")
	}
}

// SwapVideo binds track to the video sender of every live link. If one link
// refuses, links already switched get their previous track back.
func (r *Registry) SwapVideo(track webrtc.TrackLocal) error {
	type switched struct {
		link *peer.Link
		prev webrtc.TrackLocal
	}
	done := make([]switched, 0, len(r.links))
	for _, id := range r.IDs() {
		l := r.links[id].link
		prev := l.VideoTrack()
		if err := l.SetVideoTrack(track); err != nil {
			if prev != nil && l.VideoTrack() != prev {
				if rerr := l.SetVideoTrack(prev); rerr != nil {
					log.Error().Str("module", "app.registry").Str("peer", string(id)).Err(rerr).Msg("restore video track")
				}
			}
			for i := len(done) - 1; i >= 0; i-- {
				if rerr := done[i].link.SetVideoTrack(done[i].prev); rerr != nil {
					log.Error().Str("module", "app.registry").Str("peer", string(done[i].link.Remote())).Err(rerr).Msg("restore video track")
				}
			}
			metrics.VideoSwaps.WithLabelValues("rolled-back").Inc()
			return fmt.Errorf("swap video on %s: %w", id, err)
		}
		done = append(done, switched{link: l, prev: prev})
	}
	metrics.VideoSwaps.WithLabelValues("ok").Inc()
	return nil
}
