// Package orch turns user intents and signaling traffic into registry, media
// and roster operations on one event loop.
package orch

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/app/media"
	"github.com/dkeye/Mesh/internal/app/peer"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionEnded  = errors.New("session ended")
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotJoined     = errors.New("not joined")
)

type ExitKind int

const (
	ExitNone ExitKind = iota
	ExitLeft
	ExitKicked
	ExitRejected
	ExitStopped
)

func (k ExitKind) String() string {
	switch k {
	case ExitLeft:
		return "left"
	case ExitKicked:
		return "kicked"
	case ExitRejected:
		return "rejected"
	case ExitStopped:
		return "stopped"
	default:
		return "none"
	}
}

// ExitReason says why a session ended.
type ExitReason struct {
	Kind   ExitKind
	Detail string
	Err    error
}

// Channel is the signaling connection the controller drives.
type Channel interface {
	core.Signaler
	Connect(ctx context.Context)
	Close()
}

type Params struct {
	Channel Channel
	Media   *media.Source
	Factory app.ConnectionFactory
	Policy  app.Policy
	Clock   clock.Clock

	Debounce       time.Duration
	DeferredWindow time.Duration
	RestartTimeout time.Duration
	EventBuffer    int

	// OnRoster receives a snapshot after every roster change. It runs on the loop.
	OnRoster func([]domain.Participant)
	// OnRemoteTrack runs on the connection goroutine for every remote track.
	OnRemoteTrack func(domain.PeerID, *webrtc.TrackRemote)
}

// Controller is the SessionController. Every state change runs on the loop
// started by Run.
type Controller struct {
	p        Params
	registry *app.Registry
	roster   *Roster
	media    *media.Source
	logger   zerolog.Logger

	events chan func()
	done   chan struct{}
	exit   ExitReason

	runCtx context.Context
	name   string
	local  domain.PeerID
	epoch  uint64
	joined bool
}

func New(p Params) *Controller {
	if p.EventBuffer <= 0 {
		p.EventBuffer = 256
	}
	c := &Controller{
		p:      p,
		roster: NewRoster(),
		media:  p.Media,
		events: make(chan func(), p.EventBuffer),
		done:   make(chan struct{}),
		runCtx: context.Background(),
		logger: log.With().Str("module", "app.orch").Logger(),
	}
	c.registry = app.NewRegistry(app.RegistryParams{
		Factory:        p.Factory,
		Signaler:       p.Channel,
		Tracks:         p.Media,
		Policy:         p.Policy,
		Clock:          p.Clock,
		Post:           c.post,
		Debounce:       p.Debounce,
		DeferredWindow: p.DeferredWindow,
		RestartTimeout: p.RestartTimeout,
		OnLinkCreated:  c.sendMediaStateTo,
		OnRemoteTrack:  p.OnRemoteTrack,
	})
	c.media.SetSwapper(c.registry)
	c.media.OnTrackEnded(func(t media.Track) {
		c.post(func() { c.handleTrackEnded(t) })
	})
	return c
}

// Run executes posted events until ctx ends or the session is over.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			c.finish(ExitReason{Kind: ExitStopped, Err: ctx.Err()})
			return nil
		case <-c.done:
			return nil
		case f := <-c.events:
			f()
		}
	}
}

// Done is closed when the session has ended.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Exit is the reason the session ended. Valid after Done is closed.
func (c *Controller) Exit() ExitReason {
	<-c.done
	return c.exit
}

func (c *Controller) post(f func()) {
	select {
	case c.events <- f:
	case <-c.done:
	}
}

// call runs f on the loop and waits for it.
func (c *Controller) call(ctx context.Context, f func()) error {
	started := make(chan struct{})
	ran := make(chan struct{})
	ev := func() {
		close(started)
		defer close(ran)
		f()
	}
	select {
	case c.events <- ev:
	case <-c.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		select {
		case <-started:
			<-ran
			return nil
		default:
			return ErrSessionEnded
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish ends the session once: links, media and channel are released.
func (c *Controller) finish(reason ExitReason) {
	select {
	case <-c.done:
		return
	default:
	}
	c.exit = reason
	c.logger.Info().Stringer("reason", reason.Kind).Str("detail", reason.Detail).Err(reason.Err).Msg("session ended")
	c.registry.CloseAll()
	c.roster.ClearRemote()
	c.media.Close()
	close(c.done)
	if c.joined {
		c.p.Channel.Close()
	}
	c.emitRoster()
}

func (c *Controller) emitRoster() {
	if c.p.OnRoster != nil {
		c.p.OnRoster(c.roster.Snapshot())
	}
}

// OnOpen is the channel's connect hook. From the second epoch on, every link
// and remote roster entry is discarded before the handshake is re-sent.
func (c *Controller) OnOpen(epoch uint64) []core.Envelope {
	var out []core.Envelope
	_ = c.call(context.Background(), func() { out = c.handleOpen(epoch) })
	return out
}

func (c *Controller) handleOpen(epoch uint64) []core.Envelope {
	c.epoch = epoch
	if epoch > 1 {
		c.logger.Warn().Uint64("epoch", epoch).Int("links", c.registry.Len()).Msg("reconnected, resetting links")
		c.registry.CloseAll()
		c.roster.ClearRemote()
		c.emitRoster()
	}
	if !c.joined {
		return nil
	}
	join := core.Envelope{Type: core.TypeJoin, Name: c.name}
	state, err := core.NewEnvelope(core.TypeMediaUpdate, "", c.roster.Local().MediaState())
	if err != nil {
		c.logger.Error().Err(err).Msg("build media state")
		return []core.Envelope{join}
	}
	return []core.Envelope{join, state}
}

// OnMessage is the channel's delivery hook.
func (c *Controller) OnMessage(env core.Envelope) {
	c.post(func() { c.handleEnvelope(env) })
}

// OnClose is the channel's connection-loss hook.
func (c *Controller) OnClose(err error) {
	c.post(func() {
		c.logger.Warn().Err(err).Uint64("epoch", c.epoch).Msg("signaling lost, reconnecting")
	})
}

// OnRejected is the channel's permanent-rejection hook.
func (c *Controller) OnRejected(err error) {
	c.post(func() { c.finish(ExitReason{Kind: ExitRejected, Err: err}) })
}

// Roster returns a snapshot of the participants.
func (c *Controller) Roster(ctx context.Context) ([]domain.Participant, error) {
	var out []domain.Participant
	err := c.call(ctx, func() { out = c.roster.Snapshot() })
	return out, err
}

func (c *Controller) LocalID(ctx context.Context) (domain.PeerID, error) {
	var id domain.PeerID
	err := c.call(ctx, func() { id = c.local })
	return id, err
}

// LinkStates reports the negotiation state of every live link.
func (c *Controller) LinkStates(ctx context.Context) (map[domain.PeerID]peer.State, error) {
	var out map[domain.PeerID]peer.State
	err := c.call(ctx, func() { out = c.registry.States() })
	return out, err
}
