package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/metrics"
	"github.com/pion/webrtc/v4"
)

// Join acquires local media and connects to the relay under name.
func (c *Controller) Join(ctx context.Context, name string) error {
	if err := domain.ValidateName(name); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	var err error
	callErr := c.call(ctx, func() {
		if c.joined {
			err = ErrAlreadyJoined
			return
		}
		if err = c.media.AcquireCamera(ctx); err != nil {
			return
		}
		c.name = name
		local := c.roster.SetLocal(name)
		local.MicOn = c.media.MicOn()
		local.CameraOn = c.media.CameraOn()
		c.joined = true
		c.logger.Info().Str("name", name).Msg("joining")
		c.p.Channel.Connect(c.runCtx)
		c.emitRoster()
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Leave tells the relay and ends the session.
func (c *Controller) Leave(ctx context.Context) error {
	return c.call(ctx, func() {
		if c.joined {
			c.p.Channel.Send(core.Envelope{Type: core.TypeLeave})
		}
		c.finish(ExitReason{Kind: ExitLeft})
	})
}

// Pin marks id as the pinned participant. An empty id clears the pin.
func (c *Controller) Pin(ctx context.Context, id domain.PeerID) error {
	var err error
	if callErr := c.call(ctx, func() {
		if err = c.roster.Pin(id); err == nil {
			c.emitRoster()
		}
	}); callErr != nil {
		return callErr
	}
	return err
}

func (c *Controller) handleEnvelope(env core.Envelope) {
	if c.peerScoped(env.Type) && env.From == "" {
		c.drop(env, core.ErrMissingFrom)
		return
	}
	switch env.Type {
	case core.TypeAssignID:
		c.local = env.ID
		c.registry.SetLocal(env.ID)
		c.roster.AssignLocalID(env.ID)
		c.logger = c.logger.With().Str("local", string(env.ID)).Logger()
		c.logger.Info().Uint64("epoch", c.epoch).Msg("identity assigned")
		c.emitRoster()
	case core.TypeUserList:
		for _, u := range env.Users {
			c.addPeer(u.UserID, u.UserName, true)
		}
		c.emitRoster()
	case core.TypeJoin:
		c.addPeer(env.From, env.Name, false)
		c.emitRoster()
	case core.TypeLeave:
		c.removePeer(env.From)
	case core.TypeOffer:
		var d core.Description
		if err := env.Decode(&d); err != nil {
			c.drop(env, err)
			return
		}
		if _, ok := c.roster.Get(env.From); !ok {
			c.roster.Upsert(env.From, env.Name)
			c.emitRoster()
		}
		if err := c.registry.HandleOffer(env.From, d); err != nil {
			c.logger.Warn().Err(err).Str("peer", string(env.From)).Msg("offer")
		}
	case core.TypeAnswer:
		var d core.Description
		if err := env.Decode(&d); err != nil {
			c.drop(env, err)
			return
		}
		if err := c.registry.HandleAnswer(env.From, d); err != nil {
			c.drop(env, err)
		}
	case core.TypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := env.Decode(&cand); err != nil {
			c.drop(env, err)
			return
		}
		if err := c.registry.HandleCandidate(env.From, cand); err != nil {
			c.drop(env, err)
		}
	case core.TypeMediaUpdate:
		c.applyMediaUpdate(env)
	case core.TypeNegotiationFailed:
		if !c.registry.HandleNegotiationFailed(env.From) {
			c.drop(env, app.ErrUnknownPeer)
		}
	case core.TypeKicked:
		c.finish(ExitReason{Kind: ExitKicked, Detail: env.Reason})
	}
}

func (c *Controller) peerScoped(t core.MessageType) bool {
	switch t {
	case core.TypeJoin, core.TypeLeave, core.TypeOffer, core.TypeAnswer,
		core.TypeICECandidate, core.TypeMediaUpdate, core.TypeNegotiationFailed:
		return true
	}
	return false
}

func (c *Controller) drop(env core.Envelope, err error) {
	reason := "protocol"
	if errors.Is(err, app.ErrUnknownPeer) {
		reason = "unknown-peer"
	}
	metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
	c.logger.Warn().Err(err).Str("type", string(env.Type)).Str("peer", string(env.From)).Msg("dropping envelope")
}

// addPeer records a participant and creates its link. Only the side that
// learned about the other from user-list offers.
func (c *Controller) addPeer(id domain.PeerID, name string, offer bool) {
	if id == "" || id == c.local {
		return
	}
	c.roster.Upsert(id, name)
	create := c.registry.Expect
	if offer {
		create = c.registry.Ensure
	}
	if _, err := create(id, name); err != nil {
		c.logger.Error().Err(err).Str("peer", string(id)).Msg("create link")
	}
}

func (c *Controller) removePeer(id domain.PeerID) {
	c.registry.Remove(id)
	pinned, ok := c.roster.Remove(id)
	if !ok {
		return
	}
	if pinned {
		c.logger.Info().Str("peer", string(id)).Msg("pinned participant left, pin cleared")
	}
	c.emitRoster()
}
