package orch

import (
	"context"

	"github.com/dkeye/Mesh/internal/app/media"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

// ToggleMic flips the microphone and announces it. It returns the new state,
// which stays false without a microphone.
func (c *Controller) ToggleMic(ctx context.Context) (bool, error) {
	var on bool
	err := c.call(ctx, func() {
		prev := c.media.MicOn()
		c.media.SetMicEnabled(!prev)
		if on = c.media.MicOn(); on == prev {
			return
		}
		if local := c.roster.Local(); local != nil {
			local.MicOn = on
		}
		c.broadcast(domain.MediaState{MicOn: &on})
		c.emitRoster()
	})
	return on, err
}

// ToggleCamera flips the camera and announces it. It returns the new state,
// which stays false without a camera.
func (c *Controller) ToggleCamera(ctx context.Context) (bool, error) {
	var on bool
	err := c.call(ctx, func() {
		prev := c.media.CameraOn()
		c.media.SetCameraEnabled(!prev)
		if on = c.media.CameraOn(); on == prev {
			return
		}
		if local := c.roster.Local(); local != nil {
			local.CameraOn = on
		}
		c.broadcast(domain.MediaState{CameraOn: &on})
		c.emitRoster()
	})
	return on, err
}

// ToggleScreenShare starts or stops sharing the screen on every link. It
// returns whether the screen is shared afterwards.
func (c *Controller) ToggleScreenShare(ctx context.Context) (bool, error) {
	var (
		sharing bool
		err     error
	)
	callErr := c.call(ctx, func() {
		if c.media.Sharing() {
			if err = c.media.ReleaseScreen(); err != nil {
				sharing = true
				return
			}
		} else {
			if err = c.media.AcquireScreen(ctx); err != nil {
				return
			}
			if err = c.media.SwapOutboundVideo(media.KindScreen); err != nil {
				if rerr := c.media.ReleaseScreen(); rerr != nil {
					c.logger.Warn().Err(rerr).Msg("release screen after failed swap")
				}
				return
			}
			sharing = true
		}
		c.setSharing(sharing)
	})
	if callErr != nil {
		return false, callErr
	}
	return sharing, err
}

func (c *Controller) setSharing(on bool) {
	if local := c.roster.Local(); local != nil {
		local.ScreenSharing = on
	}
	c.broadcast(domain.MediaState{ScreenSharing: &on})
	c.emitRoster()
}

// handleTrackEnded restores the camera when the OS stops a screen share.
func (c *Controller) handleTrackEnded(t media.Track) {
	restored, err := c.media.HandleTrackEnded(t)
	if err != nil {
		c.logger.Error().Err(err).Msg("restore camera after screen share ended")
		return
	}
	if restored {
		c.logger.Info().Msg("screen share stopped externally, camera restored")
		c.setSharing(false)
	}
}

func (c *Controller) applyMediaUpdate(env core.Envelope) {
	p, ok := c.roster.Get(env.From)
	if !ok || p.Local {
		c.drop(env, ErrUnknownParticipant)
		return
	}
	var ms domain.MediaState
	if err := env.Decode(&ms); err != nil {
		c.drop(env, err)
		return
	}
	p.Apply(ms)
	c.emitRoster()
}

func (c *Controller) broadcast(ms domain.MediaState) {
	c.sendMediaState("", ms)
}

// sendMediaStateTo tells a newly linked peer the full local presence.
func (c *Controller) sendMediaStateTo(id domain.PeerID) {
	if local := c.roster.Local(); local != nil {
		c.sendMediaState(id, local.MediaState())
	}
}

func (c *Controller) sendMediaState(to domain.PeerID, ms domain.MediaState) {
	if !c.joined {
		return
	}
	env, err := core.NewEnvelope(core.TypeMediaUpdate, to, ms)
	if err != nil {
		c.logger.Error().Err(err).Msg("build media-update")
		return
	}
	c.p.Channel.Send(env)
}
