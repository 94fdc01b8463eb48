//go:build mediadevices

package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DeviceCapturer captures real devices through pion/mediadevices.
type DeviceCapturer struct {
	codecs *mediadevices.CodecSelector
}

func NewDeviceCapturer() (Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return &DeviceCapturer{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.codecs.Populate(m)
	return nil
}

func (d *DeviceCapturer) video(c *mediadevices.MediaTrackConstraints) {
	c.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}

// Camera tries video+audio, then video only, then audio only.
func (d *DeviceCapturer) Camera(ctx context.Context) (Capture, error) {
	attempts := []struct {
		video, audio bool
		label        string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	var errs []error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return Capture{}, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
		if a.video {
			constraints.Video = d.video
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}
		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Str("module", "app.media").Str("attempt", a.label).Err(err).Msg("GetUserMedia failed")
			errs = append(errs, fmt.Errorf("%s: %w", a.label, err))
			continue
		}
		var c Capture
		for _, t := range stream.GetTracks() {
			if t.Kind() == webrtc.RTPCodecTypeVideo {
				c.Video = t
			} else {
				c.Audio = t
			}
		}
		log.Info().Str("module", "app.media").Str("attempt", a.label).Msg("local media captured")
		return c, nil
	}
	return Capture{}, errors.Join(errs...)
}

func (d *DeviceCapturer) Screen(_ context.Context) (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.codecs,
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("GetDisplayMedia: %w", err)
	}
	if tracks := stream.GetVideoTracks(); len(tracks) > 0 {
		return tracks[0], nil
	}
	return nil, ErrNoScreen
}
