// Package media owns the local capture tracks and the single outbound video
// reference shared by every peer link.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoScreen  = errors.New("no screen capture")
	ErrNoDevices = errors.New("no capture devices")
	ErrClosed    = errors.New("media source closed")
)

type Kind int

const (
	KindCamera Kind = iota
	KindScreen
)

func (k Kind) String() string {
	if k == KindScreen {
		return "screen"
	}
	return "camera"
}

// Track is a local capture track.
type Track interface {
	webrtc.TrackLocal
	// OnEnded is called once when the capture stops on its own.
	OnEnded(func(error))
	Close() error
}

// Muter is implemented by tracks that can pause sending without being detached.
type Muter interface {
	SetEnabled(bool)
}

// Capture is the result of a camera acquisition. Either track may be nil.
type Capture struct {
	Audio Track
	Video Track
}

type Capturer interface {
	Camera(ctx context.Context) (Capture, error)
	Screen(ctx context.Context) (Track, error)
}

// NoCapturer captures nothing. A source built on it only receives.
type NoCapturer struct{}

func (NoCapturer) Camera(context.Context) (Capture, error) { return Capture{}, ErrNoDevices }
func (NoCapturer) Screen(context.Context) (Track, error)   { return nil, ErrNoDevices }

// CodecRegistrar is implemented by capturers that encode with a fixed codec set.
type CodecRegistrar interface {
	RegisterCodecs(*webrtc.MediaEngine) error
}

// VideoSwapper switches the outbound video of every link at once.
type VideoSwapper interface {
	SwapVideo(webrtc.TrackLocal) error
}

// Source holds one audio track and exactly one active outbound video track.
// It is not safe for concurrent use; the session event loop owns it.
type Source struct {
	capturer Capturer
	swapper  VideoSwapper
	logger   zerolog.Logger

	audio  Track
	camera Track
	screen Track
	active Kind

	micOn    bool
	cameraOn bool
	closed   bool

	onTrackEnded func(Track)
}

func NewSource(c Capturer) *Source {
	return &Source{
		capturer: c,
		micOn:    true,
		cameraOn: true,
		logger:   log.With().Str("module", "app.media").Logger(),
	}
}

// SetSwapper binds the links that follow the active video track.
func (s *Source) SetSwapper(sw VideoSwapper) { s.swapper = sw }

// OnTrackEnded sets the callback for a capture that stopped on its own. It runs
// on the capture goroutine.
func (s *Source) OnTrackEnded(f func(Track)) { s.onTrackEnded = f }

// AcquireCamera opens camera and microphone. When nothing can be captured the
// source stays receive-only and no error is returned.
func (s *Source) AcquireCamera(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.audio != nil || s.camera != nil {
		return nil
	}
	c, err := s.capturer.Camera(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("acquire camera: %w", ctx.Err())
		}
		s.logger.Warn().Err(err).Msg("no local media, continuing receive-only")
		return nil
	}
	s.audio, s.camera = c.Audio, c.Video
	s.active = KindCamera
	s.watch(s.audio)
	s.watch(s.camera)
	s.applyEnabled()
	s.logger.Info().Bool("audio", s.audio != nil).Bool("video", s.camera != nil).Msg("camera acquired")
	return nil
}

// AcquireScreen opens a screen capture without making it active.
func (s *Source) AcquireScreen(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.screen != nil {
		return nil
	}
	t, err := s.capturer.Screen(ctx)
	if err != nil {
		return fmt.Errorf("acquire screen: %w", err)
	}
	s.screen = t
	s.watch(t)
	return nil
}

func (s *Source) watch(t Track) {
	if t == nil {
		return
	}
	t.OnEnded(func(err error) {
		if err != nil {
			s.logger.Debug().Err(err).Str("track", t.ID()).Msg("capture ended")
		}
		if f := s.onTrackEnded; f != nil {
			f(t)
		}
	})
}

// SwapOutboundVideo makes kind the active video on every link. On failure the
// active source is unchanged.
func (s *Source) SwapOutboundVideo(kind Kind) error {
	if s.closed {
		return ErrClosed
	}
	if kind == s.active {
		return nil
	}
	var target webrtc.TrackLocal
	switch kind {
	case KindScreen:
		if s.screen == nil {
			return ErrNoScreen
		}
		target = s.screen
	case KindCamera:
		if s.camera != nil {
			target = s.camera
		}
	}
	if s.swapper != nil {
		if err := s.swapper.SwapVideo(target); err != nil {
			return fmt.Errorf("swap to %s: %w", kind, err)
		}
	}
	s.active = kind
	s.logger.Info().Stringer("active", kind).Msg("outbound video swapped")
	return nil
}

// ReleaseScreen switches back to the camera and closes the screen capture.
func (s *Source) ReleaseScreen() error {
	if s.screen == nil {
		return nil
	}
	if s.active == KindScreen {
		if err := s.SwapOutboundVideo(KindCamera); err != nil {
			return err
		}
	}
	t := s.screen
	s.screen = nil
	if err := t.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close screen capture")
	}
	return nil
}

// HandleTrackEnded reacts to a capture that stopped on its own. It reports
// true when the active screen share was ended and the camera restored.
func (s *Source) HandleTrackEnded(t Track) (bool, error) {
	if s.closed || t == nil || t != s.screen {
		return false, nil
	}
	if err := s.ReleaseScreen(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Source) SetMicEnabled(on bool) {
	s.micOn = on
	s.applyEnabled()
}

func (s *Source) SetCameraEnabled(on bool) {
	s.cameraOn = on
	s.applyEnabled()
}

func (s *Source) applyEnabled() {
	if m, ok := s.audio.(Muter); ok {
		m.SetEnabled(s.micOn)
	}
	if m, ok := s.camera.(Muter); ok {
		m.SetEnabled(s.cameraOn)
	}
}

// MicOn reports whether audio is sent. It is false without a microphone.
func (s *Source) MicOn() bool { return s.micOn && s.audio != nil }

// CameraOn reports whether camera video is sent. It is false without a camera.
func (s *Source) CameraOn() bool { return s.cameraOn && s.camera != nil }

func (s *Source) ActiveKind() Kind { return s.active }
func (s *Source) Sharing() bool    { return s.active == KindScreen }

// ActiveVideo is the track every video sender currently carries.
func (s *Source) ActiveVideo() webrtc.TrackLocal {
	if s.active == KindScreen && s.screen != nil {
		return s.screen
	}
	if s.camera == nil {
		return nil
	}
	return s.camera
}

func (s *Source) Audio() webrtc.TrackLocal {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

// Outbound lists the tracks a new link attaches.
func (s *Source) Outbound() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, 2)
	if a := s.Audio(); a != nil {
		out = append(out, a)
	}
	if v := s.ActiveVideo(); v != nil {
		out = append(out, v)
	}
	return out
}

// RegisterCodecs lets the capturer pick the codecs of the media engine.
func (s *Source) RegisterCodecs(m *webrtc.MediaEngine) error {
	if r, ok := s.capturer.(CodecRegistrar); ok {
		return r.RegisterCodecs(m)
	}
	return m.RegisterDefaultCodecs()
}

// Close releases every capture.
func (s *Source) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, t := range []Track{s.audio, s.camera, s.screen} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			s.logger.Warn().Err(err).Str("track", t.ID()).Msg("close capture")
		}
	}
	s.audio, s.camera, s.screen = nil, nil, nil
}
