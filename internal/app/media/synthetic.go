package media

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrCaptureStopped = errors.New("capture stopped")

const (
	videoFrameInterval = 33 * time.Millisecond
	audioFrameInterval = 20 * time.Millisecond
	videoClockRate     = 90000
	audioClockRate     = 48000
)

// SyntheticTrack is a static RTP track fed by a generator goroutine. It stands
// in for a capture device on headless participants.
type SyntheticTrack struct {
	*webrtc.TrackLocalStaticRTP

	enabled atomic.Bool
	stopped atomic.Bool

	mu      sync.Mutex
	onEnded func(error)
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSyntheticTrack creates a track of kind. With a zero interval no packets
// are generated.
func NewSyntheticTrack(kind webrtc.RTPCodecType, id string, interval time.Duration) (*SyntheticTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate}
	if kind == webrtc.RTPCodecTypeAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2}
	}
	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, "mesh")
	if err != nil {
		return nil, err
	}
	t := &SyntheticTrack{TrackLocalStaticRTP: local, done: make(chan struct{})}
	t.enabled.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	if interval <= 0 {
		close(t.done)
		return t, nil
	}
	logger := log.With().Str("module", "app.media").Str("track", id).Logger()
	go t.pump(ctx, interval, codec.ClockRate, &logger)
	return t, nil
}

// pump writes one packet per interval while the track is enabled.
func (t *SyntheticTrack) pump(ctx context.Context, interval time.Duration, clockRate uint32, logger *zerolog.Logger) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	step := uint32(interval.Seconds() * float64(clockRate))
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: make([]byte, 160),
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pkt.SequenceNumber++
		pkt.Timestamp += step
		if !t.enabled.Load() {
			continue
		}
		if err := t.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Error().Err(err).Msg("synthetic write RTP error, stopping")
			t.End(err)
			return
		}
	}
}

func (t *SyntheticTrack) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *SyntheticTrack) Enabled() bool      { return t.enabled.Load() }

func (t *SyntheticTrack) OnEnded(f func(error)) {
	t.mu.Lock()
	t.onEnded = f
	t.mu.Unlock()
}

// End stops the track as if the capture went away and fires OnEnded once.
func (t *SyntheticTrack) End(err error) {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	t.cancel()
	t.mu.Lock()
	f := t.onEnded
	t.mu.Unlock()
	if f != nil {
		if err == nil {
			err = ErrCaptureStopped
		}
		f(err)
	}
}

func (t *SyntheticTrack) Close() error {
	if t.stopped.CompareAndSwap(false, true) {
		t.cancel()
	}
	<-t.done
	return nil
}

// SyntheticCapturer generates camera, microphone and screen tracks.
type SyntheticCapturer struct {
	// Interval overrides the frame cadence; negative disables the generators.
	Interval time.Duration

	mu      sync.Mutex
	screens []*SyntheticTrack
}

func (c *SyntheticCapturer) interval(def time.Duration) time.Duration {
	switch {
	case c.Interval < 0:
		return 0
	case c.Interval > 0:
		return c.Interval
	default:
		return def
	}
}

func (c *SyntheticCapturer) Camera(_ context.Context) (Capture, error) {
	audio, err := NewSyntheticTrack(webrtc.RTPCodecTypeAudio, "mic", c.interval(audioFrameInterval))
	if err != nil {
		return Capture{}, err
	}
	video, err := NewSyntheticTrack(webrtc.RTPCodecTypeVideo, "camera", c.interval(videoFrameInterval))
	if err != nil {
		_ = audio.Close()
		return Capture{}, err
	}
	return Capture{Audio: audio, Video: video}, nil
}

func (c *SyntheticCapturer) Screen(_ context.Context) (Track, error) {
	t, err := NewSyntheticTrack(webrtc.RTPCodecTypeVideo, "screen", c.interval(videoFrameInterval))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.screens = append(c.screens, t)
	c.mu.Unlock()
	return t, nil
}

// LastScreen is the most recent screen capture handed out.
func (c *SyntheticCapturer) LastScreen() *SyntheticTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.screens) == 0 {
		return nil
	}
	return c.screens[len(c.screens)-1]
}
