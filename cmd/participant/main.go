package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Mesh/internal/adapters/rtc"
	sig "github.com/dkeye/Mesh/internal/adapters/signal"
	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/app/media"
	"github.com/dkeye/Mesh/internal/app/orch"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("participant failed")
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loaded, err := config.LoadParticipant(os.Args[1:])
	if err != nil {
		return err
	}
	cfg := loaded.Config
	if err := config.SetupLogger(cfg.Log); err != nil {
		return err
	}
	loaded.WatchLogLevel()
	if err := domain.ValidateName(cfg.Name); err != nil {
		return fmt.Errorf("name: %w", err)
	}

	capturer, err := newCapturer(cfg)
	if err != nil {
		return err
	}
	src := media.NewSource(capturer)

	factory, err := rtc.NewFactory(rtcConfig(cfg), src.RegisterCodecs)
	if err != nil {
		return err
	}

	relayURL, err := roomURL(cfg.RelayURL, cfg.Room)
	if err != nil {
		return err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}

	var ctl *orch.Controller
	ch := sig.NewChannel(sig.Options{
		URL:    relayURL,
		Dialer: &websocket.Dialer{Jar: jar, HandshakeTimeout: 10 * time.Second},
		Backoff: sig.Backoff{
			Initial:    cfg.Backoff.Initial,
			Max:        cfg.Backoff.Max,
			Multiplier: cfg.Backoff.Multiplier,
		},
		OnOpen:     func(epoch uint64) []core.Envelope { return ctl.OnOpen(epoch) },
		OnMessage:  func(env core.Envelope) { ctl.OnMessage(env) },
		OnClose:    func(err error) { ctl.OnClose(err) },
		OnRejected: func(err error) { ctl.OnRejected(err) },
	})

	ctl = orch.New(orch.Params{
		Channel:        ch,
		Media:          src,
		Factory:        factory.New,
		Policy:         app.RestartPolicy{MaxRestarts: cfg.MaxICERestarts},
		Debounce:       cfg.RenegotiateDebounce,
		DeferredWindow: cfg.DeferredWindow,
		RestartTimeout: cfg.RestartTimeout,
		OnRoster:       logRoster,
		OnRemoteTrack:  drainRemote,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctl.Run(gctx) })
	g.Go(func() error {
		if err := ctl.Join(gctx, cfg.Name); err != nil {
			return fmt.Errorf("join: %w", err)
		}
		<-ctl.Done()
		exit := ctl.Exit()
		log.Info().Str("module", "cmd.participant").Stringer("exit", exit.Kind).Str("detail", exit.Detail).Err(exit.Err).Msg("session over")
		if exit.Kind == orch.ExitRejected {
			return fmt.Errorf("relay rejected the session: %w", exit.Err)
		}
		cancel()
		return nil
	})
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		g.Go(func() error {
			log.Info().Str("module", "cmd.participant").Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func newCapturer(cfg config.ParticipantConfig) (media.Capturer, error) {
	switch cfg.Capture {
	case "device":
		return media.NewDeviceCapturer()
	case "synthetic", "":
		return &media.SyntheticCapturer{Interval: cfg.SyntheticFrame}, nil
	case "none":
		return media.NoCapturer{}, nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Capture)
	}
}

func rtcConfig(cfg config.ParticipantConfig) rtc.Config {
	c := rtc.DefaultConfig()
	c.ICEServers = nil
	if len(cfg.ICE.Servers) > 0 {
		c.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICE.Servers}}
	}
	if cfg.ICE.DisconnectedTimeout > 0 {
		c.DisconnectedTimeout = cfg.ICE.DisconnectedTimeout
	}
	if cfg.ICE.FailedTimeout > 0 {
		c.FailedTimeout = cfg.ICE.FailedTimeout
	}
	if cfg.ICE.KeepAliveInterval > 0 {
		c.KeepAliveInterval = cfg.ICE.KeepAliveInterval
	}
	c.IncludeLoopback = cfg.ICE.IncludeLoopback
	return c
}

func roomURL(raw, room string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	if room != "" {
		q := u.Query()
		q.Set("room", room)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func logRoster(ps []domain.Participant) {
	e := log.Debug().Str("module", "cmd.participant").Int("count", len(ps))
	for _, p := range ps {
		e = e.Str(string(p.ID), fmt.Sprintf("%s mic=%t cam=%t screen=%t pinned=%t", p.DisplayName, p.MicOn, p.CameraOn, p.ScreenSharing, p.Pinned))
	}
	e.Msg("roster")
}

// drainRemote reads a remote track until it ends so the receive buffers keep
// moving. Rendering is out of scope.
func drainRemote(from domain.PeerID, t *webrtc.TrackRemote) {
	go func() {
		buf := make([]byte, 1500)
		var n int64
		for {
			read, _, err := t.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Str("module", "cmd.participant").Str("peer", string(from)).Msg("remote track read")
				}
				break
			}
			n += int64(read)
		}
		log.Info().Str("module", "cmd.participant").Str("peer", string(from)).Str("kind", t.Kind().String()).Int64("bytes", n).Msg("remote track ended")
	}()
}
