package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultReadLimit  = 32768
	defaultPingPeriod = 54 * time.Second
	defaultSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SignalWSController serves the relay websocket endpoint.
type SignalWSController struct {
	Hub     *Hub
	Limiter *JoinLimiter

	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

// HandleSignal upgrades the request and runs the connection until it closes.
// The room comes from the "room" query parameter and the client token from
// the gin context.
func (ctl *SignalWSController) HandleSignal(c *gin.Context) {
	token := c.GetString("client_token")
	roomName, err := ResolveRoom(c.Query("room"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if !ctl.Limiter.Allow(token) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	// Cookies set by middleware must ride on the upgrade response.
	hdr := http.Header{}
	for _, v := range c.Writer.Header().Values("Set-Cookie") {
		hdr.Add("Set-Cookie", v)
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, hdr)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}

	client := NewClient(ws, ctl.sendBuffer())
	go client.writePump(ctl.pingPeriod())
	ctl.readPump(client, roomName, token)
}

func (ctl *SignalWSController) readPump(c *Client, roomName domain.RoomName, token string) {
	logger := log.With().Str("module", "relay").Str("room", string(roomName)).Logger()
	var self domain.PeerID
	defer func() {
		if self != "" {
			ctl.Hub.Leave(roomName, self)
		}
		c.Close()
		logger.Info().Str("peer", string(self)).Msg("readPump closing")
	}()

	pongWait := ctl.pingPeriod() * 10 / 9
	c.conn.SetReadLimit(ctl.readLimit())
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Str("peer", string(self)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := core.ParseEnvelope(data)
		if err != nil {
			metrics.RelayDropped.WithLabelValues("malformed").Inc()
			logger.Warn().Err(err).Msg("bad envelope")
			continue
		}
		self = ctl.handleSignal(logger, c, roomName, token, self, env)
	}
}

// handleSignal applies one envelope and returns the sender identity
// afterwards.
func (ctl *SignalWSController) handleSignal(
	logger zerolog.Logger,
	c *Client,
	roomName domain.RoomName,
	token string,
	self domain.PeerID,
	env core.Envelope,
) domain.PeerID {
	switch env.Type {
	case core.TypeJoin:
		if self != "" {
			metrics.RelayDropped.WithLabelValues("rejoin").Inc()
			logger.Warn().Str("peer", string(self)).Msg("join while joined")
			return self
		}
		id, err := ctl.Hub.Join(roomName, token, env.Name, c)
		if err != nil {
			metrics.RelayDropped.WithLabelValues("join").Inc()
			logger.Warn().Err(err).Str("name", env.Name).Msg("join refused")
			c.Close()
			return ""
		}
		return id
	case core.TypeLeave:
		if self != "" {
			ctl.Hub.Leave(roomName, self)
		}
		return ""
	default:
		if self == "" {
			metrics.RelayDropped.WithLabelValues("not-joined").Inc()
			logger.Warn().Str("type", string(env.Type)).Msg("envelope before join")
			return self
		}
		if err := ctl.Hub.Route(roomName, self, env); err != nil {
			lvl := zerolog.WarnLevel
			if errors.Is(err, ErrUnknownPeer) {
				lvl = zerolog.DebugLevel
			}
			logger.WithLevel(lvl).Err(err).Str("peer", string(self)).Str("type", string(env.Type)).Msg("route")
		}
		return self
	}
}

func (ctl *SignalWSController) readLimit() int64 {
	if ctl.ReadLimit > 0 {
		return ctl.ReadLimit
	}
	return defaultReadLimit
}

func (ctl *SignalWSController) pingPeriod() time.Duration {
	if ctl.PingPeriod > 0 {
		return ctl.PingPeriod
	}
	return defaultPingPeriod
}

func (ctl *SignalWSController) sendBuffer() int {
	if ctl.SendBuffer > 0 {
		return ctl.SendBuffer
	}
	return defaultSendBuffer
}
