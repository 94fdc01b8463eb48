package signal

import (
	"context"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			flush(c)
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := write(c, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				_ = c.conn.Close()
				return
			}
		}
	}
}

func write(c *WsSignalConn, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// flush writes what is still queued and says goodbye.
func flush(c *WsSignalConn) {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := write(c, data); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = c.conn.Close()
			return
		}
	}
}

func (ch *Channel) readPump(ctx context.Context, c *WsSignalConn) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		env, err := core.ParseEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("dropping malformed envelope")
			metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
			continue
		}
		metrics.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()
		if ch.opts.OnMessage != nil {
			ch.opts.OnMessage(env)
		}
	}
}
