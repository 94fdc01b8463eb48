// Package signal is the participant side of the signaling relay connection.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrRejected     = errors.New("handshake rejected")
	errConnClosed   = errors.New("connection closed")
)

const (
	defaultSendBuffer = 64
	defaultReadLimit  = 1 << 20
	writeWait         = 5 * time.Second
)

type Options struct {
	URL     string
	Header  http.Header
	Dialer  *websocket.Dialer
	Backoff Backoff
	Clock   clock.Clock

	SendBuffer int
	ReadLimit  int64

	// OnOpen runs for every established connection before any message is
	// read. The returned envelopes are sent first.
	OnOpen func(epoch uint64) []core.Envelope
	// OnMessage receives every valid envelope in arrival order.
	OnMessage func(core.Envelope)
	// OnClose reports an unexpected connection loss.
	OnClose func(err error)
	// OnRejected reports a permanent handshake rejection. The channel stops.
	OnRejected func(err error)
}

// Channel is a reconnecting, message-framed connection to the relay.
type Channel struct {
	opts Options

	mu     sync.RWMutex
	conn   *WsSignalConn
	epoch  atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func NewChannel(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	opts.Backoff = opts.Backoff.normalized()
	return &Channel{opts: opts, done: make(chan struct{})}
}

// Connect starts the dial loop in the background. Failures are retried with
// backoff until ctx ends, Close is called, or the relay rejects the handshake.
func (c *Channel) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

// Done is closed when the dial loop has stopped.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Epoch is the number of connections established so far.
func (c *Channel) Epoch() uint64 { return c.epoch.Load() }

// Send queues env on the open connection. It reports false when the channel
// is not open or its buffer is full.
func (c *Channel) Send(env core.Envelope) bool {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return false
	}
	return c.sendOn(conn, env)
}

func (c *Channel) sendOn(conn *WsSignalConn, env core.Envelope) bool {
	b, err := env.Marshal()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal envelope")
		return false
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("type", string(env.Type)).Msg("send dropped")
		metrics.EnvelopesDropped.WithLabelValues("send").Inc()
		return false
	}
	return true
}

// Close stops the loop, flushing queued envelopes first.
func (c *Channel) Close() {
	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-c.done
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	delay := c.opts.Backoff.Initial
	for {
		ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if ctx.Err() != nil {
			if ws != nil {
				_ = ws.Close()
			}
			return
		}
		if err != nil {
			if resp != nil && permanent(resp.StatusCode) {
				err = fmt.Errorf("%w: %s", ErrRejected, resp.Status)
				log.Error().Err(err).Str("module", "signal").Msg("relay refused the session")
				if c.opts.OnRejected != nil {
					c.opts.OnRejected(err)
				}
				return
			}
			log.Warn().Err(err).Str("module", "signal").Dur("retry_in", delay).Msg("dial failed")
			if !c.sleep(ctx, delay) {
				return
			}
			delay = c.opts.Backoff.Next(delay)
			continue
		}

		delay = c.opts.Backoff.Initial
		err = c.serve(ctx, ws)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("module", "signal").Dur("retry_in", delay).Msg("connection lost")
		if c.opts.OnClose != nil {
			c.opts.OnClose(err)
		}
		if !c.sleep(ctx, delay) {
			return
		}
		delay = c.opts.Backoff.Next(delay)
	}
}

func permanent(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	t := c.opts.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve runs one connection until it breaks or ctx ends.
func (c *Channel) serve(ctx context.Context, ws *websocket.Conn) error {
	ws.SetReadLimit(c.opts.ReadLimit)
	conn := &WsSignalConn{conn: ws, send: make(chan []byte, c.opts.SendBuffer)}
	epoch := c.epoch.Add(1)
	metrics.SignalConnects.Inc()
	log.Info().Str("module", "signal").Uint64("epoch", epoch).Str("url", c.opts.URL).Msg("connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writePump(ctx, conn)
	}()

	if c.opts.OnOpen != nil {
		for _, env := range c.opts.OnOpen(epoch) {
			c.sendOn(conn, env)
		}
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	err := c.readPump(ctx, conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	cancel()
	<-writerDone
	conn.Close()
	return err
}

// WsSignalConn is one websocket with a bounded outbound queue.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}
