package signal_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/signal"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

type relayStub struct {
	mu       sync.Mutex
	received []core.Envelope
	conns    int
	// serve runs for every accepted connection.
	serve func(n int, ws *websocket.Conn)
}

func (r *relayStub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns++
	n := r.conns
	r.mu.Unlock()
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := core.ParseEnvelope(data)
			if err != nil {
				continue
			}
			r.mu.Lock()
			r.received = append(r.received, env)
			r.mu.Unlock()
		}
	}()
	if r.serve != nil {
		r.serve(n, ws)
	}
}

func (r *relayStub) Received() []core.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Envelope(nil), r.received...)
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func fastBackoff() signal.Backoff {
	return signal.Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Multiplier: 2}
}

func TestHandshakeResentOnEveryEpoch(t *testing.T) {
	stub := &relayStub{serve: func(n int, ws *websocket.Conn) {
		if n == 1 {
			time.Sleep(50 * time.Millisecond)
			_ = ws.Close()
		}
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	var mu sync.Mutex
	var epochs []uint64
	ch := signal.NewChannel(signal.Options{
		URL:     wsURL(srv),
		Backoff: fastBackoff(),
		OnOpen: func(epoch uint64) []core.Envelope {
			mu.Lock()
			epochs = append(epochs, epoch)
			mu.Unlock()
			return []core.Envelope{{Type: core.TypeJoin, Name: "Alice"}}
		},
	})
	ch.Connect(context.Background())
	defer ch.Close()

	require.Eventually(t, func() bool { return len(stub.Received()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	for _, env := range stub.Received()[:2] {
		assert.Equal(t, core.TypeJoin, env.Type)
		assert.Equal(t, "Alice", env.Name)
	}
	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, epochs)
	mu.Unlock()
	assert.Equal(t, uint64(2), ch.Epoch())
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	stub := &relayStub{serve: func(_ int, ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"assign-id","id":"p1"}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"user-list","users":[{"userId":"p0","userName":"Bob"}]}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","from":"p2","name":"Carol"}`))
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	var mu sync.Mutex
	var got []core.MessageType
	ch := signal.NewChannel(signal.Options{
		URL:     wsURL(srv),
		Backoff: fastBackoff(),
		OnMessage: func(env core.Envelope) {
			mu.Lock()
			got = append(got, env.Type)
			mu.Unlock()
		},
	})
	ch.Connect(context.Background())
	defer ch.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []core.MessageType{core.TypeAssignID, core.TypeUserList, core.TypeJoin}, got)
	mu.Unlock()
}

func TestPermanentRejectionStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	rejected := make(chan error, 1)
	ch := signal.NewChannel(signal.Options{
		URL:        wsURL(srv),
		Backoff:    fastBackoff(),
		OnRejected: func(err error) { rejected <- err },
	})
	ch.Connect(context.Background())

	select {
	case err := <-rejected:
		assert.ErrorIs(t, err, signal.ErrRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("no rejection")
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("loop still running")
	}
}

func TestTransientFailureRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	stub := &relayStub{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		stub.ServeHTTP(w, r)
	}))
	defer srv.Close()

	opened := make(chan uint64, 1)
	ch := signal.NewChannel(signal.Options{
		URL:     wsURL(srv),
		Backoff: fastBackoff(),
		OnOpen: func(epoch uint64) []core.Envelope {
			opened <- epoch
			return nil
		},
	})
	ch.Connect(context.Background())
	defer ch.Close()

	select {
	case epoch := <-opened:
		assert.Equal(t, uint64(1), epoch)
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}
}

func TestSendBeforeOpenAndAfterClose(t *testing.T) {
	stub := &relayStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	ch := signal.NewChannel(signal.Options{URL: wsURL(srv), Backoff: fastBackoff()})
	assert.False(t, ch.Send(core.Envelope{Type: core.TypeLeave}))

	ch.Connect(context.Background())
	require.Eventually(t, func() bool {
		return ch.Send(core.Envelope{Type: core.TypeMediaUpdate, Data: []byte(`{"isMicOn":false}`)})
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, ch.Send(core.Envelope{Type: core.TypeLeave}))
	ch.Close()

	assert.False(t, ch.Send(core.Envelope{Type: core.TypeLeave}))
	require.Eventually(t, func() bool {
		got := stub.Received()
		return len(got) > 0 && got[len(got)-1].Type == core.TypeLeave
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackoffIsCapped(t *testing.T) {
	b := signal.Backoff{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}
	d := b.Initial
	var seq []time.Duration
	for i := 0; i < 7; i++ {
		seq = append(seq, d)
		d = b.Next(d)
	}
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, seq)
}
