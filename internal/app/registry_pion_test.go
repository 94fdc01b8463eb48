package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/adapters/rtc"
	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/app/peer"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/core/coretest"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pionWait = 15 * time.Second

// loop runs the callbacks of every registry in one goroutine, like the
// session event loop does for one participant.
type loop struct {
	events chan func()
	done   chan struct{}
}

func newLoop(t *testing.T) *loop {
	l := &loop{events: make(chan func(), 4096), done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(l.done)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-l.events:
				f()
			}
		}
	}()
	t.Cleanup(cancel)
	return l
}

func (l *loop) post(f func()) {
	select {
	case l.events <- f:
	case <-l.done:
	}
}

func (l *loop) call(f func()) {
	ran := make(chan struct{})
	l.post(func() {
		f()
		close(ran)
	})
	select {
	case <-ran:
	case <-l.done:
	}
}

// watchedConn records the ICE state of a real connection.
type watchedConn struct {
	core.MediaConnection

	mu  sync.Mutex
	ice webrtc.ICEConnectionState
}

func (w *watchedConn) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	w.MediaConnection.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		w.mu.Lock()
		w.ice = s
		w.mu.Unlock()
		fn(s)
	})
}

func (w *watchedConn) connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ice == webrtc.ICEConnectionStateConnected || w.ice == webrtc.ICEConnectionStateCompleted
}

// pionPeer is one side of a pair of registries on real pion connections.
type pionPeer struct {
	id  domain.PeerID
	reg *app.Registry
	net *pionNet

	mu    sync.Mutex
	conns []*watchedConn
}

func (p *pionPeer) Send(env core.Envelope) bool {
	env.From = p.id
	p.net.record(env)
	p.net.loop.post(func() { p.net.deliver(env) })
	return true
}

func (p *pionPeer) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *pionPeer) lastConn() *watchedConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[len(p.conns)-1]
}

// pionNet routes envelopes between the peers through the loop, in send order.
type pionNet struct {
	loop  *loop
	peers map[domain.PeerID]*pionPeer

	mu   sync.Mutex
	sent []core.Envelope
}

func newPionNet(t *testing.T, ids ...domain.PeerID) *pionNet {
	t.Helper()
	cfg := rtc.DefaultConfig()
	cfg.ICEServers = nil
	cfg.IncludeLoopback = true
	factory, err := rtc.NewFactory(cfg, nil)
	require.NoError(t, err)

	n := &pionNet{loop: newLoop(t), peers: make(map[domain.PeerID]*pionPeer)}
	for _, id := range ids {
		p := &pionPeer{id: id, net: n}
		p.reg = app.NewRegistry(app.RegistryParams{
			Factory: func(remote domain.PeerID) (core.MediaConnection, error) {
				mc, err := factory.New(remote)
				if err != nil {
					return nil, err
				}
				w := &watchedConn{MediaConnection: mc}
				p.mu.Lock()
				p.conns = append(p.conns, w)
				p.mu.Unlock()
				return w, nil
			},
			Signaler: p,
			Tracks: staticTracks{
				coretest.NewTrack(webrtc.RTPCodecTypeAudio, "mic"),
				coretest.NewTrack(webrtc.RTPCodecTypeVideo, "camera"),
			},
			Post: n.loop.post,
		})
		p.reg.SetLocal(id)
		n.peers[id] = p
	}
	t.Cleanup(func() {
		n.loop.call(func() {
			for _, p := range n.peers {
				p.reg.CloseAll()
			}
		})
	})
	return n
}

func (n *pionNet) record(env core.Envelope) {
	n.mu.Lock()
	n.sent = append(n.sent, env)
	n.mu.Unlock()
}

// count returns how many envelopes of type t from sent.
func (n *pionNet) count(t core.MessageType, from domain.PeerID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, env := range n.sent {
		if env.Type == t && env.From == from {
			c++
		}
	}
	return c
}

// deliver hands env to its target the way the session controller does.
// Errors for envelopes of replaced links are expected and ignored.
func (n *pionNet) deliver(env core.Envelope) {
	to, ok := n.peers[env.To]
	if !ok {
		return
	}
	var d core.Description
	var c webrtc.ICECandidateInit
	switch env.Type {
	case core.TypeOffer:
		if env.Decode(&d) == nil {
			_ = to.reg.HandleOffer(env.From, d)
		}
	case core.TypeAnswer:
		if env.Decode(&d) == nil {
			_ = to.reg.HandleAnswer(env.From, d)
		}
	case core.TypeICECandidate:
		if env.Decode(&c) == nil {
			_ = to.reg.HandleCandidate(env.From, c)
		}
	case core.TypeNegotiationFailed:
		to.reg.HandleNegotiationFailed(env.From)
	}
}

// start creates the links of a and b, offering from the sides in offerers.
func (n *pionNet) start(t *testing.T, a, b domain.PeerID, offerers ...domain.PeerID) {
	t.Helper()
	var errs []error
	n.loop.call(func() {
		for _, pair := range [][2]domain.PeerID{{a, b}, {b, a}} {
			reg := n.peers[pair[0]].reg
			create := reg.Expect
			for _, o := range offerers {
				if o == pair[0] {
					create = reg.Ensure
				}
			}
			_, err := create(pair[1], string(pair[1]))
			errs = append(errs, err)
		}
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func (n *pionNet) link(id, remote domain.PeerID) *peer.Link {
	var l *peer.Link
	n.loop.call(func() { l, _ = n.peers[id].reg.Get(remote) })
	return l
}

// stable waits until each peer has one Stable link to the other.
func (n *pionNet) stable(t *testing.T, a, b domain.PeerID) {
	t.Helper()
	require.Eventually(t, func() bool {
		ok := true
		n.loop.call(func() {
			for _, pair := range [][2]domain.PeerID{{a, b}, {b, a}} {
				l, found := n.peers[pair[0]].reg.Get(pair[1])
				if !found || l.State() != peer.StateStable {
					ok = false
				}
			}
		})
		return ok
	}, pionWait, 10*time.Millisecond)
}

func (n *pionNet) connected(t *testing.T, ids ...domain.PeerID) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if !n.peers[id].lastConn().connected() {
				return false
			}
		}
		return true
	}, pionWait, 20*time.Millisecond)
}

func TestPionJoinerOffersWithoutGlare(t *testing.T) {
	n := newPionNet(t, "a", "b")

	n.start(t, "a", "b", "b")

	n.stable(t, "a", "b")
	n.connected(t, "a", "b")
	assert.Equal(t, 1, n.count(core.TypeOffer, "b"))
	assert.Zero(t, n.count(core.TypeOffer, "a"))
	assert.Equal(t, 1, n.count(core.TypeAnswer, "a"))
	assert.Equal(t, 1, n.peers["a"].connCount())
	assert.Equal(t, 1, n.peers["b"].connCount())
}

func TestPionSimultaneousOffersPoliteSideAnswers(t *testing.T) {
	n := newPionNet(t, "a", "b")

	// Both sides offer before either offer is delivered.
	n.start(t, "a", "b", "a", "b")

	n.stable(t, "a", "b")
	n.connected(t, "a", "b")
	assert.Equal(t, 1, n.count(core.TypeAnswer, "a"), "polite side answers")
	assert.Zero(t, n.count(core.TypeAnswer, "b"), "impolite side keeps its offer")
	assert.Zero(t, n.count(core.TypeNegotiationFailed, "a"))
	assert.Equal(t, 2, n.peers["a"].connCount(), "polite side answers from a fresh connection")
	assert.Equal(t, 1, n.peers["b"].connCount())
	assert.Equal(t, 1, n.link("a", "b").StableCount())
	assert.Equal(t, 1, n.link("b", "a").StableCount())
}

func TestPionRenegotiationGlareRebuildsBothSides(t *testing.T) {
	n := newPionNet(t, "a", "b")
	n.start(t, "a", "b", "b")
	n.stable(t, "a", "b")
	n.connected(t, "a", "b")

	var errA, errB error
	n.loop.call(func() {
		la, _ := n.peers["a"].reg.Get("b")
		lb, _ := n.peers["b"].reg.Get("a")
		errA = la.Renegotiate()
		errB = lb.Renegotiate()
	})
	require.NoError(t, errA)
	require.NoError(t, errB)

	require.Eventually(t, func() bool {
		return n.peers["a"].connCount() == 2 && n.peers["b"].connCount() == 2
	}, pionWait, 10*time.Millisecond)
	n.stable(t, "a", "b")
	n.connected(t, "a", "b")
	assert.Equal(t, 1, n.count(core.TypeNegotiationFailed, "a"))
	assert.Zero(t, n.count(core.TypeNegotiationFailed, "b"))
	assert.Equal(t, 3, n.count(core.TypeOffer, "b"), "the rebuilt impolite side offers")
	assert.Equal(t, 1, n.link("a", "b").StableCount())
	assert.Equal(t, 1, n.link("b", "a").StableCount())
}
