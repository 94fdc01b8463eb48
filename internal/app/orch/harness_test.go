package orch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/app/media"
	"github.com/dkeye/Mesh/internal/app/orch"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/core/coretest"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// memRelay routes envelopes between in-process participants the way the
// relay binary does.
type memRelay struct {
	mu     sync.Mutex
	next   int
	joined []*memChannel
	routed []core.Envelope
}

type memChannel struct {
	relay *memRelay
	ctl   *orch.Controller

	mu     sync.Mutex
	id     domain.PeerID
	name   string
	epoch  uint64
	open   bool
	closed bool
}

func (m *memChannel) Connect(context.Context) { go m.dial() }

func (m *memChannel) dial() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	envs := m.ctl.OnOpen(epoch)
	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	for _, env := range envs {
		m.Send(env)
	}
}

func (m *memChannel) Send(env core.Envelope) bool {
	m.mu.Lock()
	open := m.open
	m.mu.Unlock()
	if !open {
		return false
	}
	m.relay.route(m, env)
	return true
}

func (m *memChannel) Close() {
	m.mu.Lock()
	m.closed = true
	m.open = false
	m.mu.Unlock()
	m.relay.detach(m)
}

// reconnect drops the connection and dials again, starting a new epoch.
func (m *memChannel) reconnect() {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
	m.relay.detach(m)
	go m.dial()
}

func (m *memChannel) ID() domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (r *memRelay) route(from *memChannel, env core.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch env.Type {
	case core.TypeJoin:
		r.next++
		id := domain.PeerID(fmt.Sprintf("p%d", r.next))
		from.mu.Lock()
		from.id, from.name = id, env.Name
		from.mu.Unlock()

		users := make([]core.UserEntry, 0, len(r.joined))
		for _, o := range r.joined {
			users = append(users, core.UserEntry{UserID: o.id, UserName: o.name})
		}
		from.ctl.OnMessage(core.Envelope{Type: core.TypeAssignID, ID: id})
		from.ctl.OnMessage(core.Envelope{Type: core.TypeUserList, Users: users})
		for _, o := range r.joined {
			o.ctl.OnMessage(core.Envelope{Type: core.TypeJoin, From: id, Name: env.Name})
		}
		r.joined = append(r.joined, from)
	case core.TypeLeave:
		r.detachLocked(from)
	default:
		env.From = from.id
		r.routed = append(r.routed, env)
		for _, o := range r.joined {
			if o == from {
				continue
			}
			if env.To == "" || env.To == o.id {
				o.ctl.OnMessage(env)
			}
		}
	}
}

func (r *memRelay) detach(m *memChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(m)
}

func (r *memRelay) detachLocked(m *memChannel) {
	for i, o := range r.joined {
		if o != m {
			continue
		}
		r.joined = append(r.joined[:i], r.joined[i+1:]...)
		for _, rest := range r.joined {
			rest.ctl.OnMessage(core.Envelope{Type: core.TypeLeave, From: m.id})
		}
		return
	}
}

func (r *memRelay) kick(m *memChannel, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.ctl.OnMessage(core.Envelope{Type: core.TypeKicked, Reason: reason})
	r.detachLocked(m)
}

// Routed returns the forwarded envelopes of type t sent by from.
func (r *memRelay) Routed(t core.MessageType, from domain.PeerID) []core.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Envelope
	for _, env := range r.routed {
		if env.Type == t && env.From == from {
			out = append(out, env)
		}
	}
	return out
}

type participant struct {
	ctl  *orch.Controller
	ch   *memChannel
	capt *media.SyntheticCapturer

	mu    sync.Mutex
	conns map[domain.PeerID][]*coretest.Conn
}

func (r *memRelay) newParticipant(t *testing.T) *participant {
	t.Helper()
	capt := &media.SyntheticCapturer{Interval: -1}
	p := r.newParticipantWith(t, capt)
	p.capt = capt
	return p
}

func (r *memRelay) newParticipantWith(t *testing.T, capt media.Capturer) *participant {
	t.Helper()
	p := &participant{
		ch:    &memChannel{relay: r},
		conns: make(map[domain.PeerID][]*coretest.Conn),
	}
	p.ctl = orch.New(orch.Params{
		Channel: p.ch,
		Media:   media.NewSource(capt),
		Factory: func(remote domain.PeerID) (core.MediaConnection, error) {
			c := coretest.NewConn()
			p.mu.Lock()
			p.conns[remote] = append(p.conns[remote], c)
			p.mu.Unlock()
			return c, nil
		},
		Debounce: 10 * time.Millisecond,
	})
	p.ch.ctl = p.ctl
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.ctl.Run(ctx) }()
	t.Cleanup(cancel)
	return p
}

func (p *participant) conn(id domain.PeerID) *coretest.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs := p.conns[id]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (p *participant) allConns() []*coretest.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*coretest.Conn
	for _, cs := range p.conns {
		out = append(out, cs...)
	}
	return out
}

func (p *participant) join(t *testing.T, name string) domain.PeerID {
	t.Helper()
	require.NoError(t, p.ctl.Join(context.Background(), name))
	var id domain.PeerID
	require.Eventually(t, func() bool {
		id, _ = p.ctl.LocalID(context.Background())
		return id != ""
	}, 2*time.Second, 5*time.Millisecond)
	return id
}

func (p *participant) roster(t *testing.T) []domain.Participant {
	t.Helper()
	r, err := p.ctl.Roster(context.Background())
	require.NoError(t, err)
	return r
}

func (p *participant) entry(t *testing.T, id domain.PeerID) (domain.Participant, bool) {
	t.Helper()
	for _, e := range p.roster(t) {
		if e.ID == id {
			return e, true
		}
	}
	return domain.Participant{}, false
}

// allStable waits until p has exactly want links, all Stable.
func (p *participant) allStable(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		states, err := p.ctl.LinkStates(context.Background())
		if err != nil || len(states) != want {
			return false
		}
		for _, s := range states {
			if s.String() != "stable" {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func videoID(c *coretest.Conn) string {
	if t := c.VideoTrack(); t != nil {
		return t.ID()
	}
	return ""
}

var _ webrtc.TrackLocal = (*media.SyntheticTrack)(nil)
