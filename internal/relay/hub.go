// Package relay is the reference signaling relay: it assigns identities,
// announces joins and leaves, and forwards peer envelopes inside a room.
// It keeps no media or negotiation state.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownRoom    = errors.New("unknown room")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrNotOwner       = errors.New("not the room owner")
	ErrNotForwardable = errors.New("envelope type is not forwarded")
)

const (
	DefaultRoom     domain.RoomName = "lobby"
	KickReasonOwner                 = "Removed by host"
)

// Outbox is the write side of one participant connection.
type Outbox interface {
	TrySend(b []byte) error
	Close()
}

type member struct {
	id   domain.PeerID
	name string
	out  Outbox
}

type room struct {
	domain.Room
	members map[domain.PeerID]*member
	order   []domain.PeerID
}

// RoomInfo is the public view of one room.
type RoomInfo struct {
	Name    domain.RoomName `json:"name"`
	Members int             `json:"members"`
}

// Hub holds every room. It is safe for concurrent use.
type Hub struct {
	mu    sync.Mutex
	rooms map[domain.RoomName]*room
	newID func() domain.PeerID
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[domain.RoomName]*room),
		newID: func() domain.PeerID { return domain.PeerID(uuid.NewString()) },
	}
}

// ResolveRoom maps a requested room name to a room, DefaultRoom when empty.
func ResolveRoom(raw string) (domain.RoomName, error) {
	if raw == "" {
		return DefaultRoom, nil
	}
	return domain.ParseRoomName(raw)
}

// Join admits a participant into roomName under a fresh identity. The joiner
// receives assign-id and user-list; everyone else receives join. The first
// token to join a room owns it.
func (h *Hub) Join(roomName domain.RoomName, token, name string, out Outbox) (domain.PeerID, error) {
	if err := domain.ValidateName(name); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomName]
	if !ok {
		r = &room{Room: domain.Room{Name: roomName, Owner: token}, members: make(map[domain.PeerID]*member)}
		h.rooms[roomName] = r
		log.Info().Str("module", "relay").Str("room", string(roomName)).Msg("room created")
	}
	m := &member{id: h.newID(), name: name, out: out}

	users := make([]core.UserEntry, 0, len(r.order))
	for _, id := range r.order {
		users = append(users, core.UserEntry{UserID: id, UserName: r.members[id].name})
	}
	deliver(m, core.Envelope{Type: core.TypeAssignID, ID: m.id})
	deliver(m, core.Envelope{Type: core.TypeUserList, Users: users})
	r.broadcast(m.id, core.Envelope{Type: core.TypeJoin, From: m.id, Name: name})

	r.members[m.id] = m
	r.order = append(r.order, m.id)
	metrics.RelayPeers.Inc()
	log.Info().Str("module", "relay").Str("room", string(roomName)).Str("peer", string(m.id)).Str("name", name).Msg("join")
	return m.id, nil
}

// Route stamps env with the sender identity and forwards it to env.To, or to
// every other member when env.To is empty.
func (h *Hub) Route(roomName domain.RoomName, from domain.PeerID, env core.Envelope) error {
	if !forwardable(env.Type) {
		metrics.RelayDropped.WithLabelValues("type").Inc()
		return fmt.Errorf("%s: %w", env.Type, ErrNotForwardable)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomName]
	if !ok {
		return ErrUnknownRoom
	}
	if _, ok := r.members[from]; !ok {
		metrics.RelayDropped.WithLabelValues("sender").Inc()
		return fmt.Errorf("sender %s: %w", from, ErrUnknownPeer)
	}
	env.From = from
	if env.To == "" {
		r.broadcast(from, env)
	} else {
		to, ok := r.members[env.To]
		if !ok {
			metrics.RelayDropped.WithLabelValues("recipient").Inc()
			return fmt.Errorf("recipient %s: %w", env.To, ErrUnknownPeer)
		}
		deliver(to, env)
	}
	metrics.RelayForwarded.WithLabelValues(string(env.Type)).Inc()
	return nil
}

// Leave removes id from the room and tells the others. It reports whether id
// was a member.
func (h *Hub) Leave(roomName domain.RoomName, id domain.PeerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.removeLocked(roomName, id)
	return ok
}

// Kick removes target on behalf of token, which must own the room. The target
// receives kicked with reason and its connection is closed.
func (h *Hub) Kick(roomName domain.RoomName, token string, target domain.PeerID, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomName]
	if !ok {
		return ErrUnknownRoom
	}
	if r.Owner != token {
		return ErrNotOwner
	}
	m, ok := r.members[target]
	if !ok {
		return fmt.Errorf("%s: %w", target, ErrUnknownPeer)
	}
	if reason == "" {
		reason = KickReasonOwner
	}
	deliver(m, core.Envelope{Type: core.TypeKicked, Reason: reason})
	h.removeLocked(roomName, target)
	m.out.Close()
	metrics.RelayKicks.Inc()
	log.Info().Str("module", "relay").Str("room", string(roomName)).Str("peer", string(target)).Str("reason", reason).Msg("kick")
	return nil
}

// Owner reports the token that owns roomName.
func (h *Hub) Owner(roomName domain.RoomName) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomName]
	if !ok {
		return "", false
	}
	return r.Owner, true
}

// Members lists the identities in roomName in join order.
func (h *Hub) Members(roomName domain.RoomName) []domain.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomName]
	if !ok {
		return nil
	}
	return append([]domain.PeerID(nil), r.order...)
}

func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for name, r := range h.rooms {
		out = append(out, RoomInfo{Name: name, Members: len(r.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (h *Hub) removeLocked(roomName domain.RoomName, id domain.PeerID) (*member, bool) {
	r, ok := h.rooms[roomName]
	if !ok {
		return nil, false
	}
	m, ok := r.members[id]
	if !ok {
		return nil, false
	}
	delete(r.members, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	metrics.RelayPeers.Dec()
	r.broadcast(id, core.Envelope{Type: core.TypeLeave, From: id})
	log.Info().Str("module", "relay").Str("room", string(roomName)).Str("peer", string(id)).Msg("leave")
	if len(r.members) == 0 {
		delete(h.rooms, roomName)
		log.Info().Str("module", "relay").Str("room", string(roomName)).Msg("room closed")
	}
	return m, true
}

func (r *room) broadcast(except domain.PeerID, env core.Envelope) {
	for _, id := range r.order {
		if id != except {
			deliver(r.members[id], env)
		}
	}
}

func deliver(m *member, env core.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("marshal envelope")
		return
	}
	if err := m.out.TrySend(b); err != nil {
		metrics.RelayDropped.WithLabelValues("backpressure").Inc()
		log.Warn().Err(err).Str("module", "relay").Str("peer", string(m.id)).Str("type", string(env.Type)).Msg("deliver")
	}
}

func forwardable(t core.MessageType) bool {
	switch t {
	case core.TypeOffer, core.TypeAnswer, core.TypeICECandidate,
		core.TypeMediaUpdate, core.TypeNegotiationFailed:
		return true
	}
	return false
}
