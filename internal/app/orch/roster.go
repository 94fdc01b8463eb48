package orch

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dkeye/Mesh/internal/domain"
)

var ErrUnknownParticipant = errors.New("unknown participant")

// Roster is the session's participant table. Only the controller loop writes it.
type Roster struct {
	local   *domain.Participant
	remotes map[domain.PeerID]*domain.Participant
}

func NewRoster() *Roster {
	return &Roster{remotes: make(map[domain.PeerID]*domain.Participant)}
}

// SetLocal creates or renames the local entry.
func (r *Roster) SetLocal(name string) *domain.Participant {
	if r.local == nil {
		r.local = domain.NewParticipant("", name)
		r.local.Local = true
	}
	r.local.DisplayName = name
	return r.local
}

func (r *Roster) Local() *domain.Participant { return r.local }

// AssignLocalID keys the local entry by the identity the relay issued.
func (r *Roster) AssignLocalID(id domain.PeerID) {
	if r.local != nil {
		r.local.ID = id
	}
}

// Upsert creates the entry for id or updates its display name.
func (r *Roster) Upsert(id domain.PeerID, name string) *domain.Participant {
	if p, ok := r.remotes[id]; ok {
		if name != "" {
			p.DisplayName = name
		}
		return p
	}
	p := domain.NewParticipant(id, name)
	r.remotes[id] = p
	return p
}

func (r *Roster) Get(id domain.PeerID) (*domain.Participant, bool) {
	if r.local != nil && id != "" && id == r.local.ID {
		return r.local, true
	}
	p, ok := r.remotes[id]
	return p, ok
}

// Remove drops a remote entry and reports whether it was pinned.
func (r *Roster) Remove(id domain.PeerID) (pinned, ok bool) {
	p, ok := r.remotes[id]
	if !ok {
		return false, false
	}
	delete(r.remotes, id)
	return p.Pinned, true
}

// Pin marks id as the single pinned entry. An empty id clears the pin.
func (r *Roster) Pin(id domain.PeerID) error {
	var target *domain.Participant
	if id != "" {
		p, ok := r.Get(id)
		if !ok {
			return fmt.Errorf("pin %q: %w", id, ErrUnknownParticipant)
		}
		target = p
	}
	r.each(func(p *domain.Participant) { p.Pinned = false })
	if target != nil {
		target.Pinned = true
	}
	return nil
}

func (r *Roster) Pinned() domain.PeerID {
	var id domain.PeerID
	r.each(func(p *domain.Participant) {
		if p.Pinned {
			id = p.ID
		}
	})
	return id
}

// ClearRemote drops every remote entry, keeping the local one.
func (r *Roster) ClearRemote() {
	clear(r.remotes)
	if r.local != nil {
		r.local.Pinned = false
	}
}

func (r *Roster) Len() int {
	n := len(r.remotes)
	if r.local != nil {
		n++
	}
	return n
}

func (r *Roster) each(f func(*domain.Participant)) {
	if r.local != nil {
		f(r.local)
	}
	for _, p := range r.remotes {
		f(p)
	}
}

// Snapshot copies the roster, local entry first and remotes by identity.
func (r *Roster) Snapshot() []domain.Participant {
	out := make([]domain.Participant, 0, r.Len())
	for _, p := range r.remotes {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b domain.Participant) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if r.local != nil {
		out = append([]domain.Participant{*r.local}, out...)
	}
	return out
}
