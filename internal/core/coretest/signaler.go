package coretest

import (
	"sync"

	"github.com/dkeye/Mesh/internal/core"
)

// Signaler records every envelope it is asked to send.
type Signaler struct {
	mu     sync.Mutex
	sent   []core.Envelope
	closed bool
}

var _ core.Signaler = (*Signaler)(nil)

func (s *Signaler) Send(env core.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sent = append(s.sent, env)
	return true
}

// SetClosed makes Send report a closed channel.
func (s *Signaler) SetClosed(closed bool) {
	s.mu.Lock()
	s.closed = closed
	s.mu.Unlock()
}

func (s *Signaler) Sent() []core.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Envelope(nil), s.sent...)
}

// OfType returns the recorded envelopes of type t, in send order.
func (s *Signaler) OfType(t core.MessageType) []core.Envelope {
	var out []core.Envelope
	for _, env := range s.Sent() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (s *Signaler) Reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}
