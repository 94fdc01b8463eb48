package core

// Signaler sends envelopes towards the relay.
// Send returns false without error when the channel is not open.
type Signaler interface {
	Send(Envelope) bool
}
