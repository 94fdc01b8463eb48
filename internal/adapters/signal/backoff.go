package signal

import "time"

// Backoff is a capped exponential reconnect delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}
}

func (b Backoff) normalized() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max < b.Initial {
		b.Max = max(d.Max, b.Initial)
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	return b
}

// Next returns the delay that follows cur.
func (b Backoff) Next(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * b.Multiplier)
	if next > b.Max || next <= 0 {
		return b.Max
	}
	return next
}
