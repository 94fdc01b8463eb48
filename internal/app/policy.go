package app

import "github.com/dkeye/Mesh/internal/domain"

type RecoveryAction int

const (
	NoAction RecoveryAction = iota
	RestartICE
	Recreate
)

func (a RecoveryAction) String() string {
	switch a {
	case RestartICE:
		return "restart-ice"
	case Recreate:
		return "recreate"
	default:
		return "none"
	}
}

// Policy decides how a link recovers from lost connectivity.
type Policy interface {
	OnConnectivityFailure(remote domain.PeerID, failures int) RecoveryAction
}

const DefaultMaxICERestarts = 1

// RestartPolicy restarts ICE in place up to MaxRestarts consecutive failures,
// then recreates the link.
type RestartPolicy struct {
	MaxRestarts int
}

func (p RestartPolicy) OnConnectivityFailure(_ domain.PeerID, failures int) RecoveryAction {
	if failures <= 0 {
		return NoAction
	}
	if failures <= p.MaxRestarts {
		return RestartICE
	}
	return Recreate
}
