// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxPeerIDLen      = 64
	MaxDisplayNameLen = 36
)

var (
	ErrNameTooLong = errors.New("display name too long")
	ErrNameEmpty   = errors.New("display name empty")
)

// PeerID is the relay-issued identity of one connection attempt.
// Identities are totally ordered by plain string comparison.
type PeerID string

func (p PeerID) Less(o PeerID) bool { return p < o }

type Participant struct {
	ID            PeerID `json:"id"`
	DisplayName   string `json:"displayName"`
	MicOn         bool   `json:"micOn"`
	CameraOn      bool   `json:"cameraOn"`
	ScreenSharing bool   `json:"screenSharing"`
	Pinned        bool   `json:"pinned"`
	Local         bool   `json:"local"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in the roster.
// Peers join with mic and camera on until they say otherwise.
func NewParticipant(id PeerID, name string) *Participant {
	return &Participant{ID: id, DisplayName: name, MicOn: true, CameraOn: true}
}

func ValidateName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrNameTooLong
	}
	return nil
}

func (p *Participant) SetDisplayName(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	p.DisplayName = name
	return nil
}
