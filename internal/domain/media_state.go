package domain

// MediaState is the presence payload of a media-update envelope.
// Nil fields are left untouched when applied.
type MediaState struct {
	MicOn         *bool `json:"isMicOn,omitempty"`
	CameraOn      *bool `json:"isCameraOn,omitempty"`
	ScreenSharing *bool `json:"isScreenSharing,omitempty"`
}

func (p *Participant) Apply(ms MediaState) {
	if ms.MicOn != nil {
		p.MicOn = *ms.MicOn
	}
	if ms.CameraOn != nil {
		p.CameraOn = *ms.CameraOn
	}
	if ms.ScreenSharing != nil {
		p.ScreenSharing = *ms.ScreenSharing
	}
}

// MediaState returns the full presence of p.
func (p *Participant) MediaState() MediaState {
	mic, cam, screen := p.MicOn, p.CameraOn, p.ScreenSharing
	return MediaState{MicOn: &mic, CameraOn: &cam, ScreenSharing: &screen}
}
