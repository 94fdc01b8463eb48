package coretest

import (
	"github.com/pion/webrtc/v4"
)

// NewTrack returns a static RTP track of the given kind.
func NewTrack(kind webrtc.RTPCodecType, id string) *webrtc.TrackLocalStaticRTP {
	mime := webrtc.MimeTypeVP8
	if kind == webrtc.RTPCodecTypeAudio {
		mime = webrtc.MimeTypeOpus
	}
	t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, id, "mesh")
	if err != nil {
		panic(err)
	}
	return t
}
