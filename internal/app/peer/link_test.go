package peer_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Mesh/internal/app/peer"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/core/coretest"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type side struct {
	link         *peer.Link
	conn         *coretest.Conn
	sig          *coretest.Signaler
	negotiations int
}

func newSide(local, remote domain.PeerID, clk clock.Clock) *side {
	s := &side{conn: coretest.NewConn(), sig: &coretest.Signaler{}}
	s.link = peer.New(peer.Params{
		Local:               local,
		Remote:              remote,
		Conn:                s.conn,
		Signaler:            s.sig,
		Clock:               clk,
		OnNegotiationNeeded: func() { s.negotiations++ },
	})
	return s
}

func tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{
		coretest.NewTrack(webrtc.RTPCodecTypeAudio, "mic"),
		coretest.NewTrack(webrtc.RTPCodecTypeVideo, "camera"),
	}
}

func lastDesc(t *testing.T, sig *coretest.Signaler, typ core.MessageType) core.Description {
	t.Helper()
	envs := sig.OfType(typ)
	require.NotEmpty(t, envs, "no %s sent", typ)
	var d core.Description
	require.NoError(t, envs[len(envs)-1].Decode(&d))
	return d
}

func TestAttachOffers(t *testing.T) {
	a := newSide("a", "b", clock.NewMock())
	require.NoError(t, a.link.Attach(tracks()))

	assert.Equal(t, peer.StateOffering, a.link.State())
	offers := a.sig.OfType(core.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.PeerID("b"), offers[0].To)
	assert.Len(t, a.conn.Senders(), 2)
	assert.False(t, a.conn.RecvOnly())
}

func TestAttachWithoutTracksIsReceiveOnly(t *testing.T) {
	a := newSide("a", "b", clock.NewMock())
	require.NoError(t, a.link.Attach(nil))

	assert.True(t, a.conn.RecvOnly())
	assert.Equal(t, peer.StateOffering, a.link.State())
	assert.Len(t, a.sig.OfType(core.TypeOffer), 1)
}

func TestGlareLowerIdentityYields(t *testing.T) {
	clk := clock.NewMock()
	a := newSide("a", "b", clk)
	b := newSide("b", "a", clk)
	require.True(t, a.link.Polite())
	require.False(t, b.link.Polite())

	require.NoError(t, a.link.Attach(tracks()))
	require.NoError(t, b.link.Attach(tracks()))

	// Both offers cross on the wire.
	require.NoError(t, a.link.HandleOffer(lastDesc(t, b.sig, core.TypeOffer)))
	require.NoError(t, b.link.HandleOffer(lastDesc(t, a.sig, core.TypeOffer)))

	assert.Equal(t, peer.StateStable, a.link.State(), "polite side answers")
	assert.Equal(t, peer.StateOffering, b.link.State(), "impolite side keeps its offer")
	assert.Empty(t, b.sig.OfType(core.TypeAnswer))

	require.NoError(t, b.link.HandleAnswer(lastDesc(t, a.sig, core.TypeAnswer)))
	assert.Equal(t, peer.StateStable, b.link.State())
	assert.Equal(t, 1, a.link.StableCount())
	assert.Equal(t, 1, b.link.StableCount())
	assert.Equal(t, webrtc.SignalingStateStable, a.conn.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, b.conn.SignalingState())
}

func TestGlareRollbackFailureRequestsRecreate(t *testing.T) {
	a := newSide("a", "b", clock.NewMock())
	a.conn.RollbackErr = coretest.ErrInjected
	require.NoError(t, a.link.Attach(tracks()))

	err := a.link.HandleOffer(core.Description{SessionDescription: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}})
	require.ErrorIs(t, err, peer.ErrRecreate)
}

func TestGlareWithoutRollbackSupportRequestsRecreate(t *testing.T) {
	a := newSide("a", "b", clock.NewMock())
	a.conn.RollbackErr = core.ErrRollbackUnsupported
	require.NoError(t, a.link.Attach(tracks()))

	err := a.link.HandleOffer(core.Description{SessionDescription: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}})
	require.ErrorIs(t, err, peer.ErrRecreate)
	assert.ErrorIs(t, err, core.ErrRollbackUnsupported)
	assert.False(t, a.link.Established())
	assert.Empty(t, a.sig.OfType(core.TypeAnswer))
}

func TestEarlyCandidatesFlushedInOrder(t *testing.T) {
	b := newSide("b", "a", clock.NewMock())
	c1 := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	c2 := webrtc.ICECandidateInit{Candidate: "candidate:2"}

	require.NoError(t, b.link.HandleCandidate(c1))
	require.NoError(t, b.link.HandleCandidate(c2))
	assert.Equal(t, 2, b.link.BufferedCandidates())
	assert.Empty(t, b.conn.AppliedCandidates())

	require.NoError(t, b.link.Prepare(tracks()))
	require.NoError(t, b.link.HandleOffer(core.Description{SessionDescription: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote"}}))

	assert.Equal(t, peer.StateStable, b.link.State())
	assert.Equal(t, []webrtc.ICECandidateInit{c1, c2}, b.conn.AppliedCandidates())
	assert.Zero(t, b.link.BufferedCandidates())

	c3 := webrtc.ICECandidateInit{Candidate: "candidate:3"}
	require.NoError(t, b.link.HandleCandidate(c3))
	assert.Equal(t, []webrtc.ICECandidateInit{c1, c2, c3}, b.conn.AppliedCandidates())
}

// stable drives a through offer/answer with a fresh remote side.
func stable(t *testing.T, a *side, clk clock.Clock) *side {
	t.Helper()
	b := newSide(a.link.Remote(), "a", clk)
	require.NoError(t, a.link.Attach(tracks()))
	require.NoError(t, b.link.Prepare(tracks()))
	require.NoError(t, b.link.HandleOffer(lastDesc(t, a.sig, core.TypeOffer)))
	require.NoError(t, a.link.HandleAnswer(lastDesc(t, b.sig, core.TypeAnswer)))
	require.Equal(t, peer.StateStable, a.link.State())
	return b
}

func TestDeferredAnswerReplayedOnNextOffer(t *testing.T) {
	clk := clock.NewMock()
	a := newSide("a", "b", clk)
	stable(t, a, clk)

	late := core.Description{SessionDescription: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "late"}}
	require.NoError(t, a.link.HandleAnswer(late))
	assert.True(t, a.link.HasDeferred())
	assert.Equal(t, peer.StateStable, a.link.State())

	clk.Add(time.Second)
	require.NoError(t, a.link.Renegotiate())
	assert.False(t, a.link.HasDeferred())
	assert.Equal(t, peer.StateStable, a.link.State())
	assert.Equal(t, 2, a.link.StableCount())
}

func TestDeferredAnswerExpires(t *testing.T) {
	clk := clock.NewMock()
	a := newSide("a", "b", clk)
	stable(t, a, clk)

	late := core.Description{SessionDescription: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "late"}}
	require.NoError(t, a.link.HandleAnswer(late))

	clk.Add(peer.DefaultDeferredWindow + time.Second)
	require.NoError(t, a.link.Renegotiate())
	assert.False(t, a.link.HasDeferred())
	assert.Equal(t, peer.StateRenegotiating, a.link.State())
}

func TestAnswerFailureOffersAgainThenRecreates(t *testing.T) {
	a := newSide("a", "b", clock.NewMock())
	require.NoError(t, a.link.Attach(tracks()))
	a.conn.SetRemoteFails = 2

	answer := core.Description{SessionDescription: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "x"}}
	require.NoError(t, a.link.HandleAnswer(answer))
	assert.Len(t, a.sig.OfType(core.TypeOffer), 2)
	assert.Equal(t, peer.StateOffering, a.link.State())

	require.ErrorIs(t, a.link.HandleAnswer(answer), peer.ErrRecreate)
}

func TestConnectivityFailureEpisodes(t *testing.T) {
	clk := clock.NewMock()
	a := newSide("a", "b", clk)
	b := stable(t, a, clk)

	n, failed := a.link.NoteConnectivity(webrtc.ICEConnectionStateDisconnected)
	require.True(t, failed)
	require.Equal(t, 1, n)

	require.NoError(t, a.link.RestartICE())
	restart := lastDesc(t, a.sig, core.TypeOffer)
	assert.True(t, restart.ICERestart)
	assert.Equal(t, peer.StateOffering, a.link.State())

	// Same episode while the restart offer is outstanding.
	n, failed = a.link.NoteConnectivity(webrtc.ICEConnectionStateFailed)
	assert.False(t, failed)
	assert.Equal(t, 1, n)

	require.NoError(t, b.link.HandleOffer(restart))
	require.NoError(t, a.link.HandleAnswer(lastDesc(t, b.sig, core.TypeAnswer)))
	require.Equal(t, peer.StateStable, a.link.State())

	n, failed = a.link.NoteConnectivity(webrtc.ICEConnectionStateFailed)
	assert.True(t, failed)
	assert.Equal(t, 2, n)

	_, failed = a.link.NoteConnectivity(webrtc.ICEConnectionStateConnected)
	assert.False(t, failed)
	n, _ = a.link.NoteConnectivity(webrtc.ICEConnectionStateDisconnected)
	assert.Equal(t, 1, n)
}

func TestUnsentRestartDoesNotHoldTheEpisode(t *testing.T) {
	clk := clock.NewMock()
	a := newSide("a", "b", clk)
	stable(t, a, clk)

	_, failed := a.link.NoteConnectivity(webrtc.ICEConnectionStateDisconnected)
	require.True(t, failed)
	a.sig.SetClosed(true)
	require.NoError(t, a.link.RestartICE())

	n, failed := a.link.NoteConnectivity(webrtc.ICEConnectionStateFailed)
	assert.True(t, failed)
	assert.Equal(t, 2, n)
}

func TestUnansweredRestartExpires(t *testing.T) {
	clk := clock.NewMock()
	a := newSide("a", "b", clk)
	stable(t, a, clk)
	timeout := 10 * time.Second

	_, failed := a.link.NoteConnectivity(webrtc.ICEConnectionStateDisconnected)
	require.True(t, failed)
	require.NoError(t, a.link.RestartICE())

	clk.Add(timeout - time.Millisecond)
	_, expired := a.link.ExpireRestart(timeout)
	assert.False(t, expired)

	clk.Add(time.Millisecond)
	n, expired := a.link.ExpireRestart(timeout)
	require.True(t, expired)
	assert.Equal(t, 2, n)
	_, expired = a.link.ExpireRestart(timeout)
	assert.False(t, expired, "expires once")

	n, failed = a.link.NoteConnectivity(webrtc.ICEConnectionStateFailed)
	assert.True(t, failed, "later failures count again")
	assert.Equal(t, 3, n)
}

func TestAnsweredRestartDoesNotExpire(t *testing.T) {
	clk := clock.NewMock()
	a := newSide("a", "b", clk)
	b := stable(t, a, clk)

	_, _ = a.link.NoteConnectivity(webrtc.ICEConnectionStateDisconnected)
	require.NoError(t, a.link.RestartICE())
	require.NoError(t, b.link.HandleOffer(lastDesc(t, a.sig, core.TypeOffer)))
	require.NoError(t, a.link.HandleAnswer(lastDesc(t, b.sig, core.TypeAnswer)))

	clk.Add(time.Minute)
	_, expired := a.link.ExpireRestart(10 * time.Second)
	assert.False(t, expired)
}

func TestSetVideoTrackInPlace(t *testing.T) {
	clk := clock.NewMock()
	a := newSide("a", "b", clk)
	stable(t, a, clk)

	screen := coretest.NewTrack(webrtc.RTPCodecTypeVideo, "screen")
	require.NoError(t, a.link.SetVideoTrack(screen))

	assert.Equal(t, screen, a.link.VideoTrack())
	assert.Equal(t, screen, a.conn.VideoTrack())
	assert.Zero(t, a.negotiations)
	assert.Len(t, a.conn.Senders(), 2)
}

func TestSetVideoTrackFallbackRenegotiates(t *testing.T) {
	clk := clock.NewMock()
	a := newSide("a", "b", clk)
	stable(t, a, clk)
	for _, s := range a.conn.Senders() {
		s.SetReplaceErr(coretest.ErrInjected)
	}

	screen := coretest.NewTrack(webrtc.RTPCodecTypeVideo, "screen")
	require.NoError(t, a.link.SetVideoTrack(screen))

	assert.Equal(t, screen, a.link.VideoTrack())
	assert.Len(t, a.conn.Senders(), 2)
	assert.Equal(t, 1, a.negotiations)
}

func TestNegotiationDuringOfferWaitsForStable(t *testing.T) {
	clk := clock.NewMock()
	a := newSide("a", "b", clk)
	b := newSide("b", "a", clk)
	require.NoError(t, a.link.Attach(tracks()))
	for _, s := range a.conn.Senders() {
		s.SetReplaceErr(coretest.ErrInjected)
	}

	require.NoError(t, a.link.SetVideoTrack(coretest.NewTrack(webrtc.RTPCodecTypeVideo, "screen")))
	assert.Zero(t, a.negotiations)

	require.NoError(t, b.link.Prepare(tracks()))
	require.NoError(t, b.link.HandleOffer(lastDesc(t, a.sig, core.TypeOffer)))
	require.NoError(t, a.link.HandleAnswer(lastDesc(t, b.sig, core.TypeAnswer)))
	assert.Equal(t, 1, a.negotiations)
}

func TestCloseDropsBuffers(t *testing.T) {
	a := newSide("a", "b", clock.NewMock())
	require.NoError(t, a.link.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	a.link.Close()

	assert.Equal(t, peer.StateClosed, a.link.State())
	assert.True(t, a.conn.Closed())
	assert.Zero(t, a.link.BufferedCandidates())
	assert.ErrorIs(t, a.link.HandleCandidate(webrtc.ICECandidateInit{}), peer.ErrClosed)
	assert.Nil(t, a.link.VideoTrack())
}
