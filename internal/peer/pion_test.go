package peer

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLinkPair(t *testing.T) (Link, Link) {
	t.Helper()
	factory := NewFactory(nil, zerolog.Nop())
	a, err := factory()
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := factory()
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return a, b
}

func videoTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "screen")
	require.NoError(t, err)
	return track
}

func TestPionOfferAnswer(t *testing.T) {
	offerer, answerer := newLinkPair(t)
	require.NoError(t, offerer.AddLocalTrack(videoTrack(t)))

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	require.NoError(t, offerer.SetLocalDescription(offer))

	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	require.NoError(t, answerer.SetLocalDescription(answer))

	require.NoError(t, offerer.SetRemoteDescription(answer))

	// Redelivered descriptions are rejected, not reapplied.
	assert.ErrorIs(t, answerer.SetRemoteDescription(offer), ErrRemoteDescriptionSet)
	assert.ErrorIs(t, offerer.SetRemoteDescription(answer), ErrRemoteDescriptionSet)
}

func TestPionBuffersEarlyCandidates(t *testing.T) {
	offerer, answerer := newLinkPair(t)
	require.NoError(t, offerer.AddLocalTrack(videoTrack(t)))

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(offer))

	// Candidates often land before the description in a store-mediated
	// exchange. They must be accepted and held, not rejected.
	mid := "0"
	var index uint16
	early := Candidate{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
	require.NoError(t, answerer.AddRemoteCandidate(early))

	// The buffered candidate is flushed here; a failure to apply it
	// would not surface as an error, but the description itself must.
	require.NoError(t, answerer.SetRemoteDescription(offer))

	// Post-description candidates go straight through.
	require.NoError(t, answerer.AddRemoteCandidate(early))
}

func TestPionClosedLink(t *testing.T) {
	factory := NewFactory([]string{"stun:stun1.l.google.com:19302"}, zerolog.Nop())
	link, err := factory()
	require.NoError(t, err)
	require.NoError(t, link.Close())

	assert.ErrorIs(t, link.SetRemoteDescription(Description{Type: "offer"}), ErrClosed)
	assert.ErrorIs(t, link.AddRemoteCandidate(Candidate{Candidate: "candidate:1"}), ErrClosed)
}
