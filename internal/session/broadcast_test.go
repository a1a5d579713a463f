package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonymelek/local-screen-share/internal/models"
	"github.com/tonymelek/local-screen-share/internal/peer"
)

// TestBroadcastEndToEnd runs a publisher and a viewer against the same
// store and walks the whole negotiation: presence, offer, answer,
// candidates both ways.
func TestBroadcastEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	pub, pubLinks := newTestPublisher(st)
	require.NoError(t, pub.Start(ctx, "R1"))
	defer pub.Stop(ctx)

	v, viewerLinks := newTestViewer(st)
	require.NoError(t, v.Join(ctx, "R1"))
	defer v.Leave(ctx)

	// Publisher picks up the presence record and offers.
	require.Eventually(t, func() bool { return pub.ViewerCount() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		r := viewerLinks.link(0).remote()
		return r != nil && r.Type == "offer"
	}, waitFor, tick)

	// Viewer's answer makes it back onto the publisher's link.
	require.Eventually(t, func() bool {
		r := pubLinks.link(0).remote()
		return r != nil && r.Type == "answer"
	}, waitFor, tick)

	// Candidates cross in both directions through the per-viewer logs.
	pubLinks.link(0).fireCandidate(peer.Candidate{Candidate: "candidate:pub"})
	viewerLinks.link(0).fireCandidate(peer.Candidate{Candidate: "candidate:view"})
	require.Eventually(t, func() bool {
		cands := viewerLinks.link(0).candidates()
		return len(cands) == 1 && cands[0].Candidate == "candidate:pub"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		cands := pubLinks.link(0).candidates()
		return len(cands) == 1 && cands[0].Candidate == "candidate:view"
	}, waitFor, tick)

	// Viewer leaves: the publisher drops the link and the count.
	require.NoError(t, v.Leave(ctx))
	require.Eventually(t, func() bool { return pub.ViewerCount() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return pubLinks.link(0).isClosed() }, waitFor, tick)

	fields, err := st.Get(ctx, models.RoomPath("R1"))
	require.NoError(t, err)
	assert.Equal(t, pub.SessionID(), models.RoomFromFields(fields).BroadcasterID)
}
