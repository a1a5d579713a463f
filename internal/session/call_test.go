package session

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonymelek/local-screen-share/internal/models"
	"github.com/tonymelek/local-screen-share/internal/peer"
	"github.com/tonymelek/local-screen-share/internal/store"
)

func newTestCall(st store.Store) (*Call, *fakeFactory, *fakeSource) {
	f := &fakeFactory{}
	src := &fakeSource{}
	return NewCall(st, src, f.new, zerolog.Nop()), f, src
}

func TestCallRolesAreComplementary(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	caller, callerLinks, _ := newTestCall(st)
	require.NoError(t, caller.Start(ctx, "C1"))
	assert.Equal(t, RoleCaller, caller.Role())

	callee, calleeLinks, _ := newTestCall(st)
	require.NoError(t, callee.Start(ctx, "C1"))
	assert.Equal(t, RoleCallee, callee.Role())

	// Exactly one caller token recorded.
	fields, err := st.Get(ctx, models.CallPath("C1"))
	require.NoError(t, err)
	assert.Equal(t, caller.SessionID(), models.CallFromFields(fields).CallerSessionID)

	// Callee saw the offer and answered; caller applied the answer.
	require.Eventually(t, func() bool {
		r := calleeLinks.link(0).remote()
		return r != nil && r.Type == "offer"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		r := callerLinks.link(0).remote()
		return r != nil && r.Type == "answer"
	}, waitFor, tick)

	// Candidates flow through the role-matched logs.
	callerLinks.link(0).fireCandidate(peer.Candidate{Candidate: "candidate:caller"})
	calleeLinks.link(0).fireCandidate(peer.Candidate{Candidate: "candidate:callee"})
	require.Eventually(t, func() bool {
		cands := calleeLinks.link(0).candidates()
		return len(cands) == 1 && cands[0].Candidate == "candidate:caller"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		cands := callerLinks.link(0).candidates()
		return len(cands) == 1 && cands[0].Candidate == "candidate:callee"
	}, waitFor, tick)

	require.NoError(t, callee.Hangup(ctx))
	require.NoError(t, caller.Hangup(ctx))
}

func TestCalleeBeforeOffer(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	// The callee race-wins the read: a call document exists but carries
	// no offer yet.
	require.NoError(t, st.Create(ctx, models.CallPath("C1"), store.Fields{"callerSessionId": "early-bird"}))

	callee, links, _ := newTestCall(st)
	require.NoError(t, callee.Start(ctx, "C1"))
	assert.Equal(t, RoleCallee, callee.Role())
	assert.Nil(t, links.link(0).remote())

	// The offer lands later and is applied the instant it appears.
	offer := peer.Description{Type: "offer", SDP: "late-offer"}
	require.NoError(t, st.Merge(ctx, models.CallPath("C1"), store.Fields{"offer": models.DescriptionFields(offer)}))

	require.Eventually(t, func() bool {
		r := links.link(0).remote()
		return r != nil && r.SDP == "late-offer"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		fields, err := st.Get(ctx, models.CallPath("C1"))
		return err == nil && models.CallFromFields(fields).Answer != nil
	}, waitFor, tick)
	assert.Equal(t, 1, links.link(0).answers())
}

// rejectingStore makes Create report a race loss. When ownWriteLands
// the session's fields are committed anyway (the write won despite the
// error); otherwise a rival's document lands in their place.
type rejectingStore struct {
	store.Store
	ownWriteLands bool
	rivalToken    string
}

func (s *rejectingStore) Create(ctx context.Context, path string, fields store.Fields) error {
	if s.ownWriteLands {
		if err := s.Store.Set(ctx, path, fields); err != nil {
			return err
		}
	} else {
		err := s.Store.Set(ctx, path, store.Fields{"callerSessionId": s.rivalToken})
		if err != nil {
			return err
		}
	}
	return store.ErrExists
}

func TestCallApparentCreateLossStillCaller(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	call, _, _ := newTestCall(st)
	call.store = &rejectingStore{Store: st, ownWriteLands: true}
	require.NoError(t, call.Start(ctx, "C1"))

	// The re-read finds our own token: the write won despite the error.
	assert.Equal(t, RoleCaller, call.Role())
	require.NoError(t, call.Hangup(ctx))
}

func TestCallCreateLossMeansCallee(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	call, _, _ := newTestCall(st)
	call.store = &rejectingStore{Store: st, rivalToken: "winner"}

	// The initial read sees nothing, the create loses, and the re-read
	// finds the rival's token.
	require.NoError(t, call.Start(ctx, "C1"))
	assert.Equal(t, RoleCallee, call.Role())
	require.NoError(t, call.Hangup(ctx))
}

func TestCallStateMachine(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	call, links, _ := newTestCall(st)
	require.NoError(t, call.Start(ctx, "C1"))
	defer call.Hangup(ctx)
	link := links.link(0)

	assert.Equal(t, StatusInitializing, call.Status())

	// Failure before connecting ever started is not surfaced.
	link.fireState(peer.StateFailed)
	assert.Equal(t, StatusInitializing, call.Status())

	link.fireState(peer.StateConnecting)
	assert.Equal(t, StatusConnecting, call.Status())
	link.fireState(peer.StateConnected)
	assert.Equal(t, StatusConnected, call.Status())

	// Unmapped underlying states produce no visible change.
	link.fireState(peer.StateNew)
	assert.Equal(t, StatusConnected, call.Status())

	link.fireState(peer.StateDisconnected)
	assert.Equal(t, StatusDisconnected, call.Status())
}

func TestCallTeardownOwnership(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	caller, callerLinks, callerSrc := newTestCall(st)
	require.NoError(t, caller.Start(ctx, "C1"))
	callee, calleeLinks, calleeSrc := newTestCall(st)
	require.NoError(t, callee.Start(ctx, "C1"))

	// Callee hangup: link and media released, document left alone.
	require.NoError(t, callee.Hangup(ctx))
	assert.True(t, calleeLinks.link(0).isClosed())
	assert.True(t, calleeSrc.isClosed())
	_, err := st.Get(ctx, models.CallPath("C1"))
	require.NoError(t, err)

	// Caller hangup deletes the document.
	require.NoError(t, caller.Hangup(ctx))
	assert.True(t, callerLinks.link(0).isClosed())
	assert.True(t, callerSrc.isClosed())
	_, err = st.Get(ctx, models.CallPath("C1"))
	require.ErrorIs(t, err, store.ErrNotFound)

	// Hangup is idempotent.
	require.NoError(t, caller.Hangup(ctx))
}
