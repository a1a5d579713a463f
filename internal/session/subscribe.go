package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/tonymelek/local-screen-share/internal/models"
	"github.com/tonymelek/local-screen-share/internal/peer"
	"github.com/tonymelek/local-screen-share/internal/store"
)

// Viewer joins a room as exactly one subscriber and runs the answer
// side of the negotiation. Its presence record is created on join and
// deleted on leave; the record's existence is the join/leave signal the
// publisher reacts to.
type Viewer struct {
	store    store.Store
	newLink  peer.Factory
	log      zerolog.Logger
	viewerID string

	mu       sync.Mutex
	roomID   string
	started  bool
	left     bool
	answered bool
	status   Status
	link     peer.Link
	stops    []store.StopFunc
	onTrack  func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewViewer(st store.Store, newLink peer.Factory, log zerolog.Logger) *Viewer {
	viewerID := uuid.NewString()
	return &Viewer{
		store:    st,
		newLink:  newLink,
		log:      log.With().Str("session", "subscribe").Str("viewer", viewerID).Logger(),
		viewerID: viewerID,
		status:   StatusConnecting,
	}
}

func (v *Viewer) ViewerID() string { return v.viewerID }

// OnTrack registers the remote-stream handler. Must be called before
// Join.
func (v *Viewer) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	v.mu.Lock()
	v.onTrack = fn
	v.mu.Unlock()
}

// Join verifies the room exists, writes a presence-only record, and
// waits (asynchronously) for the publisher's offer to arrive on that
// record. A missing room is terminal ErrRoomNotFound.
func (v *Viewer) Join(ctx context.Context, roomID string) error {
	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return ErrAlreadyStarted
	}
	v.started = true
	v.roomID = roomID
	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.log = v.log.With().Str("room", roomID).Logger()
	v.mu.Unlock()

	if _, err := v.store.Get(ctx, models.RoomPath(roomID)); err != nil {
		v.setStatus(StatusError)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		return fmt.Errorf("read room %s: %w", roomID, err)
	}

	link, err := v.newLink()
	if err != nil {
		v.setStatus(StatusError)
		return fmt.Errorf("allocate peer link: %w", err)
	}
	v.mu.Lock()
	v.link = link
	v.mu.Unlock()

	link.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		v.mu.Lock()
		v.status = StatusConnected
		fn := v.onTrack
		v.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})
	link.OnStateChange(func(s peer.State) {
		if s == peer.StateDisconnected {
			v.setStatus(StatusDisconnected)
		}
	})
	candidateLog := models.ViewerCandidatesPath(roomID, v.viewerID)
	link.OnCandidate(func(c peer.Candidate) {
		v.mu.Lock()
		left := v.left
		wctx := v.ctx
		v.mu.Unlock()
		if left {
			return
		}
		if _, err := v.store.Add(wctx, candidateLog, models.CandidateFields(c)); err != nil {
			v.log.Warn().Err(err).Msg("append candidate")
		}
	})

	// Presence first; the offer arrives later as a merge by the
	// publisher, so there is nothing to wait for here.
	presence := models.Subscriber{ID: v.viewerID, IsActive: true, JoinedAt: time.Now().UnixMilli()}
	viewerPath := models.ViewerPath(roomID, v.viewerID)
	if err := v.store.Set(ctx, viewerPath, presence.PresenceFields()); err != nil {
		v.setStatus(StatusError)
		return fmt.Errorf("write presence: %w", err)
	}

	stopDoc, err := v.store.WatchDoc(viewerPath, v.onRecordChange)
	if err != nil {
		v.setStatus(StatusError)
		return fmt.Errorf("watch own record: %w", err)
	}
	stopCandidates, err := v.store.WatchCollection(models.BroadcasterCandidatesPath(roomID, v.viewerID),
		func(_ string, fields store.Fields) {
			if err := link.AddRemoteCandidate(models.CandidateFromFields(fields)); err != nil {
				v.log.Warn().Err(err).Msg("apply broadcaster candidate")
			}
		}, nil)
	if err != nil {
		stopDoc()
		v.setStatus(StatusError)
		return fmt.Errorf("watch broadcaster candidates: %w", err)
	}

	v.mu.Lock()
	v.stops = append(v.stops, stopDoc, stopCandidates)
	v.mu.Unlock()

	v.log.Info().Msg("joined room")
	return nil
}

// onRecordChange answers the publisher's offer exactly once. Duplicate
// delivery is harmless: the second apply trips the link's
// remote-description guard and is dropped.
func (v *Viewer) onRecordChange(fields store.Fields) {
	if fields == nil {
		return // own record deleted during leave
	}
	sub := models.SubscriberFromFields(fields)
	if sub.Offer == nil {
		return
	}

	v.mu.Lock()
	if v.left || v.answered {
		v.mu.Unlock()
		return
	}
	link := v.link
	wctx := v.ctx
	roomID := v.roomID
	v.mu.Unlock()

	switch err := link.SetRemoteDescription(*sub.Offer); {
	case errors.Is(err, peer.ErrRemoteDescriptionSet):
		return
	case err != nil:
		v.log.Warn().Err(err).Msg("apply offer")
		return
	}

	answer, err := link.CreateAnswer()
	if err != nil {
		v.log.Error().Err(err).Msg("create answer")
		v.setStatus(StatusError)
		return
	}
	if err := link.SetLocalDescription(answer); err != nil {
		v.log.Error().Err(err).Msg("commit answer")
		v.setStatus(StatusError)
		return
	}
	err = v.store.Merge(wctx, models.ViewerPath(roomID, v.viewerID),
		store.Fields{"answer": models.DescriptionFields(answer)})
	if err != nil {
		v.log.Error().Err(err).Msg("write answer")
		v.setStatus(StatusError)
		return
	}

	v.mu.Lock()
	v.answered = true
	v.mu.Unlock()
	v.log.Info().Msg("answer written")
}

// Leave closes the link and deletes this viewer's own record, never
// anyone else's, and releases all watches.
func (v *Viewer) Leave(ctx context.Context) error {
	v.mu.Lock()
	if !v.started || v.left {
		v.mu.Unlock()
		return nil
	}
	v.left = true
	roomID := v.roomID
	link := v.link
	stops := v.stops
	v.stops = nil
	if v.cancel != nil {
		v.cancel()
	}
	v.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if link != nil {
		link.Close()
	}
	if err := v.store.Delete(ctx, models.ViewerPath(roomID, v.viewerID)); err != nil {
		v.log.Warn().Err(err).Msg("presence delete failed, leaving stale record")
	}
	v.log.Info().Msg("left room")
	return nil
}

func (v *Viewer) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

func (v *Viewer) setStatus(s Status) {
	v.mu.Lock()
	v.status = s
	v.mu.Unlock()
}
