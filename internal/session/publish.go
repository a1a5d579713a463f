package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tonymelek/local-screen-share/internal/media"
	"github.com/tonymelek/local-screen-share/internal/models"
	"github.com/tonymelek/local-screen-share/internal/peer"
	"github.com/tonymelek/local-screen-share/internal/store"
)

// Publisher claims a room and negotiates one peer link per arriving
// viewer. Room ownership is last-writer-wins: the room document names
// its current owner, and a publisher that observes a foreign token in
// its own room self-demotes instead of fighting.
type Publisher struct {
	store   store.Store
	source  media.Source
	newLink peer.Factory
	log     zerolog.Logger
	token   string

	mu          sync.Mutex
	roomID      string
	started     bool
	stopped     bool
	superseded  bool
	status      Status
	viewerCount int
	viewers     map[string]*viewerLink
	stops       []store.StopFunc
	supersededC chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
}

// viewerLink is one tracked viewer: the peer link plus the watches
// feeding it (answer document, viewer candidate log).
type viewerLink struct {
	link  peer.Link
	stops []store.StopFunc
}

func (vl *viewerLink) release() {
	for _, stop := range vl.stops {
		stop()
	}
	vl.link.Close()
}

func NewPublisher(st store.Store, source media.Source, newLink peer.Factory, log zerolog.Logger) *Publisher {
	token := uuid.NewString()
	return &Publisher{
		store:       st,
		source:      source,
		newLink:     newLink,
		log:         log.With().Str("session", "publish").Str("token", token).Logger(),
		token:       token,
		status:      StatusInitializing,
		viewers:     make(map[string]*viewerLink),
		supersededC: make(chan struct{}),
	}
}

// SessionID returns this publisher's room-ownership token.
func (p *Publisher) SessionID() string { return p.token }

// Start claims the room after a pre-flight read. When the room is held
// by a live foreign broadcaster it returns ErrRoomOccupied without
// touching anything; the caller decides whether to Takeover.
func (p *Publisher) Start(ctx context.Context, roomID string) error {
	fields, err := p.store.Get(ctx, models.RoomPath(roomID))
	switch {
	case err == nil:
		room := models.RoomFromFields(fields)
		if room.Active() && room.BroadcasterID != p.token {
			return ErrRoomOccupied
		}
	case errors.Is(err, store.ErrNotFound):
		// Free to claim.
	default:
		return fmt.Errorf("read room %s: %w", roomID, err)
	}
	return p.claim(ctx, roomID)
}

// Takeover claims the room unconditionally, overwriting the current
// owner's document. The displaced publisher notices through its own
// room watch and self-demotes; that race is the intended resolution,
// not a failure mode.
func (p *Publisher) Takeover(ctx context.Context, roomID string) error {
	return p.claim(ctx, roomID)
}

func (p *Publisher) claim(ctx context.Context, roomID string) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.roomID = roomID
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.log = p.log.With().Str("room", roomID).Logger()
	p.mu.Unlock()

	room := models.Room{
		BroadcasterID: p.token,
		Status:        models.RoomStatusActive,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if err := p.store.Set(ctx, models.RoomPath(roomID), room.Fields()); err != nil {
		p.setStatus(StatusError)
		return fmt.Errorf("claim room %s: %w", roomID, err)
	}

	stopRoom, err := p.store.WatchDoc(models.RoomPath(roomID), p.onRoomChange)
	if err != nil {
		p.setStatus(StatusError)
		return fmt.Errorf("watch room %s: %w", roomID, err)
	}
	stopViewers, err := p.store.WatchCollection(models.ViewersPath(roomID), p.onViewerAdded, p.onViewerRemoved)
	if err != nil {
		stopRoom()
		p.setStatus(StatusError)
		return fmt.Errorf("watch viewers of %s: %w", roomID, err)
	}

	p.mu.Lock()
	p.stops = append(p.stops, stopRoom, stopViewers)
	p.status = StatusReady
	p.mu.Unlock()

	p.log.Info().Msg("room claimed")
	return nil
}

// onRoomChange watches for supersession: any room content naming a
// different broadcaster means this session lost ownership.
func (p *Publisher) onRoomChange(fields store.Fields) {
	if fields == nil {
		return // our own teardown delete
	}
	room := models.RoomFromFields(fields)
	if room.BroadcasterID == p.token {
		return
	}
	p.markSuperseded(room.BroadcasterID)
}

func (p *Publisher) markSuperseded(newOwner string) {
	p.mu.Lock()
	if p.superseded || p.stopped {
		p.mu.Unlock()
		return
	}
	p.superseded = true
	viewers := p.viewers
	p.viewers = make(map[string]*viewerLink)
	p.viewerCount = 0
	stops := p.stops
	p.stops = nil
	close(p.supersededC)
	p.cancel()
	p.mu.Unlock()

	p.log.Warn().Str("new_owner", newOwner).Msg("superseded by another broadcaster")
	for _, stop := range stops {
		stop()
	}
	for _, vl := range viewers {
		vl.release()
	}
	// The room document now belongs to the new owner. Deleting it here
	// would destroy their claim, so teardown must not touch it.
}

func (p *Publisher) onViewerAdded(viewerID string, _ store.Fields) {
	p.mu.Lock()
	if p.stopped || p.superseded {
		p.mu.Unlock()
		return
	}
	if _, tracked := p.viewers[viewerID]; tracked {
		p.mu.Unlock()
		return // redelivered add for a tracked viewer
	}
	link, err := p.newLink()
	if err != nil {
		p.mu.Unlock()
		p.log.Error().Err(err).Str("viewer", viewerID).Msg("allocate peer link")
		return
	}
	vl := &viewerLink{link: link}
	p.viewers[viewerID] = vl
	p.viewerCount++
	ctx := p.ctx
	roomID := p.roomID
	p.mu.Unlock()

	p.log.Info().Str("viewer", viewerID).Msg("viewer joined")
	if err := p.negotiateViewer(ctx, roomID, viewerID, vl); err != nil {
		p.log.Error().Err(err).Str("viewer", viewerID).Msg("negotiate viewer")
		p.dropViewer(viewerID)
	}
}

// negotiateViewer runs the offer side for one viewer: local tracks on,
// candidates out to the broadcaster log, offer merged into the viewer
// record, then watches for the answer and the viewer's candidates.
func (p *Publisher) negotiateViewer(ctx context.Context, roomID, viewerID string, vl *viewerLink) error {
	link := vl.link
	for _, track := range p.source.Tracks() {
		if err := link.AddLocalTrack(track); err != nil {
			return fmt.Errorf("add local track: %w", err)
		}
	}

	candidateLog := models.BroadcasterCandidatesPath(roomID, viewerID)
	link.OnCandidate(func(c peer.Candidate) {
		if !p.writable() {
			return
		}
		if _, err := p.store.Add(ctx, candidateLog, models.CandidateFields(c)); err != nil {
			p.log.Warn().Err(err).Str("viewer", viewerID).Msg("append candidate")
		}
	})

	offer, err := link.CreateOffer()
	if err != nil {
		return err
	}
	if err := link.SetLocalDescription(offer); err != nil {
		return err
	}
	// Merge, not Set: a presence-only write racing in from the viewer
	// must survive the offer landing.
	viewerPath := models.ViewerPath(roomID, viewerID)
	err = p.store.Merge(ctx, viewerPath, store.Fields{"offer": models.DescriptionFields(offer)})
	if err != nil {
		return fmt.Errorf("write offer: %w", err)
	}

	stopDoc, err := p.store.WatchDoc(viewerPath, func(fields store.Fields) {
		if fields == nil {
			return
		}
		sub := models.SubscriberFromFields(fields)
		if sub.Answer == nil {
			return
		}
		switch err := link.SetRemoteDescription(*sub.Answer); {
		case errors.Is(err, peer.ErrRemoteDescriptionSet):
			// Redelivered answer, already applied.
		case err != nil:
			p.log.Warn().Err(err).Str("viewer", viewerID).Msg("apply answer")
		}
	})
	if err != nil {
		return fmt.Errorf("watch viewer record: %w", err)
	}
	stopCandidates, err := p.store.WatchCollection(models.ViewerCandidatesPath(roomID, viewerID),
		func(_ string, fields store.Fields) {
			if err := link.AddRemoteCandidate(models.CandidateFromFields(fields)); err != nil {
				// Malformed or late candidates are skipped; the link can
				// still connect on the remaining ones.
				p.log.Warn().Err(err).Str("viewer", viewerID).Msg("apply viewer candidate")
			}
		}, nil)
	if err != nil {
		stopDoc()
		return fmt.Errorf("watch viewer candidates: %w", err)
	}

	p.mu.Lock()
	if p.viewers[viewerID] == vl {
		vl.stops = append(vl.stops, stopDoc, stopCandidates)
		p.mu.Unlock()
		return nil
	}
	// The viewer left (or we were superseded) while negotiating.
	p.mu.Unlock()
	stopDoc()
	stopCandidates()
	return nil
}

func (p *Publisher) onViewerRemoved(viewerID string) {
	p.dropViewer(viewerID)
}

func (p *Publisher) dropViewer(viewerID string) {
	p.mu.Lock()
	vl, tracked := p.viewers[viewerID]
	if !tracked {
		p.mu.Unlock()
		return // removal for a viewer never tracked
	}
	delete(p.viewers, viewerID)
	if p.viewerCount > 0 {
		p.viewerCount--
	}
	p.mu.Unlock()

	vl.release()
	p.log.Info().Str("viewer", viewerID).Msg("viewer left")
}

// Stop closes every link and releases the room. The room document is
// deleted only when this session is still the owner; a superseded
// session leaving the new owner's claim intact is the whole point of
// the ownership protocol. The delete is best-effort: a failure leaves
// a stale document that the next publisher re-validates anyway.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	superseded := p.superseded
	roomID := p.roomID
	stops := p.stops
	p.stops = nil
	viewers := p.viewers
	p.viewers = make(map[string]*viewerLink)
	p.viewerCount = 0
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, vl := range viewers {
		vl.release()
	}
	if !superseded {
		if err := p.store.Delete(ctx, models.RoomPath(roomID)); err != nil {
			p.log.Warn().Err(err).Msg("room delete failed, leaving stale document")
		}
	}
	p.log.Info().Msg("publish session stopped")
	return nil
}

// writable reports whether this session may still write signaling data.
func (p *Publisher) writable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped && !p.superseded
}

// ViewerCount is the number of currently tracked viewers. Never
// negative.
func (p *Publisher) ViewerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewerCount
}

func (p *Publisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Publisher) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// Superseded is closed when another broadcaster takes over the room.
func (p *Publisher) Superseded() <-chan struct{} {
	return p.supersededC
}
