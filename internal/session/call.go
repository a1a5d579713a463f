package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/tonymelek/local-screen-share/internal/media"
	"github.com/tonymelek/local-screen-share/internal/models"
	"github.com/tonymelek/local-screen-share/internal/peer"
	"github.com/tonymelek/local-screen-share/internal/store"
)

// Call negotiates one symmetric 1:1 connection. Neither participant
// knows in advance who arrived first; the call document's
// callerSessionId settles it: whichever session's token is durably
// recorded owns the caller role, the other side is callee.
type Call struct {
	store     store.Store
	source    media.Source
	newLink   peer.Factory
	log       zerolog.Logger
	sessionID string

	mu        sync.Mutex
	callID    string
	started   bool
	ended     bool
	role      Role
	status    Status
	remoteLog string
	localLog  string
	link      peer.Link
	stops     []store.StopFunc
	onTrack   func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewCall(st store.Store, source media.Source, newLink peer.Factory, log zerolog.Logger) *Call {
	sessionID := uuid.NewString()
	return &Call{
		store:     st,
		source:    source,
		newLink:   newLink,
		log:       log.With().Str("session", "call").Str("token", sessionID).Logger(),
		sessionID: sessionID,
		status:    StatusInitializing,
	}
}

func (c *Call) SessionID() string { return c.sessionID }

// OnTrack registers the remote-stream handler. Must be called before
// Start.
func (c *Call) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// Start resolves this session's role and runs the matching half of the
// negotiation. The resolution tolerates both orderings of a
// simultaneous start: a Create rejected by the race is followed by a
// re-read, and a document carrying our own token still means caller;
// the write won even though it appeared to fail.
func (c *Call) Start(ctx context.Context, callID string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.callID = callID
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.log = c.log.With().Str("call", callID).Logger()
	c.mu.Unlock()

	link, err := c.newLink()
	if err != nil {
		c.setStatus(StatusFailed)
		return fmt.Errorf("allocate peer link: %w", err)
	}
	c.mu.Lock()
	c.link = link
	c.mu.Unlock()

	for _, track := range c.source.Tracks() {
		if err := link.AddLocalTrack(track); err != nil {
			c.setStatus(StatusFailed)
			return fmt.Errorf("add local track: %w", err)
		}
	}
	link.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})
	link.OnStateChange(c.applyLinkState)

	role, fields, err := c.resolveRole(ctx, callID)
	if err != nil {
		c.setStatus(StatusFailed)
		return err
	}

	c.mu.Lock()
	c.role = role
	if role == RoleCaller {
		c.localLog = models.CallerCandidatesPath(callID)
		c.remoteLog = models.CalleeCandidatesPath(callID)
	} else {
		c.localLog = models.CalleeCandidatesPath(callID)
		c.remoteLog = models.CallerCandidatesPath(callID)
	}
	localLog := c.localLog
	c.mu.Unlock()
	c.log.Info().Str("role", string(role)).Msg("role resolved")

	link.OnCandidate(func(cand peer.Candidate) {
		c.mu.Lock()
		ended := c.ended
		wctx := c.ctx
		c.mu.Unlock()
		if ended {
			return
		}
		if _, err := c.store.Add(wctx, localLog, models.CandidateFields(cand)); err != nil {
			c.log.Warn().Err(err).Msg("append candidate")
		}
	})

	if role == RoleCaller {
		err = c.runCaller(ctx, callID)
	} else {
		err = c.runCallee(ctx, callID, fields)
	}
	if err != nil {
		c.setStatus(StatusFailed)
		return err
	}
	return nil
}

// resolveRole performs the disambiguation-token race. Returns the call
// document's fields as read when this side is callee.
func (c *Call) resolveRole(ctx context.Context, callID string) (Role, store.Fields, error) {
	callPath := models.CallPath(callID)
	fields, err := c.store.Get(ctx, callPath)
	switch {
	case err == nil:
		// A document already exists: someone claimed caller before us.
		return RoleCallee, fields, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return "", nil, fmt.Errorf("read call %s: %w", callID, err)
	}

	err = c.store.Create(ctx, callPath, store.Fields{"callerSessionId": c.sessionID})
	if err == nil {
		return RoleCaller, nil, nil
	}
	if !errors.Is(err, store.ErrExists) {
		return "", nil, fmt.Errorf("create call %s: %w", callID, err)
	}

	// Lost the create race, or only apparently lost it. Re-read and
	// let the recorded token decide.
	fields, err = c.store.Get(ctx, callPath)
	if err != nil {
		return "", nil, fmt.Errorf("re-read call %s: %w", callID, err)
	}
	if models.CallFromFields(fields).CallerSessionID == c.sessionID {
		return RoleCaller, nil, nil
	}
	return RoleCallee, fields, nil
}

func (c *Call) runCaller(ctx context.Context, callID string) error {
	link := c.currentLink()
	offer, err := link.CreateOffer()
	if err != nil {
		return err
	}
	if err := link.SetLocalDescription(offer); err != nil {
		return err
	}
	// Merge keeps callerSessionId and anything a fast callee already
	// wrote alongside it.
	callPath := models.CallPath(callID)
	err = c.store.Merge(ctx, callPath, store.Fields{"offer": models.DescriptionFields(offer)})
	if err != nil {
		return fmt.Errorf("write offer: %w", err)
	}
	return c.watchCall(callID)
}

func (c *Call) runCallee(ctx context.Context, callID string, fields store.Fields) error {
	if call := models.CallFromFields(fields); call.Offer != nil {
		if err := c.acceptOffer(*call.Offer); err != nil {
			return err
		}
	}
	// When the callee won the read race before the caller wrote the
	// offer, the document watch below applies it the moment it lands.
	return c.watchCall(callID)
}

// watchCall observes the call document (answer for the caller, late
// offer for the callee) and the remote candidate log.
func (c *Call) watchCall(callID string) error {
	c.mu.Lock()
	link := c.link
	remoteLog := c.remoteLog
	c.mu.Unlock()

	stopDoc, err := c.store.WatchDoc(models.CallPath(callID), c.onCallChange)
	if err != nil {
		return fmt.Errorf("watch call: %w", err)
	}
	stopCandidates, err := c.store.WatchCollection(remoteLog,
		func(_ string, fields store.Fields) {
			if err := link.AddRemoteCandidate(models.CandidateFromFields(fields)); err != nil {
				c.log.Warn().Err(err).Msg("apply remote candidate")
			}
		}, nil)
	if err != nil {
		stopDoc()
		return fmt.Errorf("watch remote candidates: %w", err)
	}

	c.mu.Lock()
	c.stops = append(c.stops, stopDoc, stopCandidates)
	c.mu.Unlock()
	return nil
}

func (c *Call) onCallChange(fields store.Fields) {
	if fields == nil {
		return // caller tore the document down
	}
	call := models.CallFromFields(fields)

	c.mu.Lock()
	role := c.role
	ended := c.ended
	link := c.link
	c.mu.Unlock()
	if ended {
		return
	}

	switch role {
	case RoleCaller:
		if call.Answer == nil {
			return
		}
		switch err := link.SetRemoteDescription(*call.Answer); {
		case errors.Is(err, peer.ErrRemoteDescriptionSet):
			// Redelivered answer.
		case err != nil:
			c.log.Warn().Err(err).Msg("apply answer")
		}
	case RoleCallee:
		if call.Offer == nil {
			return
		}
		if err := c.acceptOffer(*call.Offer); err != nil {
			c.log.Error().Err(err).Msg("accept offer")
		}
	}
}

// acceptOffer applies the caller's offer and writes back the answer.
// Idempotent under redelivery: a second apply trips the link's
// remote-description guard and returns nil.
func (c *Call) acceptOffer(offer peer.Description) error {
	c.mu.Lock()
	link := c.link
	wctx := c.ctx
	callID := c.callID
	c.mu.Unlock()

	switch err := link.SetRemoteDescription(offer); {
	case errors.Is(err, peer.ErrRemoteDescriptionSet):
		return nil
	case err != nil:
		return err
	}

	answer, err := link.CreateAnswer()
	if err != nil {
		return err
	}
	if err := link.SetLocalDescription(answer); err != nil {
		return err
	}
	err = c.store.Merge(wctx, models.CallPath(callID),
		store.Fields{"answer": models.DescriptionFields(answer)})
	if err != nil {
		return fmt.Errorf("write answer: %w", err)
	}
	c.log.Info().Msg("answer written")
	return nil
}

// applyLinkState maps link states onto the session's small state
// machine: initializing → connecting → connected, with disconnected
// and failed reachable from connecting or connected. Everything else
// leaves the visible status untouched.
func (c *Call) applyLinkState(s peer.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch s {
	case peer.StateConnecting:
		if c.status == StatusInitializing {
			c.status = StatusConnecting
		}
	case peer.StateConnected:
		if c.status == StatusInitializing || c.status == StatusConnecting {
			c.status = StatusConnected
		}
	case peer.StateDisconnected:
		if c.status == StatusConnecting || c.status == StatusConnected {
			c.status = StatusDisconnected
		}
	case peer.StateFailed:
		if c.status == StatusConnecting || c.status == StatusConnected {
			c.status = StatusFailed
		}
	}
}

// Hangup closes the link and stops local media on either side. Only
// the caller deletes the call document: the callee cannot know whether
// the caller still needs it. The delete is best-effort.
func (c *Call) Hangup(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ended = true
	role := c.role
	callID := c.callID
	link := c.link
	stops := c.stops
	c.stops = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if link != nil {
		link.Close()
	}
	c.source.Close()
	if role == RoleCaller {
		if err := c.store.Delete(ctx, models.CallPath(callID)); err != nil {
			c.log.Warn().Err(err).Msg("call delete failed, leaving stale document")
		}
	}
	c.log.Info().Msg("call ended")
	return nil
}

func (c *Call) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Call) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Call) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Call) currentLink() peer.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}
