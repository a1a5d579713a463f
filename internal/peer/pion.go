package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// NewFactory returns a Factory producing pion-backed Links that gather
// candidates through the given STUN servers.
func NewFactory(stunServers []string, log zerolog.Logger) Factory {
	cfg := webrtc.Configuration{
		ICECandidatePoolSize: 10,
	}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return func() (Link, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return &pionLink{pc: pc, log: log}, nil
	}
}

// pionLink adapts *webrtc.PeerConnection to the Link interface. It owns
// the pre-remote-description candidate buffer: entries handed in before
// SetRemoteDescription are held and flushed right after it, since pion
// rejects candidates until a remote description exists.
type pionLink struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	mu        sync.Mutex
	remoteSet bool
	closed    bool
	pending   []Candidate
}

var _ Link = (*pionLink)(nil)

func (l *pionLink) AddLocalTrack(track webrtc.TrackLocal) error {
	if _, err := l.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	return nil
}

func (l *pionLink) CreateOffer() (Description, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *pionLink) CreateAnswer() (Description, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *pionLink) SetLocalDescription(desc Description) error {
	if err := l.pc.SetLocalDescription(toSessionDescription(desc)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (l *pionLink) SetRemoteDescription(desc Description) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.remoteSet {
		l.mu.Unlock()
		return ErrRemoteDescriptionSet
	}
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	if err := l.pc.SetRemoteDescription(toSessionDescription(desc)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	for _, cand := range pending {
		if err := l.pc.AddICECandidate(toCandidateInit(cand)); err != nil {
			// A bad buffered candidate is not fatal; the connection can
			// still come up on the remaining ones.
			l.log.Warn().Err(err).Msg("apply buffered candidate")
		}
	}
	return nil
}

func (l *pionLink) AddRemoteCandidate(cand Candidate) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(toCandidateInit(cand)); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (l *pionLink) OnCandidate(fn func(Candidate)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		fn(Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (l *pionLink) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	l.pc.OnTrack(fn)
}

func (l *pionLink) OnStateChange(fn func(State)) {
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(mapConnectionState(s))
	})
}

func (l *pionLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.pc.Close()
}

func toSessionDescription(d Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func toCandidateInit(c Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func mapConnectionState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}
