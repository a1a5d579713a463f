package session

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/tonymelek/local-screen-share/internal/media"
	"github.com/tonymelek/local-screen-share/internal/peer"
)

// fakeLink records everything a session drives into it and lets tests
// fire the callbacks a real peer connection would.
type fakeLink struct {
	mu                sync.Mutex
	tracks            []webrtc.TrackLocal
	localDesc         *peer.Description
	remoteDesc        *peer.Description
	remoteSetAttempts int
	remoteCandidates  []peer.Candidate
	answersCreated    int
	closed            bool

	onCandidate func(peer.Candidate)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState     func(peer.State)
}

var _ peer.Link = (*fakeLink)(nil)

func (l *fakeLink) AddLocalTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracks = append(l.tracks, track)
	return nil
}

func (l *fakeLink) CreateOffer() (peer.Description, error) {
	return peer.Description{Type: "offer", SDP: "fake-offer-sdp"}, nil
}

func (l *fakeLink) CreateAnswer() (peer.Description, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answersCreated++
	return peer.Description{Type: "answer", SDP: "fake-answer-sdp"}, nil
}

func (l *fakeLink) SetLocalDescription(desc peer.Description) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.localDesc = &desc
	return nil
}

func (l *fakeLink) SetRemoteDescription(desc peer.Description) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteSetAttempts++
	if l.remoteDesc != nil {
		return peer.ErrRemoteDescriptionSet
	}
	l.remoteDesc = &desc
	return nil
}

func (l *fakeLink) AddRemoteCandidate(cand peer.Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return peer.ErrClosed
	}
	if cand.Candidate == "malformed" {
		return fmt.Errorf("fake: malformed candidate")
	}
	l.remoteCandidates = append(l.remoteCandidates, cand)
	return nil
}

func (l *fakeLink) OnCandidate(fn func(peer.Candidate)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = fn
}

func (l *fakeLink) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTrack = fn
}

func (l *fakeLink) OnStateChange(fn func(peer.State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) fireCandidate(c peer.Candidate) {
	l.mu.Lock()
	fn := l.onCandidate
	l.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (l *fakeLink) fireState(s peer.State) {
	l.mu.Lock()
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (l *fakeLink) fireTrack() {
	l.mu.Lock()
	fn := l.onTrack
	l.mu.Unlock()
	if fn != nil {
		fn(nil, nil)
	}
}

func (l *fakeLink) remote() *peer.Description {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteDesc
}

func (l *fakeLink) remoteAttempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSetAttempts
}

func (l *fakeLink) candidates() []peer.Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]peer.Candidate, len(l.remoteCandidates))
	copy(out, l.remoteCandidates)
	return out
}

func (l *fakeLink) answers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answersCreated
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakeFactory hands out fakeLinks and remembers them in creation order.
type fakeFactory struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *fakeFactory) new() (peer.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLink{}
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func (f *fakeFactory) link(i int) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.links) {
		return nil
	}
	return f.links[i]
}

// fakeSource is a closable media source with no tracks.
type fakeSource struct {
	mu     sync.Mutex
	closed bool
}

var _ media.Source = (*fakeSource)(nil)

func (s *fakeSource) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
