// Package media supplies local tracks for publishing sessions. A
// Source owns its tracks and whatever feeds them; closing the source
// stops the feed.
package media

import "github.com/pion/webrtc/v4"

type Source interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// StaticSource wraps pre-built local tracks that are fed elsewhere.
type StaticSource struct {
	tracks []webrtc.TrackLocal
}

func NewStaticSource(tracks ...webrtc.TrackLocal) *StaticSource {
	return &StaticSource{tracks: tracks}
}

func (s *StaticSource) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *StaticSource) Close() error { return nil }
