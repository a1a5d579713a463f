// Package peer wraps a single peer-to-peer media session behind the
// Link interface. Sessions drive a Link through offer/answer/candidate
// operations; the Link reports discovered candidates, arriving remote
// tracks and connection-state transitions through callbacks.
package peer

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrRemoteDescriptionSet is returned when a second remote description
// is applied to a Link. Callers guard against duplicate delivery with
// this, not by deduplicating at the transport.
var ErrRemoteDescriptionSet = errors.New("peer: remote description already set")

// ErrClosed is returned by operations on a closed Link.
var ErrClosed = errors.New("peer: link closed")

// Description is one half of a session-description exchange, in the
// same shape the browser side writes into the signaling store.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a network-reachability hint. Field names match the
// candidate JSON the store carries, so entries round-trip untouched.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// State is the externally visible connection state of a Link.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Link is a single peer-to-peer media session. Implementations buffer
// remote candidates that arrive before the remote description and
// flush them once it is set, so sessions can apply candidate-log
// entries in whatever order the store delivers them.
type Link interface {
	AddLocalTrack(track webrtc.TrackLocal) error
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(desc Description) error
	// SetRemoteDescription fails with ErrRemoteDescriptionSet when a
	// remote description is already present.
	SetRemoteDescription(desc Description) error
	AddRemoteCandidate(cand Candidate) error
	OnCandidate(fn func(Candidate))
	OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnStateChange(fn func(State))
	Close() error
}

// Factory builds a fresh Link for each negotiation.
type Factory func() (Link, error)
