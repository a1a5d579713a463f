// Package session implements the signaling and session-negotiation
// core: one-to-many broadcasting (Publisher/Viewer) and symmetric 1:1
// calls (Call). Sessions talk to peers only through the store package's
// rendezvous documents and drive media through peer.Link objects they
// exclusively own.
//
// There is no cross-session locking anywhere: room ownership and
// caller/callee roles are resolved optimistically. Whichever write
// lands last (room) or first (call) wins, and the losing side detects
// it through its own document watch and adjusts.
package session

import "errors"

var (
	// ErrRoomNotFound is terminal: the room a viewer tried to join does
	// not exist. No retry.
	ErrRoomNotFound = errors.New("session: room not found")

	// ErrRoomOccupied is a decision point, not a failure: the room has a
	// live broadcaster. The caller confirms with Takeover or abandons.
	ErrRoomOccupied = errors.New("session: room already has an active broadcaster")

	// ErrAlreadyStarted is returned when a session is started twice.
	ErrAlreadyStarted = errors.New("session: already started")
)

// Status is the read-only state a session surfaces to its consumer.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
	StatusError        Status = "error"
)

// Role identifies which side of a 1:1 call this session resolved to.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)
