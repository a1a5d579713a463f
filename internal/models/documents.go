// Package models defines the signaling documents and their store
// paths. Field names are part of the wire contract with the browser
// clients and must not change.
package models

import (
	"github.com/tonymelek/local-screen-share/internal/peer"
	"github.com/tonymelek/local-screen-share/internal/store"
)

const (
	RoomStatusActive = "active"
	RoomStatusEnded  = "ended"
)

// Room is the broadcast room document. BroadcasterID is the session
// token of the current publisher; whoever the document names is the
// authoritative owner.
type Room struct {
	BroadcasterID string
	Status        string
	CreatedAt     int64
}

func (r Room) Fields() store.Fields {
	return store.Fields{
		"broadcasterId": r.BroadcasterID,
		"status":        r.Status,
		"createdAt":     r.CreatedAt,
	}
}

func RoomFromFields(f store.Fields) Room {
	return Room{
		BroadcasterID: asString(f["broadcasterId"]),
		Status:        asString(f["status"]),
		CreatedAt:     asInt64(f["createdAt"]),
	}
}

// Active reports whether the room currently has an authoritative owner.
func (r Room) Active() bool {
	return r.Status == RoomStatusActive && r.BroadcasterID != ""
}

// Subscriber is a viewer's record under a room. Its existence is the
// presence signal; offer and answer arrive as later merges.
type Subscriber struct {
	ID       string
	IsActive bool
	JoinedAt int64
	Offer    *peer.Description
	Answer   *peer.Description
}

func (s Subscriber) PresenceFields() store.Fields {
	return store.Fields{
		"id":       s.ID,
		"isActive": s.IsActive,
		"joinedAt": s.JoinedAt,
	}
}

func SubscriberFromFields(f store.Fields) Subscriber {
	return Subscriber{
		ID:       asString(f["id"]),
		IsActive: f["isActive"] == true,
		JoinedAt: asInt64(f["joinedAt"]),
		Offer:    descriptionFrom(f["offer"]),
		Answer:   descriptionFrom(f["answer"]),
	}
}

// Call is the 1:1 call document. CallerSessionID disambiguates the
// creation race: the token durably recorded first marks the caller.
type Call struct {
	CallerSessionID string
	Offer           *peer.Description
	Answer          *peer.Description
}

func CallFromFields(f store.Fields) Call {
	return Call{
		CallerSessionID: asString(f["callerSessionId"]),
		Offer:           descriptionFrom(f["offer"]),
		Answer:          descriptionFrom(f["answer"]),
	}
}

// DescriptionFields encodes a session description the way the browser
// clients write it, as a plain map so it nests inside a document field.
func DescriptionFields(d peer.Description) map[string]any {
	return map[string]any{"type": d.Type, "sdp": d.SDP}
}

// CandidateFields encodes a candidate-log entry.
func CandidateFields(c peer.Candidate) store.Fields {
	f := store.Fields{"candidate": c.Candidate}
	if c.SDPMid != nil {
		f["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		f["sdpMLineIndex"] = int64(*c.SDPMLineIndex)
	}
	if c.UsernameFragment != nil {
		f["usernameFragment"] = *c.UsernameFragment
	}
	return f
}

func CandidateFromFields(f store.Fields) peer.Candidate {
	c := peer.Candidate{Candidate: asString(f["candidate"])}
	if v, ok := f["sdpMid"]; ok {
		mid := asString(v)
		c.SDPMid = &mid
	}
	if v, ok := f["sdpMLineIndex"]; ok {
		idx := uint16(asInt64(v))
		c.SDPMLineIndex = &idx
	}
	if v, ok := f["usernameFragment"]; ok {
		frag := asString(v)
		c.UsernameFragment = &frag
	}
	return c
}

// Store paths.

func RoomPath(roomID string) string { return "rooms/" + roomID }

func ViewersPath(roomID string) string { return RoomPath(roomID) + "/viewers" }

func ViewerPath(roomID, viewerID string) string { return ViewersPath(roomID) + "/" + viewerID }

// BroadcasterCandidatesPath is the publisher-to-viewer candidate log.
func BroadcasterCandidatesPath(roomID, viewerID string) string {
	return ViewerPath(roomID, viewerID) + "/broadcasterCandidates"
}

// ViewerCandidatesPath is the viewer-to-publisher candidate log.
func ViewerCandidatesPath(roomID, viewerID string) string {
	return ViewerPath(roomID, viewerID) + "/viewerCandidates"
}

func CallPath(callID string) string { return "calls/" + callID }

func CallerCandidatesPath(callID string) string { return CallPath(callID) + "/callerCandidates" }

func CalleeCandidatesPath(callID string) string { return CallPath(callID) + "/calleeCandidates" }

// descriptionFrom decodes an embedded {type, sdp} value, tolerating
// absence and foreign shapes.
func descriptionFrom(v any) *peer.Description {
	var m map[string]any
	switch t := v.(type) {
	case map[string]any:
		m = t
	case store.Fields:
		m = t
	default:
		return nil
	}
	d := peer.Description{Type: asString(m["type"]), SDP: asString(m["sdp"])}
	if d.Type == "" && d.SDP == "" {
		return nil
	}
	return &d
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asInt64 tolerates both native int64 (memory store) and float64
// (JSON round-trip through Redis).
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
