package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tonymelek/local-screen-share/internal/models"
	"github.com/tonymelek/local-screen-share/internal/store"
)

// RoomInfo is the public view of a room document.
type RoomInfo struct {
	RoomID      string `json:"roomId"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
	ViewerCount int    `json:"viewerCount"`
}

// CallInfo reports how far a 1:1 call's negotiation has progressed
// without exposing the session descriptions themselves.
type CallInfo struct {
	CallID    string `json:"callId"`
	HasCaller bool   `json:"hasCaller"`
	HasOffer  bool   `json:"hasOffer"`
	HasAnswer bool   `json:"hasAnswer"`
}

// GetRoom reports a room's status and live viewer count (public).
func GetRoom(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("roomId")

		fields, err := st.Get(c.Request.Context(), models.RoomPath(roomID))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read room"})
			return
		}
		room := models.RoomFromFields(fields)

		viewers, err := st.List(c.Request.Context(), models.ViewersPath(roomID))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read viewers"})
			return
		}

		c.JSON(http.StatusOK, RoomInfo{
			RoomID:      roomID,
			Status:      room.Status,
			CreatedAt:   room.CreatedAt,
			ViewerCount: len(viewers),
		})
	}
}

// EndRoom force-ends a broadcast (requires the admin JWT). It blanks
// the broadcaster token and marks the room ended, which the live
// publisher observes as supersession and shuts itself down; the room
// document itself is left for the next claimant to overwrite.
func EndRoom(st store.Store, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := c.Get("user_id")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}
		roomID := c.Param("roomId")

		if _, err := st.Get(c.Request.Context(), models.RoomPath(roomID)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read room"})
			return
		}

		err := st.Merge(c.Request.Context(), models.RoomPath(roomID), store.Fields{
			"broadcasterId": "",
			"status":        models.RoomStatusEnded,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to end room"})
			return
		}

		log.Info().Str("room", roomID).Any("user", userID).Msg("room force-ended")
		c.JSON(http.StatusOK, gin.H{"message": "Room ended"})
	}
}

// GetCall reports a call's negotiation progress (public).
func GetCall(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		callID := c.Param("callId")

		fields, err := st.Get(c.Request.Context(), models.CallPath(callID))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read call"})
			return
		}
		call := models.CallFromFields(fields)

		c.JSON(http.StatusOK, CallInfo{
			CallID:    callID,
			HasCaller: call.CallerSessionID != "",
			HasOffer:  call.Offer != nil,
			HasAnswer: call.Answer != nil,
		})
	}
}
