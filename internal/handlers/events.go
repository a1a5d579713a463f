package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tonymelek/local-screen-share/internal/models"
	"github.com/tonymelek/local-screen-share/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Event is one store change pushed to a dashboard client.
type Event struct {
	Type     string       `json:"type"` // room-changed | room-deleted | viewer-joined | viewer-left
	RoomID   string       `json:"roomId"`
	ViewerID string       `json:"viewerId,omitempty"`
	Fields   store.Fields `json:"fields,omitempty"`
}

// eventClient is one WebSocket subscriber to a room's event feed.
type eventClient struct {
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger
}

// RoomEvents streams room-document and viewer-presence changes over a
// WebSocket so dashboards can observe a broadcast without touching the
// signaling documents themselves.
func RoomEvents(st store.Store, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("roomId")
		if roomID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("upgrade websocket")
			return
		}

		client := &eventClient{
			conn: conn,
			send: make(chan []byte, 256),
			log:  log.With().Str("room", roomID).Logger(),
		}

		stopDoc, err := st.WatchDoc(models.RoomPath(roomID), func(fields store.Fields) {
			if fields == nil {
				client.queue(Event{Type: "room-deleted", RoomID: roomID})
				return
			}
			client.queue(Event{Type: "room-changed", RoomID: roomID, Fields: fields})
		})
		if err != nil {
			conn.Close()
			return
		}
		stopViewers, err := st.WatchCollection(models.ViewersPath(roomID),
			func(id string, fields store.Fields) {
				client.queue(Event{Type: "viewer-joined", RoomID: roomID, ViewerID: id, Fields: fields})
			},
			func(id string) {
				client.queue(Event{Type: "viewer-left", RoomID: roomID, ViewerID: id})
			})
		if err != nil {
			stopDoc()
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump(func() {
			stopDoc()
			stopViewers()
		})
	}
}

func (c *eventClient) queue(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Warn().Err(err).Msg("marshal event")
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn().Msg("event feed buffer full, dropping event")
	}
}

// readPump discards client messages; its job is noticing the close and
// releasing the store watches.
func (c *eventClient) readPump(onClose func()) {
	defer func() {
		onClose()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket error")
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("write event")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
