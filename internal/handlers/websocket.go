package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/roomcall/signaling/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer. Enough for WebRTC SDP.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// connState tracks the connection's position in the signaling lifecycle.
// It is only touched from the connection's read goroutine.
type connState int

const (
	stateDisconnected connState = iota
	stateJoining
	stateJoined
	stateLeaving
)

// Client represents a WebSocket client connection. Exactly one goroutine
// reads (readPump) and one writes (writePump); all outbound traffic goes
// through the buffered Send channel.
type Client struct {
	ID     string // connection ID, distinct from the user identity
	Conn   *websocket.Conn
	Send   chan []byte
	router *Router

	state  connState
	userID string
	roomID string
}

// HandleSignaling upgrades the connection and hands it to the router. The
// path room identifier is validated against the metadata store up front;
// the actual join happens via the join-room event.
func HandleSignaling(router *Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomIdentifier := c.Param("roomId")
		if roomIdentifier == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
			return
		}

		metadata, err := lookupRoom(roomIdentifier)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Failed to upgrade connection: %v", err)
			return
		}

		client := &Client{
			ID:     uuid.New().String(),
			Conn:   conn,
			Send:   make(chan []byte, 256),
			router: router,
		}
		router.Attach(client)

		log.Printf("Connection %s opened for room %s (code: %s)", client.ID, metadata.ID, metadata.Code)

		go client.writePump()
		go client.readPump()
	}
}

// Deliver queues an event for the connection without blocking. It reports
// false when the event was dropped because the send buffer is full.
func (c *Client) Deliver(event models.SignalEvent) bool {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal event %s: %v", event.Type, err)
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		log.Printf("Dropped %s event for connection %s, buffer full", event.Type, c.ID)
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.router.HandleDisconnect(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on connection %s: %v", c.ID, err)
			}
			break
		}

		var event models.SignalEvent
		if err := json.Unmarshal(message, &event); err != nil {
			log.Printf("Failed to parse event from connection %s: %v", c.ID, err)
			continue
		}

		c.router.Dispatch(c, event)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
