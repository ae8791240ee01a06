package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/roomcall/signaling/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client manages the WebSocket connection to the signaling server. It
// implements Signaler, so a Session can relay negotiation messages through
// it directly.
type Client struct {
	serverURL string
	roomID    string
	user      models.User

	conn     *websocket.Conn
	incoming chan models.SignalEvent
	outgoing chan models.SignalEvent

	mu     sync.Mutex
	closed bool
}

func NewClient(serverURL string, roomID string, user models.User) *Client {
	return &Client{
		serverURL: serverURL,
		roomID:    roomID,
		user:      user,
		incoming:  make(chan models.SignalEvent, 64),
		outgoing:  make(chan models.SignalEvent, 64),
	}
}

// Connect establishes the WebSocket connection and starts the pumps.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()
	return nil
}

// Events exposes the inbound event stream. The channel closes when the
// connection drops.
func (c *Client) Events() <-chan models.SignalEvent {
	return c.incoming
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var event models.SignalEvent
		if err := c.conn.ReadJSON(&event); err != nil {
			return
		}
		c.incoming <- event
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) emit(eventType models.EventType, payload any) error {
	event, err := models.NewSignalEvent(eventType, payload)
	if err != nil {
		return err
	}
	select {
	case c.outgoing <- event:
		return nil
	default:
		return fmt.Errorf("outgoing buffer full, dropped %s", eventType)
	}
}

// JoinRoom announces the local user to the room. Code carries the 2FA
// verification code when required.
func (c *Client) JoinRoom(code string) error {
	return c.emit(models.EventJoinRoom, models.JoinRoomPayload{
		RoomID: c.roomID,
		User:   c.user,
		Code:   code,
	})
}

// LeaveRoom leaves the current room without closing the socket.
func (c *Client) LeaveRoom() error {
	return c.emit(models.EventLeaveRoom, models.LeaveRoomPayload{RoomID: c.roomID})
}

// SendOffer relays a local offer to the target participant.
func (c *Client) SendOffer(targetID string, offer webrtc.SessionDescription) error {
	return c.emit(models.EventOffer, models.DescriptionRelay{
		RoomID:   c.roomID,
		Offer:    &offer,
		TargetID: targetID,
	})
}

// SendAnswer relays a local answer to the target participant.
func (c *Client) SendAnswer(targetID string, answer webrtc.SessionDescription) error {
	return c.emit(models.EventAnswer, models.DescriptionRelay{
		RoomID:   c.roomID,
		Answer:   &answer,
		TargetID: targetID,
	})
}

// SendCandidate relays a local ICE candidate to the target participant.
func (c *Client) SendCandidate(targetID string, candidate webrtc.ICECandidateInit) error {
	return c.emit(models.EventICECandidate, models.CandidateRelay{
		RoomID:    c.roomID,
		Candidate: &candidate,
		TargetID:  targetID,
	})
}

// ToggleAudio reports the local mute state.
func (c *Client) ToggleAudio(isMuted bool) error {
	return c.emit(models.EventToggleAudio, models.TogglePayload{RoomID: c.roomID, IsMuted: &isMuted})
}

// ToggleVideo reports the local video-off state.
func (c *Client) ToggleVideo(isVideoOff bool) error {
	return c.emit(models.EventToggleVideo, models.TogglePayload{RoomID: c.roomID, IsVideoOff: &isVideoOff})
}

// AnnounceScreenShare reports screen-share start or stop.
func (c *Client) AnnounceScreenShare(start bool) error {
	eventType := models.EventStartScreenShare
	if !start {
		eventType = models.EventStopScreenShare
	}
	return c.emit(eventType, models.ScreenSharePayload{RoomID: c.roomID})
}

// SendChat posts a text message to the room.
func (c *Client) SendChat(text string) error {
	payload := models.SendMessagePayload{RoomID: c.roomID, User: c.user}
	payload.Message.Text = text
	return c.emit(models.EventSendMessage, payload)
}

// SetTyping reports the local typing state.
func (c *Client) SetTyping(isTyping bool) error {
	return c.emit(models.EventTyping, models.TypingPayload{RoomID: c.roomID, IsTyping: isTyping})
}

// AddReaction applies an emoji reaction to a message.
func (c *Client) AddReaction(messageID, emoji string) error {
	return c.emit(models.EventAddReaction, models.ReactionPayload{
		RoomID:    c.roomID,
		MessageID: messageID,
		Emoji:     emoji,
	})
}

// Route consumes inbound events, feeding negotiation traffic into the
// session and handing everything else to onEvent. It returns when the
// connection drops or ctx is cancelled; the session's links are closed on
// the way out.
func (c *Client) Route(ctx context.Context, session *Session, onEvent func(models.SignalEvent)) error {
	defer session.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-c.incoming:
			if !ok {
				return fmt.Errorf("signaling connection closed")
			}
			c.routeEvent(session, event, onEvent)
		}
	}
}

func (c *Client) routeEvent(session *Session, event models.SignalEvent, onEvent func(models.SignalEvent)) {
	switch event.Type {
	case models.EventUserJoined:
		var participant models.Participant
		if err := json.Unmarshal(event.Payload, &participant); err != nil || participant.ID == "" {
			log.Printf("Dropping malformed user-joined event")
			return
		}
		if err := session.HandlePeerJoined(participant.ID); err != nil {
			log.Printf("Negotiation with %s not started: %v", participant.ID, err)
		}
	case models.EventUserLeft:
		var left models.UserLeftPayload
		if err := json.Unmarshal(event.Payload, &left); err != nil {
			return
		}
		session.HandlePeerLeft(left.UserID)
	case models.EventOffer:
		var relay models.DescriptionRelay
		if err := json.Unmarshal(event.Payload, &relay); err != nil || relay.Offer == nil {
			log.Printf("Dropping malformed offer event")
			return
		}
		if err := session.HandleOffer(relay.SenderID, *relay.Offer); err != nil {
			log.Printf("Failed to answer offer from %s: %v", relay.SenderID, err)
		}
	case models.EventAnswer:
		var relay models.DescriptionRelay
		if err := json.Unmarshal(event.Payload, &relay); err != nil || relay.Answer == nil {
			log.Printf("Dropping malformed answer event")
			return
		}
		if err := session.HandleAnswer(relay.SenderID, *relay.Answer); err != nil {
			log.Printf("Failed to apply answer from %s: %v", relay.SenderID, err)
		}
	case models.EventICECandidate:
		var relay models.CandidateRelay
		if err := json.Unmarshal(event.Payload, &relay); err != nil || relay.Candidate == nil {
			log.Printf("Dropping malformed ice-candidate event")
			return
		}
		if err := session.HandleCandidate(relay.SenderID, *relay.Candidate); err != nil {
			log.Printf("Failed to apply candidate from %s: %v", relay.SenderID, err)
		}
	default:
		if onEvent != nil {
			onEvent(event)
		}
	}
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
