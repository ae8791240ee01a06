package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/roomcall/signaling/internal/chat"
	"github.com/roomcall/signaling/internal/models"
	"github.com/roomcall/signaling/internal/redis"
	"github.com/roomcall/signaling/internal/registry"
	"github.com/roomcall/signaling/internal/room"
	"github.com/roomcall/signaling/internal/twofactor"
)

const presenceTTL = 24 * time.Hour

// Router validates inbound signaling events against the room store and
// relays them to the right connections. Dispatch runs on the connection's
// read goroutine, so events from one sender are handled, and therefore
// delivered, in send order.
type Router struct {
	store    *room.Store
	chat     *chat.Tracker
	reg      *registry.Registry
	verifier twofactor.Verifier
}

func NewRouter(store *room.Store, tracker *chat.Tracker, reg *registry.Registry, verifier twofactor.Verifier) *Router {
	return &Router{
		store:    store,
		chat:     tracker,
		reg:      reg,
		verifier: verifier,
	}
}

// Attach registers a freshly upgraded connection.
func (r *Router) Attach(c *Client) {
	r.reg.Register(c.ID, c)
}

// Dispatch routes one inbound event. Malformed or misaddressed events are
// dropped with a logged warning; they never propagate and never take the
// router down.
func (r *Router) Dispatch(c *Client, event models.SignalEvent) {
	switch event.Type {
	case models.EventJoinRoom:
		r.handleJoin(c, event.Payload)
	case models.EventLeaveRoom:
		r.handleLeave(c)
	case models.EventOffer, models.EventAnswer:
		r.relayDescription(c, event.Type, event.Payload)
	case models.EventICECandidate:
		r.relayCandidate(c, event.Payload)
	case models.EventToggleAudio:
		r.handleToggle(c, room.FieldMuted, event.Payload)
	case models.EventToggleVideo:
		r.handleToggle(c, room.FieldVideoOff, event.Payload)
	case models.EventStartScreenShare:
		r.handleScreenShare(c, true)
	case models.EventStopScreenShare:
		r.handleScreenShare(c, false)
	case models.EventSendMessage:
		r.handleSendMessage(c, event.Payload)
	case models.EventTyping:
		r.handleTyping(c, event.Payload)
	case models.EventAddReaction:
		r.handleReaction(c, event.Payload, true)
	case models.EventRemoveReaction:
		r.handleReaction(c, event.Payload, false)
	default:
		log.Printf("Unknown event type %q from connection %s", event.Type, c.ID)
	}
}

// HandleDisconnect runs when a connection's read pump exits for any reason.
func (r *Router) HandleDisconnect(c *Client) {
	if c.state == stateJoined {
		r.performLeave(c)
	}
	r.reg.Unregister(c.ID)
	log.Printf("Connection %s closed", c.ID)
}

func (r *Router) handleJoin(c *Client, payload json.RawMessage) {
	if c.state != stateDisconnected {
		r.sendError(c, "already joined a room")
		return
	}

	var req models.JoinRoomPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.RoomID == "" || req.User.ID == "" {
		log.Printf("Dropping malformed join-room from connection %s", c.ID)
		r.sendError(c, "invalid join request")
		return
	}

	// Resolve short codes and carry configured settings; a room that was
	// never created via the API gets permissive defaults on first join.
	roomID := req.RoomID
	settings := models.RoomSettings{
		AllowScreenShare: true,
		AllowChat:        true,
		VideoOnJoin:      true,
	}
	if metadata, err := lookupRoom(req.RoomID); err == nil {
		roomID = metadata.ID
		settings = metadata.Settings
	}

	if reason, ok := r.admit(req.User.ID, req.Code); !ok {
		log.Printf("Join declined for user %s in room %s: %s", req.User.ID, roomID, reason)
		r.sendError(c, reason)
		return
	}

	c.state = stateJoining
	participant, roster, err := r.store.CreateOrJoin(roomID, req.User, settings)
	if err != nil {
		c.state = stateDisconnected
		switch {
		case errors.Is(err, room.ErrRoomFull):
			r.sendError(c, "room is full")
		case errors.Is(err, room.ErrDuplicateParticipant):
			r.sendError(c, "already in this room")
		default:
			r.sendError(c, "failed to join room")
		}
		return
	}

	if !r.reg.Bind(c.ID, req.User.ID, roomID) {
		r.store.Leave(roomID, req.User.ID)
		c.state = stateDisconnected
		r.sendError(c, "already in this room")
		return
	}

	c.userID = req.User.ID
	c.roomID = roomID
	c.state = stateJoined

	r.addPresence(roomID, req.User.ID)
	log.Printf("User %s joined room %s (%d/%d participants)",
		req.User.ID, roomID, len(roster), settingsMax(r.store, roomID))

	r.send(c, models.EventRoomParticipants, roster)
	r.broadcast(roomID, req.User.ID, models.EventUserJoined, participant)
}

// admit applies the two-factor gate. It returns a decline reason when the
// user must not enter.
func (r *Router) admit(userID, code string) (string, bool) {
	if r.verifier == nil {
		return "", true
	}
	enabled, err := r.verifier.IsEnabled(userID)
	if err != nil {
		log.Printf("2FA lookup failed for user %s: %v", userID, err)
		return "verification unavailable", false
	}
	if !enabled {
		return "", true
	}
	if code == "" {
		return "verification required", false
	}
	if err := r.verifier.VerifyCode(userID, code, "room-join"); err != nil {
		if err := r.verifier.UseBackupCode(userID, code); err != nil {
			return "verification failed", false
		}
	}
	return "", true
}

func (r *Router) handleLeave(c *Client) {
	if c.state != stateJoined {
		// Leaving without having joined is a no-op, not an error.
		return
	}
	r.performLeave(c)
}

func (r *Router) performLeave(c *Client) {
	c.state = stateLeaving

	roomID, userID := c.roomID, c.userID
	changed := r.store.Leave(roomID, userID)
	r.reg.Unbind(c.ID)
	r.removePresence(roomID, userID)

	if changed {
		r.broadcast(roomID, userID, models.EventUserLeft, models.UserLeftPayload{UserID: userID})
		log.Printf("User %s left room %s", userID, roomID)
	}

	c.userID = ""
	c.roomID = ""
	c.state = stateDisconnected
}

// relayDescription forwards an offer or answer to its target. Stateless
// pass-through: the only validation is that sender and target are both
// joined in the same room.
func (r *Router) relayDescription(c *Client, eventType models.EventType, payload json.RawMessage) {
	if c.state != stateJoined {
		log.Printf("Dropping %s from connection %s: not joined", eventType, c.ID)
		return
	}

	var relay models.DescriptionRelay
	if err := json.Unmarshal(payload, &relay); err != nil || relay.TargetID == "" {
		log.Printf("Dropping malformed %s from user %s", eventType, c.userID)
		return
	}
	if eventType == models.EventOffer && relay.Offer == nil {
		log.Printf("Dropping offer without description from user %s", c.userID)
		return
	}
	if eventType == models.EventAnswer && relay.Answer == nil {
		log.Printf("Dropping answer without description from user %s", c.userID)
		return
	}
	if relay.RoomID != "" && relay.RoomID != c.roomID {
		log.Printf("Dropping %s from user %s: wrong room %s", eventType, c.userID, relay.RoomID)
		return
	}

	target, ok := r.lookupTarget(c, relay.TargetID, eventType)
	if !ok {
		return
	}

	relay.RoomID = ""
	relay.TargetID = ""
	relay.SenderID = c.userID
	r.deliver(target, eventType, relay)
}

func (r *Router) relayCandidate(c *Client, payload json.RawMessage) {
	if c.state != stateJoined {
		log.Printf("Dropping ice-candidate from connection %s: not joined", c.ID)
		return
	}

	var relay models.CandidateRelay
	if err := json.Unmarshal(payload, &relay); err != nil || relay.TargetID == "" || relay.Candidate == nil {
		log.Printf("Dropping malformed ice-candidate from user %s", c.userID)
		return
	}
	if relay.RoomID != "" && relay.RoomID != c.roomID {
		log.Printf("Dropping ice-candidate from user %s: wrong room %s", c.userID, relay.RoomID)
		return
	}

	target, ok := r.lookupTarget(c, relay.TargetID, models.EventICECandidate)
	if !ok {
		return
	}

	relay.RoomID = ""
	relay.TargetID = ""
	relay.SenderID = c.userID
	r.deliver(target, models.EventICECandidate, relay)
}

func (r *Router) lookupTarget(c *Client, targetID string, eventType models.EventType) (registry.Sender, bool) {
	if !r.store.IsJoined(c.roomID, c.userID) || !r.store.IsJoined(c.roomID, targetID) {
		log.Printf("Dropping %s from user %s: target %s not joined in room %s",
			eventType, c.userID, targetID, c.roomID)
		return nil, false
	}
	sender, ok := r.reg.Lookup(c.roomID, targetID)
	if !ok {
		log.Printf("Dropping %s from user %s: no connection for target %s", eventType, c.userID, targetID)
		return nil, false
	}
	return sender, true
}

func (r *Router) handleToggle(c *Client, field room.ToggleField, payload json.RawMessage) {
	if c.state != stateJoined {
		return
	}

	var req models.TogglePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("Dropping malformed toggle from user %s", c.userID)
		return
	}

	var value *bool
	var eventType models.EventType
	switch field {
	case room.FieldMuted:
		value = req.IsMuted
		eventType = models.EventToggleAudio
	case room.FieldVideoOff:
		value = req.IsVideoOff
		eventType = models.EventToggleVideo
	}
	if value == nil {
		log.Printf("Dropping toggle without value from user %s", c.userID)
		return
	}

	participant, err := r.store.UpdateToggle(c.roomID, c.userID, field, *value)
	if err != nil {
		log.Printf("Toggle failed for user %s in room %s: %v", c.userID, c.roomID, err)
		return
	}

	delta := models.TogglePayload{UserID: c.userID}
	switch field {
	case room.FieldMuted:
		delta.IsMuted = &participant.IsMuted
	case room.FieldVideoOff:
		delta.IsVideoOff = &participant.IsVideoOff
	}
	r.broadcast(c.roomID, c.userID, eventType, delta)
}

func (r *Router) handleScreenShare(c *Client, start bool) {
	if c.state != stateJoined {
		return
	}

	if start {
		if settings, ok := r.store.Settings(c.roomID); ok && !settings.AllowScreenShare {
			r.sendError(c, "screen share is disabled for this room")
			return
		}
	}

	if _, err := r.store.SetScreenSharing(c.roomID, c.userID, start); err != nil {
		log.Printf("Screen share update failed for user %s: %v", c.userID, err)
		return
	}

	eventType := models.EventStartScreenShare
	if !start {
		eventType = models.EventStopScreenShare
	}
	r.broadcast(c.roomID, c.userID, eventType, models.ScreenSharePayload{UserID: c.userID})
}

func (r *Router) handleSendMessage(c *Client, payload json.RawMessage) {
	if c.state != stateJoined {
		return
	}

	var req models.SendMessagePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("Dropping malformed send-message from user %s", c.userID)
		return
	}

	// The sender identity is the bound one, not whatever the payload says.
	sender := req.User
	sender.ID = c.userID

	msg, err := r.chat.Post(c.roomID, sender, req.Message.Text)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			r.sendError(c, "message is empty")
		case errors.Is(err, chat.ErrChatDisabled):
			r.sendError(c, "chat is disabled for this room")
		default:
			log.Printf("Post failed for user %s in room %s: %v", c.userID, c.roomID, err)
		}
		return
	}

	r.broadcast(c.roomID, c.userID, models.EventNewMessage, msg)
}

func (r *Router) handleTyping(c *Client, payload json.RawMessage) {
	if c.state != stateJoined {
		return
	}

	var req models.TypingPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("Dropping malformed typing from user %s", c.userID)
		return
	}

	typingUsers, err := r.chat.SetTyping(c.roomID, c.userID, req.IsTyping)
	if err != nil {
		return
	}
	r.broadcast(c.roomID, c.userID, models.EventTypingUpdate, models.TypingUpdatePayload{TypingUsers: typingUsers})
}

func (r *Router) handleReaction(c *Client, payload json.RawMessage, add bool) {
	if c.state != stateJoined {
		return
	}

	var req models.ReactionPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.MessageID == "" {
		log.Printf("Dropping malformed reaction from user %s", c.userID)
		return
	}

	var reactions map[string][]string
	var err error
	eventType := models.EventReactionAdded
	if add {
		reactions, err = r.chat.AddReaction(c.roomID, req.MessageID, c.userID, req.Emoji)
	} else {
		eventType = models.EventReactionRemoved
		reactions, err = r.chat.RemoveReaction(c.roomID, req.MessageID, c.userID, req.Emoji)
	}
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			r.sendError(c, "message not found")
		}
		return
	}

	r.broadcast(c.roomID, c.userID, eventType, models.ReactionUpdatePayload{
		MessageID: req.MessageID,
		Emoji:     req.Emoji,
		UserID:    c.userID,
		Reactions: reactions,
	})
}

func (r *Router) send(c *Client, eventType models.EventType, payload any) {
	event, err := models.NewSignalEvent(eventType, payload)
	if err != nil {
		log.Printf("Failed to build %s event: %v", eventType, err)
		return
	}
	c.Deliver(event)
}

func (r *Router) sendError(c *Client, reason string) {
	r.send(c, models.EventError, models.ErrorPayload{Reason: reason})
}

func (r *Router) deliver(target registry.Sender, eventType models.EventType, payload any) {
	event, err := models.NewSignalEvent(eventType, payload)
	if err != nil {
		log.Printf("Failed to build %s event: %v", eventType, err)
		return
	}
	target.Deliver(event)
}

func (r *Router) broadcast(roomID, excludeUserID string, eventType models.EventType, payload any) {
	event, err := models.NewSignalEvent(eventType, payload)
	if err != nil {
		log.Printf("Failed to build %s event: %v", eventType, err)
		return
	}
	for _, sender := range r.reg.RoomSenders(roomID, excludeUserID) {
		sender.Deliver(event)
	}
}

// addPresence mirrors the in-memory roster into Redis, matching the room
// metadata TTL. Redis may be absent in tests.
func (r *Router) addPresence(roomID, userID string) {
	client := redis.GetClient()
	if client == nil {
		return
	}
	ctx := redis.GetContext()
	client.SAdd(ctx, "room:"+roomID+":peers", userID)
	client.Expire(ctx, "room:"+roomID+":peers", presenceTTL)
}

func (r *Router) removePresence(roomID, userID string) {
	client := redis.GetClient()
	if client == nil {
		return
	}
	client.SRem(redis.GetContext(), "room:"+roomID+":peers", userID)
}

func settingsMax(store *room.Store, roomID string) int {
	if settings, ok := store.Settings(roomID); ok {
		return settings.MaxParticipants
	}
	return 0
}
