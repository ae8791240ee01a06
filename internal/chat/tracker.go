package chat

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/roomcall/signaling/internal/models"
	"github.com/roomcall/signaling/internal/room"
)

var (
	// ErrEmptyMessage rejects a message whose body is blank after trimming.
	ErrEmptyMessage = errors.New("message body is empty")

	// ErrChatDisabled rejects chat operations in rooms configured with
	// allow-chat off.
	ErrChatDisabled = errors.New("chat is disabled for this room")

	// ErrInvalidReaction rejects a reaction with a blank emoji key.
	ErrInvalidReaction = errors.New("invalid reaction emoji")
)

// Tracker is the per-room chat, typing and reaction component. Storage and
// locking live in the room store; the tracker owns validation and message
// construction.
type Tracker struct {
	store *room.Store
	clock func() time.Time
}

func NewTracker(store *room.Store) *Tracker {
	return &Tracker{store: store, clock: time.Now}
}

func (t *Tracker) allowed(roomID string) error {
	settings, ok := t.store.Settings(roomID)
	if !ok {
		return room.ErrNotFound
	}
	if !settings.AllowChat {
		return ErrChatDisabled
	}
	return nil
}

// Post appends a text message to the room's log and returns it for
// broadcast.
func (t *Tracker) Post(roomID string, sender models.User, body string) (models.ChatMessage, error) {
	if strings.TrimSpace(body) == "" {
		return models.ChatMessage{}, ErrEmptyMessage
	}
	if err := t.allowed(roomID); err != nil {
		return models.ChatMessage{}, err
	}

	msg := models.ChatMessage{
		ID:        uuid.New().String(),
		Sender:    sender,
		Body:      body,
		Type:      models.MessageTypeText,
		Timestamp: t.clock(),
	}
	if err := t.store.AppendMessage(roomID, msg); err != nil {
		return models.ChatMessage{}, err
	}
	return msg, nil
}

// PostSystem appends a system message (join/leave notices) bypassing the
// allow-chat setting.
func (t *Tracker) PostSystem(roomID, body string) (models.ChatMessage, error) {
	msg := models.ChatMessage{
		ID:        uuid.New().String(),
		Body:      body,
		Type:      models.MessageTypeSystem,
		Timestamp: t.clock(),
	}
	if err := t.store.AppendMessage(roomID, msg); err != nil {
		return models.ChatMessage{}, err
	}
	return msg, nil
}

// SetTyping updates the room's typing set and returns the full current set.
// Every change broadcasts the whole set, not a diff.
func (t *Tracker) SetTyping(roomID, userID string, isTyping bool) ([]string, error) {
	if err := t.allowed(roomID); err != nil {
		return nil, err
	}
	return t.store.SetTyping(roomID, userID, isTyping)
}

// AddReaction adds userID to the emoji's set on the message. Idempotent per
// (message, emoji, user); returns the resulting full reaction map.
func (t *Tracker) AddReaction(roomID, messageID, userID, emoji string) (map[string][]string, error) {
	if emoji == "" {
		return nil, ErrInvalidReaction
	}
	reactions, _, err := t.store.AddReaction(roomID, messageID, userID, emoji)
	return reactions, err
}

// RemoveReaction removes userID from the emoji's set on the message.
// Removing an absent reaction is a no-op.
func (t *Tracker) RemoveReaction(roomID, messageID, userID, emoji string) (map[string][]string, error) {
	reactions, _, err := t.store.RemoveReaction(roomID, messageID, userID, emoji)
	return reactions, err
}

// History returns the room's chat log snapshot.
func (t *Tracker) History(roomID string) []models.ChatMessage {
	return t.store.Messages(roomID)
}
