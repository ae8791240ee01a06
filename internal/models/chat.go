package models

import "time"

// MessageType tags a chat message body.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// ChatMessage is one entry in a room's chat log. Reactions map an emoji to
// the user IDs that applied it; a user appears at most once per emoji.
type ChatMessage struct {
	ID        string              `json:"id"`
	Sender    User                `json:"sender"`
	Body      string              `json:"body"`
	Type      MessageType         `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Reactions map[string][]string `json:"reactions,omitempty"`
}
