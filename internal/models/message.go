package models

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// EventType names a signaling event on the wire.
type EventType string

const (
	EventJoinRoom         EventType = "join-room"
	EventRoomParticipants EventType = "room-participants"
	EventUserJoined       EventType = "user-joined"
	EventUserLeft         EventType = "user-left"
	EventLeaveRoom        EventType = "leave-room"
	EventOffer            EventType = "offer"
	EventAnswer           EventType = "answer"
	EventICECandidate     EventType = "ice-candidate"
	EventToggleAudio      EventType = "toggle-audio"
	EventToggleVideo      EventType = "toggle-video"
	EventStartScreenShare EventType = "start-screen-share"
	EventStopScreenShare  EventType = "stop-screen-share"
	EventSendMessage      EventType = "send-message"
	EventNewMessage       EventType = "new-message"
	EventTyping           EventType = "typing"
	EventTypingUpdate     EventType = "typing-update"
	EventAddReaction      EventType = "add-reaction"
	EventReactionAdded    EventType = "reaction-added"
	EventRemoveReaction   EventType = "remove-reaction"
	EventReactionRemoved  EventType = "reaction-removed"
	EventError            EventType = "error"
)

// SignalEvent is the envelope for every message on the signaling socket.
type SignalEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewSignalEvent marshals payload into an envelope. Marshal errors are
// returned so callers can drop the event instead of sending garbage.
func NewSignalEvent(t EventType, payload any) (SignalEvent, error) {
	if payload == nil {
		return SignalEvent{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return SignalEvent{}, err
	}
	return SignalEvent{Type: t, Payload: data}, nil
}

// JoinRoomPayload is sent by a client to enter a room. Code carries the
// two-factor verification code when the user has 2FA enabled.
type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
	User   User   `json:"user"`
	Code   string `json:"code,omitempty"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

type UserLeftPayload struct {
	UserID string `json:"userId"`
}

// DescriptionRelay carries an SDP offer or answer. Clients set RoomID and
// TargetID; the router rewrites the envelope with SenderID on delivery.
type DescriptionRelay struct {
	RoomID   string                     `json:"roomId,omitempty"`
	Offer    *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer   *webrtc.SessionDescription `json:"answer,omitempty"`
	TargetID string                     `json:"targetId,omitempty"`
	SenderID string                     `json:"senderId,omitempty"`
}

// CandidateRelay carries one ICE candidate, addressed like DescriptionRelay.
type CandidateRelay struct {
	RoomID    string                   `json:"roomId,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	TargetID  string                   `json:"targetId,omitempty"`
	SenderID  string                   `json:"senderId,omitempty"`
}

// TogglePayload flips a participant's muted or video-off flag. Pointers
// distinguish "absent" from "false" on the wire.
type TogglePayload struct {
	RoomID     string `json:"roomId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	IsMuted    *bool  `json:"isMuted,omitempty"`
	IsVideoOff *bool  `json:"isVideoOff,omitempty"`
}

type ScreenSharePayload struct {
	RoomID string `json:"roomId,omitempty"`
	UserID string `json:"userId,omitempty"`
}

type SendMessagePayload struct {
	RoomID  string `json:"roomId"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	User User `json:"user"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type TypingUpdatePayload struct {
	TypingUsers []string `json:"typingUsers"`
}

type ReactionPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type ReactionUpdatePayload struct {
	MessageID string              `json:"messageId"`
	Emoji     string              `json:"emoji"`
	UserID    string              `json:"userId"`
	Reactions map[string][]string `json:"reactions"`
}

type ErrorPayload struct {
	Reason string `json:"reason"`
}
