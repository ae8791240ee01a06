package models

import "time"

// RoomSettings is the per-room configuration fixed at creation time.
type RoomSettings struct {
	MaxParticipants  int  `json:"maxParticipants"`
	AllowScreenShare bool `json:"allowScreenShare"`
	AllowChat        bool `json:"allowChat"`
	MuteOnJoin       bool `json:"muteOnJoin"`
	VideoOnJoin      bool `json:"videoOnJoin"`
	WaitingRoom      bool `json:"waitingRoom"`
}

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID               string       `json:"id"`
	Code             string       `json:"code"` // Short, shareable room code (e.g., "ABCD123")
	CreatorID        string       `json:"creatorId"` // User ID from JWT who created the room
	CreatedAt        time.Time    `json:"createdAt"`
	Settings         RoomSettings `json:"settings"`
	ParticipantCount int          `json:"participantCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	MaxParticipants  int   `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
	AllowScreenShare *bool `json:"allowScreenShare"`
	AllowChat        *bool `json:"allowChat"`
	MuteOnJoin       bool  `json:"muteOnJoin"`
	VideoOnJoin      *bool `json:"videoOnJoin"`
	WaitingRoom      bool  `json:"waitingRoom"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}
