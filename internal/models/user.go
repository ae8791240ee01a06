package models

import "time"

// User is the immutable identity supplied by the auth layer.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Participant is a user's room-scoped presence. It is owned by the room it
// belongs to: created on join, mutated on toggle events, destroyed on leave.
type Participant struct {
	User
	IsHost          bool      `json:"isHost"`
	IsMuted         bool      `json:"isMuted"`
	IsVideoOff      bool      `json:"isVideoOff"`
	IsScreenSharing bool      `json:"isScreenSharing"`
	JoinedAt        time.Time `json:"joinedAt"`
}
