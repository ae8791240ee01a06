package room

import "errors"

var (
	// ErrRoomFull rejects a join that would exceed the configured maximum.
	ErrRoomFull = errors.New("room is full")

	// ErrDuplicateParticipant rejects a join by an identity that already
	// holds a live participant in the room.
	ErrDuplicateParticipant = errors.New("participant already in room")

	// ErrNotFound covers a missing room, participant or chat message.
	ErrNotFound = errors.New("not found")
)
