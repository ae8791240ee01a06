package handlers

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomcall/signaling/config"
	"github.com/roomcall/signaling/internal/chat"
	"github.com/roomcall/signaling/internal/models"
	"github.com/roomcall/signaling/internal/registry"
	"github.com/roomcall/signaling/internal/room"
	"github.com/roomcall/signaling/internal/twofactor"
)

func newTestRouter(maxParticipants int, verifier twofactor.Verifier) *Router {
	store := room.NewStore(config.RoomConfig{
		EmptyTTL:               10 * time.Minute,
		DefaultMaxParticipants: maxParticipants,
	})
	return NewRouter(store, chat.NewTracker(store), registry.New(), verifier)
}

func connect(r *Router) *Client {
	c := &Client{
		ID:     uuid.New().String(),
		Send:   make(chan []byte, 64),
		router: r,
	}
	r.Attach(c)
	return c
}

func dispatch(t *testing.T, r *Router, c *Client, eventType models.EventType, payload any) {
	t.Helper()
	event, err := models.NewSignalEvent(eventType, payload)
	require.NoError(t, err)
	r.Dispatch(c, event)
}

func join(t *testing.T, r *Router, c *Client, roomID, userID string) {
	t.Helper()
	dispatch(t, r, c, models.EventJoinRoom, models.JoinRoomPayload{
		RoomID: roomID,
		User:   models.User{ID: userID, DisplayName: "user-" + userID},
	})
}

// nextEvent pops the next queued outbound event for the connection.
func nextEvent(t *testing.T, c *Client) models.SignalEvent {
	t.Helper()
	select {
	case data := <-c.Send:
		var event models.SignalEvent
		require.NoError(t, json.Unmarshal(data, &event))
		return event
	default:
		t.Fatal("expected a queued event")
		return models.SignalEvent{}
	}
}

func noEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		var event models.SignalEvent
		_ = json.Unmarshal(data, &event)
		t.Fatalf("unexpected event %s queued", event.Type)
	default:
	}
}

func decodePayload(t *testing.T, event models.SignalEvent, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(event.Payload, out))
}

func TestJoinScenario(t *testing.T) {
	r := newTestRouter(8, nil)
	a := connect(r)
	b := connect(r)

	join(t, r, a, "R1", "A")

	// A receives the full roster containing only A.
	event := nextEvent(t, a)
	require.Equal(t, models.EventRoomParticipants, event.Type)
	var roster []models.Participant
	decodePayload(t, event, &roster)
	require.Len(t, roster, 1)
	assert.Equal(t, "A", roster[0].ID)
	assert.True(t, roster[0].IsHost)

	join(t, r, b, "R1", "B")

	// A receives user-joined(B).
	event = nextEvent(t, a)
	require.Equal(t, models.EventUserJoined, event.Type)
	var joined models.Participant
	decodePayload(t, event, &joined)
	assert.Equal(t, "B", joined.ID)

	// B receives room-participants [A, B].
	event = nextEvent(t, b)
	require.Equal(t, models.EventRoomParticipants, event.Type)
	decodePayload(t, event, &roster)
	require.Len(t, roster, 2)
	assert.Equal(t, "A", roster[0].ID)
	assert.Equal(t, "B", roster[1].ID)
}

func TestJoinRoomFullDeclined(t *testing.T) {
	r := newTestRouter(2, nil)
	a, b, c := connect(r), connect(r), connect(r)

	join(t, r, a, "R1", "A")
	join(t, r, b, "R1", "B")

	join(t, r, c, "R1", "C")
	event := nextEvent(t, c)
	require.Equal(t, models.EventError, event.Type)
	var decline models.ErrorPayload
	decodePayload(t, event, &decline)
	assert.Equal(t, "room is full", decline.Reason)

	roster := r.store.Roster("R1")
	require.Len(t, roster, 2)
	assert.Equal(t, "A", roster[0].ID)
	assert.Equal(t, "B", roster[1].ID)
}

func TestDuplicateJoinDeclined(t *testing.T) {
	r := newTestRouter(8, nil)
	a, a2 := connect(r), connect(r)

	join(t, r, a, "R1", "A")
	join(t, r, a2, "R1", "A")

	event := nextEvent(t, a2)
	require.Equal(t, models.EventError, event.Type)
	var decline models.ErrorPayload
	decodePayload(t, event, &decline)
	assert.Equal(t, "already in this room", decline.Reason)
}

func TestOfferRelayedToTarget(t *testing.T) {
	r := newTestRouter(8, nil)
	a, b := connect(r), connect(r)
	join(t, r, a, "R1", "A")
	join(t, r, b, "R1", "B")
	drainAll(a, b)

	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	dispatch(t, r, a, models.EventOffer, models.DescriptionRelay{
		RoomID:   "R1",
		Offer:    offer,
		TargetID: "B",
	})

	event := nextEvent(t, b)
	require.Equal(t, models.EventOffer, event.Type)
	var relay models.DescriptionRelay
	decodePayload(t, event, &relay)
	assert.Equal(t, "A", relay.SenderID)
	assert.Empty(t, relay.TargetID)
	require.NotNil(t, relay.Offer)
	assert.Equal(t, "v=0 offer", relay.Offer.SDP)
	noEvent(t, a)
}

func TestMisaddressedRelayDropped(t *testing.T) {
	r := newTestRouter(8, nil)
	a, b := connect(r), connect(r)
	join(t, r, a, "R1", "A")
	join(t, r, b, "R1", "B")
	drainAll(a, b)

	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}

	// Target not in the room.
	dispatch(t, r, a, models.EventOffer, models.DescriptionRelay{RoomID: "R1", Offer: offer, TargetID: "ghost"})
	// Wrong room.
	dispatch(t, r, a, models.EventOffer, models.DescriptionRelay{RoomID: "R2", Offer: offer, TargetID: "B"})
	// Missing description.
	dispatch(t, r, a, models.EventOffer, models.DescriptionRelay{RoomID: "R1", TargetID: "B"})
	// Sender not joined at all.
	ghost := connect(r)
	dispatch(t, r, ghost, models.EventOffer, models.DescriptionRelay{RoomID: "R1", Offer: offer, TargetID: "B"})

	noEvent(t, b)
}

func TestCandidateRelayOrderPreserved(t *testing.T) {
	r := newTestRouter(8, nil)
	a, b := connect(r), connect(r)
	join(t, r, a, "R1", "A")
	join(t, r, b, "R1", "B")
	drainAll(a, b)

	for _, c := range []string{"cand-0", "cand-1", "cand-2"} {
		dispatch(t, r, a, models.EventICECandidate, models.CandidateRelay{
			RoomID:    "R1",
			Candidate: &webrtc.ICECandidateInit{Candidate: c},
			TargetID:  "B",
		})
	}

	for _, want := range []string{"cand-0", "cand-1", "cand-2"} {
		event := nextEvent(t, b)
		require.Equal(t, models.EventICECandidate, event.Type)
		var relay models.CandidateRelay
		decodePayload(t, event, &relay)
		assert.Equal(t, want, relay.Candidate.Candidate)
		assert.Equal(t, "A", relay.SenderID)
	}
}

func TestToggleAudioBroadcast(t *testing.T) {
	r := newTestRouter(8, nil)
	a, b := connect(r), connect(r)
	join(t, r, a, "R1", "A")
	join(t, r, b, "R1", "B")
	drainAll(a, b)

	muted := true
	dispatch(t, r, a, models.EventToggleAudio, models.TogglePayload{RoomID: "R1", IsMuted: &muted})

	event := nextEvent(t, b)
	require.Equal(t, models.EventToggleAudio, event.Type)
	var delta models.TogglePayload
	decodePayload(t, event, &delta)
	assert.Equal(t, "A", delta.UserID)
	require.NotNil(t, delta.IsMuted)
	assert.True(t, *delta.IsMuted)

	roster := r.store.Roster("R1")
	require.Len(t, roster, 2)
	assert.True(t, roster[0].IsMuted, "store state reflects the toggle")
}

func TestScreenShareBroadcast(t *testing.T) {
	r := newTestRouter(8, nil)
	a, b := connect(r), connect(r)
	join(t, r, a, "R1", "A")
	join(t, r, b, "R1", "B")
	drainAll(a, b)

	dispatch(t, r, a, models.EventStartScreenShare, models.ScreenSharePayload{RoomID: "R1"})

	event := nextEvent(t, b)
	require.Equal(t, models.EventStartScreenShare, event.Type)
	var share models.ScreenSharePayload
	decodePayload(t, event, &share)
	assert.Equal(t, "A", share.UserID)

	// Roster membership is untouched, only the derived flag flips.
	roster := r.store.Roster("R1")
	require.Len(t, roster, 2)
	assert.True(t, roster[0].IsScreenSharing)

	dispatch(t, r, a, models.EventStopScreenShare, models.ScreenSharePayload{RoomID: "R1"})
	event = nextEvent(t, b)
	assert.Equal(t, models.EventStopScreenShare, event.Type)
}

func TestChatFlow(t *testing.T) {
	r := newTestRouter(8, nil)
	a, b := connect(r), connect(r)
	join(t, r, a, "R1", "A")
	join(t, r, b, "R1", "B")
	drainAll(a, b)

	payload := models.SendMessagePayload{RoomID: "R1", User: models.User{ID: "A", DisplayName: "Alice"}}
	payload.Message.Text = "hello room"
	dispatch(t, r, a, models.EventSendMessage, payload)

	event := nextEvent(t, b)
	require.Equal(t, models.EventNewMessage, event.Type)
	var msg models.ChatMessage
	decodePayload(t, event, &msg)
	assert.Equal(t, "hello room", msg.Body)
	assert.Equal(t, "A", msg.Sender.ID)

	// Blank message is rejected back to the sender only.
	payload.Message.Text = "   "
	dispatch(t, r, a, models.EventSendMessage, payload)
	event = nextEvent(t, a)
	require.Equal(t, models.EventError, event.Type)
	noEvent(t, b)
}

func TestTypingUpdateBroadcast(t *testing.T) {
	r := newTestRouter(8, nil)
	a, b := connect(r), connect(r)
	join(t, r, a, "R1", "A")
	join(t, r, b, "R1", "B")
	drainAll(a, b)

	dispatch(t, r, a, models.EventTyping, models.TypingPayload{RoomID: "R1", IsTyping: true})

	event := nextEvent(t, b)
	require.Equal(t, models.EventTypingUpdate, event.Type)
	var update models.TypingUpdatePayload
	decodePayload(t, event, &update)
	assert.Equal(t, []string{"A"}, update.TypingUsers)
}

func TestReactionAddedBroadcast(t *testing.T) {
	r := newTestRouter(8, nil)
	a, b := connect(r), connect(r)
	join(t, r, a, "R1", "A")
	join(t, r, b, "R1", "B")
	drainAll(a, b)

	payload := models.SendMessagePayload{RoomID: "R1", User: models.User{ID: "A"}}
	payload.Message.Text = "react to me"
	dispatch(t, r, a, models.EventSendMessage, payload)
	event := nextEvent(t, b)
	var msg models.ChatMessage
	decodePayload(t, event, &msg)

	// Same user reacts twice; the reaction set holds exactly one entry.
	for i := 0; i < 2; i++ {
		dispatch(t, r, b, models.EventAddReaction, models.ReactionPayload{
			RoomID: "R1", MessageID: msg.ID, Emoji: "👍",
		})
		event = nextEvent(t, a)
		require.Equal(t, models.EventReactionAdded, event.Type)
		var update models.ReactionUpdatePayload
		decodePayload(t, event, &update)
		assert.Equal(t, msg.ID, update.MessageID)
		assert.Equal(t, []string{"B"}, update.Reactions["👍"])
	}

	dispatch(t, r, b, models.EventAddReaction, models.ReactionPayload{
		RoomID: "R1", MessageID: "missing", Emoji: "👍",
	})
	event = nextEvent(t, b)
	assert.Equal(t, models.EventError, event.Type)
}

func TestLeaveBroadcastsUserLeft(t *testing.T) {
	r := newTestRouter(8, nil)
	a, b := connect(r), connect(r)
	join(t, r, a, "R1", "A")
	join(t, r, b, "R1", "B")
	drainAll(a, b)

	dispatch(t, r, b, models.EventLeaveRoom, models.LeaveRoomPayload{RoomID: "R1"})

	event := nextEvent(t, a)
	require.Equal(t, models.EventUserLeft, event.Type)
	var left models.UserLeftPayload
	decodePayload(t, event, &left)
	assert.Equal(t, "B", left.UserID)
	assert.Len(t, r.store.Roster("R1"), 1)

	// Leaving again is a no-op.
	dispatch(t, r, b, models.EventLeaveRoom, models.LeaveRoomPayload{RoomID: "R1"})
	noEvent(t, a)
	noEvent(t, b)
}

func TestDisconnectActsAsLeave(t *testing.T) {
	r := newTestRouter(8, nil)
	a, b := connect(r), connect(r)
	join(t, r, a, "R1", "A")
	join(t, r, b, "R1", "B")
	drainAll(a, b)

	r.HandleDisconnect(b)

	event := nextEvent(t, a)
	assert.Equal(t, models.EventUserLeft, event.Type)
	assert.Len(t, r.store.Roster("R1"), 1)
}

type fakeVerifier struct {
	enabled    map[string]bool
	codes      map[string]string
	backup     map[string]string
	lookupsErr error
}

func (f *fakeVerifier) IsEnabled(userID string) (bool, error) {
	return f.enabled[userID], f.lookupsErr
}

func (f *fakeVerifier) SendCode(userID, channel, purpose string) error { return nil }

func (f *fakeVerifier) VerifyCode(userID, code, purpose string) error {
	if f.codes[userID] == code {
		delete(f.codes, userID)
		return nil
	}
	return twofactor.ErrCodeInvalid
}

func (f *fakeVerifier) UseBackupCode(userID, code string) error {
	if f.backup[userID] == code {
		delete(f.backup, userID)
		return nil
	}
	return twofactor.ErrBackupCodeInvalid
}

func TestJoinGatedByTwoFactor(t *testing.T) {
	verifier := &fakeVerifier{
		enabled: map[string]bool{"A": true},
		codes:   map[string]string{"A": "123456"},
		backup:  map[string]string{"A": "backup-1"},
	}
	r := newTestRouter(8, verifier)

	declineReason := func(c *Client) string {
		event := nextEvent(t, c)
		require.Equal(t, models.EventError, event.Type)
		var decline models.ErrorPayload
		decodePayload(t, event, &decline)
		return decline.Reason
	}

	// No code at all.
	a := connect(r)
	dispatch(t, r, a, models.EventJoinRoom, models.JoinRoomPayload{RoomID: "R1", User: models.User{ID: "A"}})
	assert.Equal(t, "verification required", declineReason(a))

	// Wrong code.
	dispatch(t, r, a, models.EventJoinRoom, models.JoinRoomPayload{RoomID: "R1", User: models.User{ID: "A"}, Code: "000000"})
	assert.Equal(t, "verification failed", declineReason(a))

	// Correct code admits.
	dispatch(t, r, a, models.EventJoinRoom, models.JoinRoomPayload{RoomID: "R1", User: models.User{ID: "A"}, Code: "123456"})
	event := nextEvent(t, a)
	assert.Equal(t, models.EventRoomParticipants, event.Type)

	// Backup code also admits.
	dispatch(t, r, a, models.EventLeaveRoom, models.LeaveRoomPayload{RoomID: "R1"})
	dispatch(t, r, a, models.EventJoinRoom, models.JoinRoomPayload{RoomID: "R1", User: models.User{ID: "A"}, Code: "backup-1"})
	event = nextEvent(t, a)
	assert.Equal(t, models.EventRoomParticipants, event.Type)

	// Users without 2FA pass straight through.
	b := connect(r)
	join(t, r, b, "R1", "B")
	event = nextEvent(t, b)
	assert.Equal(t, models.EventRoomParticipants, event.Type)
}

func TestTwoFactorLookupFailureFailsClosed(t *testing.T) {
	verifier := &fakeVerifier{enabled: map[string]bool{"A": true}, lookupsErr: errors.New("redis down")}
	r := newTestRouter(8, verifier)

	a := connect(r)
	join(t, r, a, "R1", "A")
	event := nextEvent(t, a)
	require.Equal(t, models.EventError, event.Type)
	var decline models.ErrorPayload
	decodePayload(t, event, &decline)
	assert.Equal(t, "verification unavailable", decline.Reason)
	assert.Empty(t, r.store.Roster("R1"))
}

func TestMalformedEventsAreDropped(t *testing.T) {
	r := newTestRouter(8, nil)
	a := connect(r)

	r.Dispatch(a, models.SignalEvent{Type: models.EventJoinRoom, Payload: json.RawMessage(`{"broken`)})
	event := nextEvent(t, a)
	assert.Equal(t, models.EventError, event.Type)

	// Unknown type is logged and ignored.
	r.Dispatch(a, models.SignalEvent{Type: "mystery"})
	noEvent(t, a)
}

func drainAll(clients ...*Client) {
	for _, c := range clients {
		for len(c.Send) > 0 {
			<-c.Send
		}
	}
}
