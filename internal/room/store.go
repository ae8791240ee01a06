package room

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/roomcall/signaling/config"
	"github.com/roomcall/signaling/internal/models"
)

// ToggleField selects which participant flag UpdateToggle mutates.
type ToggleField int

const (
	FieldMuted ToggleField = iota
	FieldVideoOff
)

type storedMessage struct {
	msg models.ChatMessage
	// reactions maps emoji -> set of user IDs. A user appears at most once
	// per emoji.
	reactions map[string]map[string]struct{}
}

// state is one live room. All fields behind mu; rooms never share state, so
// different rooms are mutated fully in parallel.
type state struct {
	id       string
	settings models.RoomSettings

	mu       sync.Mutex
	order    []*models.Participant // join order
	byUser   map[string]*models.Participant
	messages []*storedMessage
	msgByID  map[string]*storedMessage
	typing   map[string]struct{}

	// emptySince is set when the last participant leaves; zero while the
	// room is occupied.
	emptySince time.Time

	// dead marks a room generation torn down by the sweep. A join that
	// lands on a dead state retries its lookup, so teardown and insert can
	// never both apply to the same generation.
	dead bool
}

// Store is the in-memory room store. Room and participant state is
// ephemeral; the only durable copy (metadata, presence mirror) lives in
// Redis and is maintained by the handlers.
type Store struct {
	cfg   config.RoomConfig
	clock func() time.Time

	mu    sync.RWMutex
	rooms map[string]*state
}

func NewStore(cfg config.RoomConfig) *Store {
	return &Store{
		cfg:   cfg,
		clock: time.Now,
		rooms: make(map[string]*state),
	}
}

func (s *Store) getOrCreate(roomID string, settings models.RoomSettings) *state {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.rooms[roomID]
	if !exists {
		if settings.MaxParticipants <= 0 {
			settings.MaxParticipants = s.cfg.DefaultMaxParticipants
		}
		st = &state{
			id:       roomID,
			settings: settings,
			byUser:   make(map[string]*models.Participant),
			msgByID:  make(map[string]*storedMessage),
			typing:   make(map[string]struct{}),
		}
		s.rooms[roomID] = st
		log.Printf("Created room %s (max %d participants)", roomID, settings.MaxParticipants)
	}
	return st
}

func (s *Store) get(roomID string) (*state, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.rooms[roomID]
	return st, ok
}

// CreateOrJoin inserts user into the room, creating the room with the given
// settings on first join. The first participant becomes host; initial
// muted/video flags follow the room settings. Returns the new participant
// and the full roster in join order.
func (s *Store) CreateOrJoin(roomID string, user models.User, settings models.RoomSettings) (models.Participant, []models.Participant, error) {
	for {
		st := s.getOrCreate(roomID, settings)
		st.mu.Lock()
		if st.dead {
			// Lost the race against the sweep; the next lookup creates a
			// fresh generation.
			st.mu.Unlock()
			continue
		}

		if _, taken := st.byUser[user.ID]; taken {
			st.mu.Unlock()
			return models.Participant{}, nil, ErrDuplicateParticipant
		}
		if len(st.order) >= st.settings.MaxParticipants {
			st.mu.Unlock()
			return models.Participant{}, nil, ErrRoomFull
		}

		p := &models.Participant{
			User:       user,
			IsHost:     len(st.order) == 0,
			IsMuted:    st.settings.MuteOnJoin,
			IsVideoOff: !st.settings.VideoOnJoin,
			JoinedAt:   s.clock(),
		}
		st.order = append(st.order, p)
		st.byUser[user.ID] = p
		st.emptySince = time.Time{}

		roster := st.rosterLocked()
		st.mu.Unlock()
		return *p, roster, nil
	}
}

// Leave removes the participant. Leaving a room the user never joined is a
// no-op, not an error; the return value reports whether anything changed.
// When the room empties, the empty-room expiry timer starts.
func (s *Store) Leave(roomID, userID string) bool {
	st, ok := s.get(roomID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, joined := st.byUser[userID]; !joined {
		return false
	}
	delete(st.byUser, userID)
	delete(st.typing, userID)
	for i, p := range st.order {
		if p.ID == userID {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	if len(st.order) == 0 {
		st.emptySince = s.clock()
	}
	return true
}

// UpdateToggle mutates a participant's muted or video-off flag and returns
// the updated participant snapshot.
func (s *Store) UpdateToggle(roomID, userID string, field ToggleField, value bool) (models.Participant, error) {
	st, ok := s.get(roomID)
	if !ok {
		return models.Participant{}, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	p, joined := st.byUser[userID]
	if !joined {
		return models.Participant{}, ErrNotFound
	}
	switch field {
	case FieldMuted:
		p.IsMuted = value
	case FieldVideoOff:
		p.IsVideoOff = value
	}
	return *p, nil
}

// SetScreenSharing flips the derived presentation flag. Screen share never
// changes roster membership.
func (s *Store) SetScreenSharing(roomID, userID string, sharing bool) (models.Participant, error) {
	st, ok := s.get(roomID)
	if !ok {
		return models.Participant{}, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	p, joined := st.byUser[userID]
	if !joined {
		return models.Participant{}, ErrNotFound
	}
	p.IsScreenSharing = sharing
	return *p, nil
}

// Roster returns the current participants in join order.
func (s *Store) Roster(roomID string) []models.Participant {
	st, ok := s.get(roomID)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rosterLocked()
}

func (st *state) rosterLocked() []models.Participant {
	roster := make([]models.Participant, len(st.order))
	for i, p := range st.order {
		roster[i] = *p
	}
	return roster
}

// IsJoined reports whether the user currently holds a live participant in
// the room. Relay validation goes through here.
func (s *Store) IsJoined(roomID, userID string) bool {
	st, ok := s.get(roomID)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	_, joined := st.byUser[userID]
	return joined
}

// Settings returns the room's configuration.
func (s *Store) Settings(roomID string) (models.RoomSettings, bool) {
	st, ok := s.get(roomID)
	if !ok {
		return models.RoomSettings{}, false
	}
	return st.settings, true
}

// AppendMessage adds a chat message to the room's log.
func (s *Store) AppendMessage(roomID string, msg models.ChatMessage) error {
	st, ok := s.get(roomID)
	if !ok {
		return ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	stored := &storedMessage{
		msg:       msg,
		reactions: make(map[string]map[string]struct{}),
	}
	st.messages = append(st.messages, stored)
	st.msgByID[msg.ID] = stored
	return nil
}

// Messages returns a snapshot of the chat log with reaction views attached.
func (s *Store) Messages(roomID string) []models.ChatMessage {
	st, ok := s.get(roomID)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]models.ChatMessage, len(st.messages))
	for i, m := range st.messages {
		out[i] = m.msg
		out[i].Reactions = reactionView(m.reactions)
	}
	return out
}

// SetTyping updates the room's typing set and returns the full current set,
// sorted for stable broadcasts.
func (s *Store) SetTyping(roomID, userID string, typing bool) ([]string, error) {
	st, ok := s.get(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if typing {
		st.typing[userID] = struct{}{}
	} else {
		delete(st.typing, userID)
	}
	users := make([]string, 0, len(st.typing))
	for id := range st.typing {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

// AddReaction adds userID to the emoji's reaction set on the message.
// Idempotent: re-adding an existing reaction changes nothing. Returns the
// full reaction map for the message and whether the set changed.
func (s *Store) AddReaction(roomID, messageID, userID, emoji string) (map[string][]string, bool, error) {
	st, ok := s.get(roomID)
	if !ok {
		return nil, false, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	m, exists := st.msgByID[messageID]
	if !exists {
		return nil, false, ErrNotFound
	}
	users := m.reactions[emoji]
	if users == nil {
		users = make(map[string]struct{})
		m.reactions[emoji] = users
	}
	_, already := users[userID]
	users[userID] = struct{}{}
	return reactionView(m.reactions), !already, nil
}

// RemoveReaction removes userID from the emoji's reaction set. Removing a
// reaction that is not present is a no-op.
func (s *Store) RemoveReaction(roomID, messageID, userID, emoji string) (map[string][]string, bool, error) {
	st, ok := s.get(roomID)
	if !ok {
		return nil, false, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	m, exists := st.msgByID[messageID]
	if !exists {
		return nil, false, ErrNotFound
	}
	users, has := m.reactions[emoji]
	if !has {
		return reactionView(m.reactions), false, nil
	}
	_, present := users[userID]
	delete(users, userID)
	if len(users) == 0 {
		delete(m.reactions, emoji)
	}
	return reactionView(m.reactions), present, nil
}

func reactionView(reactions map[string]map[string]struct{}) map[string][]string {
	view := make(map[string][]string, len(reactions))
	for emoji, users := range reactions {
		ids := make([]string, 0, len(users))
		for id := range users {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		view[emoji] = ids
	}
	return view
}

// Sweep destroys rooms whose empty timer has elapsed and returns how many
// were removed. Safe to run concurrently with joins: a room is marked dead
// and unlinked atomically, and CreateOrJoin retries when it loses the race.
func (s *Store) Sweep() int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, st := range s.rooms {
		st.mu.Lock()
		expired := len(st.order) == 0 &&
			!st.emptySince.IsZero() &&
			now.Sub(st.emptySince) >= s.cfg.EmptyTTL
		if expired {
			st.dead = true
			delete(s.rooms, id)
			removed++
		}
		st.mu.Unlock()
	}
	return removed
}

// RoomCount returns the number of live rooms.
func (s *Store) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// RunSweeper runs Sweep on the configured interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Printf("Sweep removed %d expired room(s)", n)
			}
		}
	}
}
