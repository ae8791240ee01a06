package peer

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// ErrSessionClosed rejects operations on a closed session.
var ErrSessionClosed = errors.New("session is closed")

// Signaler sends negotiation messages toward the signaling server. The
// websocket Client implements it; tests use a recorder.
type Signaler interface {
	SendOffer(targetID string, offer webrtc.SessionDescription) error
	SendAnswer(targetID string, answer webrtc.SessionDescription) error
	SendCandidate(targetID string, candidate webrtc.ICECandidateInit) error
}

// SessionConfig configures a peer session.
type SessionConfig struct {
	Signaler Signaler

	// AudioTrack and VideoTrack are the local capture tracks attached to
	// every link. Either may be nil.
	AudioTrack webrtc.TrackLocal
	VideoTrack webrtc.TrackLocal

	// NegotiationTimeout bounds pending offer/answer states. Zero disables
	// the timer.
	NegotiationTimeout time.Duration

	// ICEServers configure the default pion transport.
	ICEServers []webrtc.ICEServer

	// newTransport overrides the transport factory; used by tests.
	newTransport func() (negotiator, error)
}

// Session is the per-room peer session controller: one Link per remote
// participant, driving offer/answer creation, ICE buffering and track
// replacement over the signaling contract.
type Session struct {
	signaler Signaler
	dial     func() (negotiator, error)
	timeout  time.Duration

	mu          sync.Mutex
	links       map[string]*Link
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	cameraTrack webrtc.TrackLocal // saved while screen sharing
	sharing     bool
	closed      bool
}

func NewSession(cfg SessionConfig) *Session {
	dial := cfg.newTransport
	if dial == nil {
		iceServers := cfg.ICEServers
		dial = func() (negotiator, error) {
			return newPionTransport(iceServers)
		}
	}
	return &Session{
		signaler:   cfg.Signaler,
		dial:       dial,
		timeout:    cfg.NegotiationTimeout,
		links:      make(map[string]*Link),
		audioTrack: cfg.AudioTrack,
		videoTrack: cfg.VideoTrack,
	}
}

// createLink builds and registers a link toward remoteID with local tracks
// attached. A live link to the same peer blocks the call; a terminal one is
// replaced, which is how a fresh join-like event re-triggers negotiation.
func (s *Session) createLink(remoteID string) (*Link, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if existing, ok := s.links[remoteID]; ok {
		if !existing.State().terminal() {
			s.mu.Unlock()
			return nil, fmt.Errorf("link to %s already negotiating", remoteID)
		}
		delete(s.links, remoteID)
	}
	audio, video := s.audioTrack, s.videoTrack
	s.mu.Unlock()

	conn, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("dial transport: %w", err)
	}

	link := newLink(remoteID, conn, s.timeout)
	link.onTerminal = func(id string, state LinkState) {
		s.dropLink(id)
		if state == StateFailed {
			log.Printf("Peer link to %s failed", id)
		}
	}
	conn.OnCandidate(func(candidate webrtc.ICECandidateInit) {
		if err := s.signaler.SendCandidate(remoteID, candidate); err != nil {
			log.Printf("Failed to send candidate to %s: %v", remoteID, err)
		}
	})

	if audio != nil {
		if err := link.AttachTrack(audio); err != nil {
			return nil, err
		}
	}
	if video != nil {
		if err := link.AttachTrack(video); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		link.Close()
		return nil, ErrSessionClosed
	}
	s.links[remoteID] = link
	s.mu.Unlock()
	return link, nil
}

func (s *Session) dropLink(remoteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link, ok := s.links[remoteID]; ok && link.State().terminal() {
		delete(s.links, remoteID)
	}
}

func (s *Session) link(remoteID string) (*Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[remoteID]
	return link, ok
}

// HandlePeerJoined reacts to a new remote participant: create the link,
// generate an offer and relay it.
func (s *Session) HandlePeerJoined(remoteID string) error {
	link, err := s.createLink(remoteID)
	if err != nil {
		return err
	}
	offer, err := link.Offer()
	if err != nil {
		return err
	}
	if err := s.signaler.SendOffer(remoteID, offer); err != nil {
		link.Close()
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// HandleOffer reacts to a remote offer: create the link, apply the offer,
// answer it.
func (s *Session) HandleOffer(senderID string, offer webrtc.SessionDescription) error {
	link, err := s.createLink(senderID)
	if err != nil {
		return err
	}
	answer, err := link.Answer(offer)
	if err != nil {
		return err
	}
	if err := s.signaler.SendAnswer(senderID, answer); err != nil {
		link.Close()
		return fmt.Errorf("send answer: %w", err)
	}
	link.AnswerSent()
	return nil
}

// HandleAnswer applies a remote answer to the pending link.
func (s *Session) HandleAnswer(senderID string, answer webrtc.SessionDescription) error {
	link, ok := s.link(senderID)
	if !ok {
		return fmt.Errorf("no link to %s", senderID)
	}
	return link.HandleRemoteAnswer(answer)
}

// HandleCandidate applies or buffers a remote ICE candidate.
func (s *Session) HandleCandidate(senderID string, candidate webrtc.ICECandidateInit) error {
	link, ok := s.link(senderID)
	if !ok {
		return fmt.Errorf("no link to %s", senderID)
	}
	return link.AddRemoteCandidate(candidate)
}

// HandlePeerLeft closes and releases the link to a departed participant.
func (s *Session) HandlePeerLeft(remoteID string) {
	s.mu.Lock()
	link, ok := s.links[remoteID]
	delete(s.links, remoteID)
	s.mu.Unlock()
	if ok {
		link.Close()
	}
}

// LinkState reports the negotiation state toward a remote participant.
func (s *Session) LinkState(remoteID string) (LinkState, bool) {
	link, ok := s.link(remoteID)
	if !ok {
		return StateClosed, false
	}
	return link.State(), true
}

// StartScreenShare swaps the outbound video to the screen track on every
// open link without renegotiating. Links with no video sender are skipped;
// the return value is the number of links actually updated.
func (s *Session) StartScreenShare(screenTrack webrtc.TrackLocal) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	if !s.sharing {
		s.cameraTrack = s.videoTrack
		s.sharing = true
	}
	s.videoTrack = screenTrack
	links := s.currentLinksLocked()
	s.mu.Unlock()

	return s.replaceOnLinks(links, screenTrack)
}

// StopScreenShare restores the original camera track on every open link.
func (s *Session) StopScreenShare() (int, error) {
	s.mu.Lock()
	if !s.sharing {
		s.mu.Unlock()
		return 0, nil
	}
	camera := s.cameraTrack
	s.videoTrack = camera
	s.cameraTrack = nil
	s.sharing = false
	links := s.currentLinksLocked()
	s.mu.Unlock()

	return s.replaceOnLinks(links, camera)
}

func (s *Session) currentLinksLocked() []*Link {
	links := make([]*Link, 0, len(s.links))
	for _, link := range s.links {
		links = append(links, link)
	}
	return links
}

func (s *Session) replaceOnLinks(links []*Link, track webrtc.TrackLocal) (int, error) {
	replaced := 0
	skipped := 0
	for _, link := range links {
		ok, err := link.ReplaceVideoTrack(track)
		if err != nil {
			return replaced, err
		}
		if ok {
			replaced++
		} else {
			skipped++
		}
	}
	if skipped > 0 {
		log.Printf("Track replace skipped on %d link(s) with no video sender", skipped)
	}
	return replaced, nil
}

// Close tears down every link and ends the session. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	links := s.currentLinksLocked()
	s.links = make(map[string]*Link)
	s.audioTrack = nil
	s.videoTrack = nil
	s.cameraTrack = nil
	s.sharing = false
	s.mu.Unlock()

	for _, link := range links {
		link.Close()
	}
}
