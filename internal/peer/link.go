package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// LinkState tracks a peer link through negotiation.
type LinkState int

const (
	StateNew LinkState = iota
	StateOfferSent
	StateAnswerPending
	StateConnected
	StateClosed
	StateFailed
)

func (s LinkState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerPending:
		return "answer-pending"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s LinkState) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// negotiator abstracts the transport session under a link. The pion-backed
// implementation is the only one used at runtime; tests substitute a stub.
type negotiator interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (trackSender, error)
	OnCandidate(fn func(webrtc.ICECandidateInit))
	Close() error
}

// trackSender is one outbound track slot on the transport.
type trackSender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Link is one directed negotiation session toward a remote participant.
// It is owned by its Session; all mutation goes through mu.
type Link struct {
	remoteID string

	mu      sync.Mutex
	state   LinkState
	conn    negotiator
	senders []trackSender

	// pending buffers remote ICE candidates that arrived before the remote
	// description. It drains FIFO exactly once, the moment the description
	// is applied.
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	timeout time.Duration
	timer   *time.Timer

	// onTerminal fires once when the link reaches closed or failed.
	onTerminal func(remoteID string, state LinkState)
}

func newLink(remoteID string, conn negotiator, timeout time.Duration) *Link {
	return &Link{
		remoteID: remoteID,
		state:    StateNew,
		conn:     conn,
		timeout:  timeout,
	}
}

// RemoteID returns the remote participant this link points at.
func (l *Link) RemoteID() string { return l.remoteID }

// State returns the link's current state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AttachTrack adds an outbound track before negotiation.
func (l *Link) AttachTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.terminal() {
		return fmt.Errorf("link to %s is %s", l.remoteID, l.state)
	}
	sender, err := l.conn.AddTrack(track)
	if err != nil {
		return l.failLocked(fmt.Errorf("add track: %w", err))
	}
	l.senders = append(l.senders, sender)
	return nil
}

// Offer generates the local offer and moves the link to offer-sent. The
// negotiation timer starts here: a link stuck waiting for an answer fails
// rather than leaking half-open.
func (l *Link) Offer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateNew {
		return webrtc.SessionDescription{}, fmt.Errorf("cannot offer in state %s", l.state)
	}
	offer, err := l.conn.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, l.failLocked(fmt.Errorf("create offer: %w", err))
	}
	l.state = StateOfferSent
	l.armTimerLocked()
	return offer, nil
}

// Answer applies a remote offer and generates the answer, moving the link
// to answer-pending. Buffered candidates drain as soon as the remote
// description is in.
func (l *Link) Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateNew {
		return webrtc.SessionDescription{}, fmt.Errorf("cannot answer in state %s", l.state)
	}
	answer, err := l.conn.CreateAnswer(offer)
	if err != nil {
		return webrtc.SessionDescription{}, l.failLocked(fmt.Errorf("create answer: %w", err))
	}
	l.state = StateAnswerPending
	l.armTimerLocked()
	l.drainCandidatesLocked()
	return answer, nil
}

// AnswerSent marks the generated answer as delivered, completing the
// answering side of the handshake.
func (l *Link) AnswerSent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAnswerPending {
		return
	}
	l.state = StateConnected
	l.disarmTimerLocked()
}

// HandleRemoteAnswer applies the remote answer to an offer-sent link and
// moves it to connected.
func (l *Link) HandleRemoteAnswer(answer webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOfferSent {
		return fmt.Errorf("unexpected answer in state %s", l.state)
	}
	if err := l.conn.SetRemoteAnswer(answer); err != nil {
		return l.failLocked(fmt.Errorf("set remote answer: %w", err))
	}
	l.state = StateConnected
	l.disarmTimerLocked()
	l.drainCandidatesLocked()
	return nil
}

// AddRemoteCandidate applies a remote ICE candidate, or buffers it when the
// remote description is not in yet.
func (l *Link) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.terminal() {
		return fmt.Errorf("link to %s is %s", l.remoteID, l.state)
	}
	if !l.remoteSet {
		l.pending = append(l.pending, candidate)
		return nil
	}
	if err := l.conn.AddICECandidate(candidate); err != nil {
		return l.failLocked(fmt.Errorf("add ice candidate: %w", err))
	}
	return nil
}

// drainCandidatesLocked applies the buffered candidates in arrival order.
// Runs exactly once per link, immediately after the remote description is
// applied.
func (l *Link) drainCandidatesLocked() {
	l.remoteSet = true
	for _, candidate := range l.pending {
		if err := l.conn.AddICECandidate(candidate); err != nil {
			l.failLocked(fmt.Errorf("drain ice candidate: %w", err))
			return
		}
	}
	l.pending = nil
}

// ReplaceVideoTrack swaps the outbound video track on this link's sender
// without renegotiating. A link with no video sender is skipped; the return
// value reports whether a sender was found.
func (l *Link) ReplaceVideoTrack(track webrtc.TrackLocal) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.terminal() {
		return false, nil
	}
	for _, sender := range l.senders {
		current := sender.Track()
		if current == nil || current.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return false, fmt.Errorf("replace track: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// Close tears the link down. Idempotent; a closed or failed link is never
// revived.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.terminal() {
		return
	}
	l.state = StateClosed
	l.teardownLocked()
	l.notifyLocked()
}

// failLocked moves the link to failed, tears it down and returns err for
// the caller to propagate.
func (l *Link) failLocked(err error) error {
	if l.state.terminal() {
		return err
	}
	l.state = StateFailed
	l.teardownLocked()
	l.notifyLocked()
	return err
}

func (l *Link) teardownLocked() {
	l.disarmTimerLocked()
	l.pending = nil
	l.senders = nil
	if l.conn != nil {
		l.conn.Close()
	}
}

func (l *Link) notifyLocked() {
	if l.onTerminal == nil {
		return
	}
	fn := l.onTerminal
	l.onTerminal = nil
	state := l.state
	// Callback runs outside the lock; it may call back into the session.
	go fn(l.remoteID, state)
}

func (l *Link) armTimerLocked() {
	if l.timeout <= 0 {
		return
	}
	l.disarmTimerLocked()
	l.timer = time.AfterFunc(l.timeout, l.timeoutExpired)
}

func (l *Link) disarmTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Link) timeoutExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateOfferSent || l.state == StateAnswerPending {
		l.failLocked(fmt.Errorf("negotiation with %s timed out", l.remoteID))
	}
}
