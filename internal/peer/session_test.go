package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSignaler struct {
	mu         sync.Mutex
	offers     map[string]webrtc.SessionDescription
	answers    map[string]webrtc.SessionDescription
	candidates map[string][]webrtc.ICECandidateInit
}

func newRecordSignaler() *recordSignaler {
	return &recordSignaler{
		offers:     make(map[string]webrtc.SessionDescription),
		answers:    make(map[string]webrtc.SessionDescription),
		candidates: make(map[string][]webrtc.ICECandidateInit),
	}
}

func (r *recordSignaler) SendOffer(targetID string, offer webrtc.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers[targetID] = offer
	return nil
}

func (r *recordSignaler) SendAnswer(targetID string, answer webrtc.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[targetID] = answer
	return nil
}

func (r *recordSignaler) SendCandidate(targetID string, candidate webrtc.ICECandidateInit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates[targetID] = append(r.candidates[targetID], candidate)
	return nil
}

// newTestSession wires a session to stub transports. Each dialed transport
// is recorded so tests can inspect it.
func newTestSession(t *testing.T, cfg SessionConfig) (*Session, *[]*stubTransport) {
	t.Helper()
	var transports []*stubTransport
	var mu sync.Mutex
	cfg.newTransport = func() (negotiator, error) {
		conn := &stubTransport{}
		mu.Lock()
		transports = append(transports, conn)
		mu.Unlock()
		return conn, nil
	}
	if cfg.Signaler == nil {
		cfg.Signaler = newRecordSignaler()
	}
	return NewSession(cfg), &transports
}

func TestSessionOfferFlowEndsConnected(t *testing.T) {
	signaler := newRecordSignaler()
	session, transports := newTestSession(t, SessionConfig{
		Signaler:   signaler,
		AudioTrack: audioTrack(t, "mic"),
		VideoTrack: videoTrack(t, "camera"),
	})

	// B appears; the controller offers.
	require.NoError(t, session.HandlePeerJoined("B"))
	state, ok := session.LinkState("B")
	require.True(t, ok)
	assert.Equal(t, StateOfferSent, state)
	assert.Equal(t, webrtc.SDPTypeOffer, signaler.offers["B"].Type)

	// ICE before the answer buffers.
	require.NoError(t, session.HandleCandidate("B", candidate(0)))
	require.NoError(t, session.HandleCandidate("B", candidate(1)))
	assert.Empty(t, (*transports)[0].appliedCandidates())

	// Answer lands; the link connects and the buffer drains in order.
	require.NoError(t, session.HandleAnswer("B", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer}))
	state, _ = session.LinkState("B")
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, []string{"cand-0", "cand-1"}, (*transports)[0].appliedCandidates())
}

func TestSessionAnswerFlow(t *testing.T) {
	signaler := newRecordSignaler()
	session, _ := newTestSession(t, SessionConfig{
		Signaler:   signaler,
		VideoTrack: videoTrack(t, "camera"),
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	require.NoError(t, session.HandleOffer("A", offer))

	state, ok := session.LinkState("A")
	require.True(t, ok)
	assert.Equal(t, StateConnected, state)
	assert.Equal(t, webrtc.SDPTypeAnswer, signaler.answers["A"].Type)
}

func TestSessionLocalCandidatesRelayed(t *testing.T) {
	signaler := newRecordSignaler()
	session, transports := newTestSession(t, SessionConfig{Signaler: signaler})

	require.NoError(t, session.HandlePeerJoined("B"))

	// The transport surfaces a local candidate; it goes to B.
	(*transports)[0].onCand(candidate(7))
	signaler.mu.Lock()
	defer signaler.mu.Unlock()
	require.Len(t, signaler.candidates["B"], 1)
	assert.Equal(t, "cand-7", signaler.candidates["B"][0].Candidate)
}

func TestSessionRejectsSecondLiveLink(t *testing.T) {
	session, _ := newTestSession(t, SessionConfig{})

	require.NoError(t, session.HandlePeerJoined("B"))
	assert.Error(t, session.HandlePeerJoined("B"), "live link blocks renegotiation")
}

func TestSessionReplacesTerminalLink(t *testing.T) {
	session, _ := newTestSession(t, SessionConfig{})

	require.NoError(t, session.HandlePeerJoined("B"))
	session.HandlePeerLeft("B")
	_, ok := session.LinkState("B")
	assert.False(t, ok)

	// A fresh join-like event re-triggers negotiation.
	require.NoError(t, session.HandlePeerJoined("B"))
	state, ok := session.LinkState("B")
	require.True(t, ok)
	assert.Equal(t, StateOfferSent, state)
}

func TestSessionCandidateForUnknownPeer(t *testing.T) {
	session, _ := newTestSession(t, SessionConfig{})
	assert.Error(t, session.HandleCandidate("ghost", candidate(0)))
	assert.Error(t, session.HandleAnswer("ghost", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer}))
}

func TestScreenShareSwapAndRestore(t *testing.T) {
	camera := videoTrack(t, "camera")
	session, transports := newTestSession(t, SessionConfig{
		VideoTrack: camera,
	})

	require.NoError(t, session.HandlePeerJoined("B"))
	require.NoError(t, session.HandlePeerJoined("C"))

	screen := videoTrack(t, "screen")
	replaced, err := session.StartScreenShare(screen)
	require.NoError(t, err)
	assert.Equal(t, 2, replaced)
	for _, conn := range *transports {
		assert.Same(t, screen, conn.senders[0].Track())
	}

	// Stop restores the original camera track reference on every open link.
	replaced, err = session.StopScreenShare()
	require.NoError(t, err)
	assert.Equal(t, 2, replaced)
	for _, conn := range *transports {
		assert.Same(t, camera, conn.senders[0].Track())
	}

	// Stopping again is a no-op.
	replaced, err = session.StopScreenShare()
	require.NoError(t, err)
	assert.Zero(t, replaced)
}

func TestScreenShareSkipsLinksWithoutVideoSender(t *testing.T) {
	session, _ := newTestSession(t, SessionConfig{
		AudioTrack: audioTrack(t, "mic"),
	})

	require.NoError(t, session.HandlePeerJoined("B"))

	replaced, err := session.StartScreenShare(videoTrack(t, "screen"))
	require.NoError(t, err)
	assert.Zero(t, replaced, "audio-only link is skipped, not failed")
}

func TestSessionNegotiationTimeoutTearsDownLink(t *testing.T) {
	session, _ := newTestSession(t, SessionConfig{
		NegotiationTimeout: 20 * time.Millisecond,
	})

	require.NoError(t, session.HandlePeerJoined("B"))

	assert.Eventually(t, func() bool {
		_, ok := session.LinkState("B")
		return !ok
	}, time.Second, 5*time.Millisecond, "timed-out link is removed from the session")
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	session, transports := newTestSession(t, SessionConfig{})

	require.NoError(t, session.HandlePeerJoined("B"))
	require.NoError(t, session.HandlePeerJoined("C"))

	session.Close()
	for _, conn := range *transports {
		assert.True(t, conn.closed)
	}
	_, ok := session.LinkState("B")
	assert.False(t, ok)

	session.Close()
	assert.ErrorIs(t, session.HandlePeerJoined("D"), ErrSessionClosed)
}
