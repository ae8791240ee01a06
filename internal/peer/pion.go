package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// pionTransport adapts a pion PeerConnection to the negotiator interface.
type pionTransport struct {
	pc *webrtc.PeerConnection
}

func newPionTransport(iceServers []webrtc.ICEServer) (*pionTransport, error) {
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionTransport{pc: pc}, nil
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *t.pc.LocalDescription(), nil
}

func (t *pionTransport) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return *t.pc.LocalDescription(), nil
}

func (t *pionTransport) SetRemoteAnswer(answer webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(answer)
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) (trackSender, error) {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return pionSender{sender}, nil
}

func (t *pionTransport) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s pionSender) Track() webrtc.TrackLocal {
	return s.sender.Track()
}

func (s pionSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}
