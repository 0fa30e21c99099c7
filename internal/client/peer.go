package client

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// pionPeer adapts a pion PeerConnection to the PeerConn port.
// Candidates cross the boundary as JSON-encoded ICECandidateInit.
type pionPeer struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[*webrtc.RTPSender]webrtc.TrackLocal
	closed  bool
}

func NewPeerConn(cfg webrtc.Configuration) (PeerConn, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionPeer{
		pc:      pc,
		senders: make(map[*webrtc.RTPSender]webrtc.TrackLocal),
	}, nil
}

func (p *pionPeer) AddTracks(ms MediaStream) error {
	for _, track := range ms.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.senders[sender] = track
		p.mu.Unlock()
	}
	return nil
}

func (p *pionPeer) CreateOffer(iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return "", err
	}
	// Trickle ICE: candidates follow separately, no gathering wait.
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) ApplyAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (p *pionPeer) ApplyOfferCreateAnswer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeer) AddICECandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		// Bare candidate line from an older peer.
		init = webrtc.ICECandidateInit{Candidate: candidate}
	}
	return p.pc.AddICECandidate(init)
}

// SetAudioEnabled mutes by swapping the sender track for nil; no
// renegotiation needed.
func (p *pionPeer) SetAudioEnabled(on bool) { p.setKindEnabled(webrtc.RTPCodecTypeAudio, on) }

func (p *pionPeer) SetVideoEnabled(on bool) { p.setKindEnabled(webrtc.RTPCodecTypeVideo, on) }

func (p *pionPeer) setKindEnabled(kind webrtc.RTPCodecType, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sender, track := range p.senders {
		if track.Kind() != kind {
			continue
		}
		var err error
		if on {
			err = sender.ReplaceTrack(track)
		} else {
			err = sender.ReplaceTrack(nil)
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "client.peer").Str("kind", kind.String()).Msg("replace track")
		}
	}
}

func (p *pionPeer) OnICECandidate(fn func(candidate string)) {
	p.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "client.peer").Msg("marshal candidate")
			return
		}
		fn(string(b))
	})
}

func (p *pionPeer) OnICEState(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "client.peer").Str("ice_state", s.String()).Msg("ICE state")
		fn(s)
	})
}

func (p *pionPeer) OnTrack(fn func()) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "client.peer").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		fn()
	})
}

// Close stops every sender and the connection. Safe to call twice.
func (p *pionPeer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, transceiver := range p.pc.GetTransceivers() {
		_ = transceiver.Stop()
	}
	if err := p.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "client.peer").Msg("close error")
	} else {
		log.Info().Str("module", "client.peer").Msg("closed")
	}
}
