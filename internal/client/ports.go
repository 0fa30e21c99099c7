// Package client implements the call-session side of the protocol: the
// per-user session state machine, ICE candidate buffering, transport
// reconnection and the termination handshake. The relay server only
// ever sees the wire vocabulary from internal/core.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// StateChange is the single notification surface of a Controller.
// Duration is set on ended when the call reached active; Reason is set
// instead when termination was failure-driven.
type StateChange struct {
	State    State
	Reason   string
	Duration time.Duration
}

// Signal is the controller's view of the signaling link. Implemented
// by Transport; faked in tests.
type Signal interface {
	Send(event string, payload any) error
	SendReliable(event string, payload any)
	OnEvent(event string, fn func(json.RawMessage))
	Reconnect()
}

// PeerConn wraps one peer connection. SDP and candidates cross this
// boundary as wire strings so the state machine stays codec-agnostic.
type PeerConn interface {
	AddTracks(ms MediaStream) error
	CreateOffer(iceRestart bool) (string, error)
	ApplyAnswer(sdp string) error
	ApplyOfferCreateAnswer(sdp string) (string, error)
	AddICECandidate(candidate string) error
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	OnICECandidate(fn func(candidate string))
	OnICEState(fn func(webrtc.ICEConnectionState))
	OnTrack(fn func())
	Close()
}

// MediaStream is a handle on acquired local capture. Release must be
// idempotent: the controller guards it once per call but exit paths
// overlap.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
	Release()
}

// MediaProvider owns the exclusive camera/microphone handle.
// Acquire may block unboundedly on a permission prompt.
type MediaProvider interface {
	Acquire(ctx context.Context, audio, video bool) (MediaStream, error)
}
