package core

import "errors"

var (
	// ErrOffline: the target identity owns no live connection.
	ErrOffline = errors.New("user is not online")
	// ErrCallConflict: a session already exists for the identity pair.
	ErrCallConflict = errors.New("call already in progress")
	// ErrCallNotFound: the session is stale or was already removed.
	ErrCallNotFound = errors.New("call not found")
	// ErrBackpressure: the per-connection send buffer is full.
	ErrBackpressure = errors.New("backpressure")
	// ErrMediaAccess: camera/microphone denied, busy or missing.
	ErrMediaAccess = errors.New("media access failed")
	// ErrTransportClosed: the signaling link is down and recovery is exhausted.
	ErrTransportClosed = errors.New("transport closed")
	// ErrNegotiation: peer connection or ICE negotiation failed.
	ErrNegotiation = errors.New("negotiation failed")
)
