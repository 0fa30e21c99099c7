package core

import "time"

// Frame is a raw signaling payload (JSON on the wire).
type Frame []byte

// SignalConn abstracts a system messaging transport connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	TrySend(Frame) error
	Close()
}

// Clock is injected wherever wall time matters so tests can fake it.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func NewClock() Clock { return realClock{} }

// CallDTO is a read-only view of a call session for APIs (no handle fields).
type CallDTO struct {
	ID       string `json:"id"`
	Caller   string `json:"caller"`
	Callee   string `json:"callee"`
	Accepted bool   `json:"accepted"`
}
