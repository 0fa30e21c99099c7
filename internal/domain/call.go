package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallID string

func NewCallID() CallID {
	return CallID(uuid.NewString())
}

// PairKey is the symmetric key for an unordered identity pair. Both
// orderings of the same two identities produce the same key, so the
// registry never has to guess who dialed whom on lookup.
type PairKey string

func NewPairKey(a, b Identity) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey(string(a) + "|" + string(b))
}

// CallSession records one pending or in-progress call between two
// identities. CalleeHandle stays empty until the callee accepts;
// CalleeHandles snapshots every handle the offer was fanned out to.
type CallSession struct {
	ID            CallID
	Caller        Identity
	CallerHandle  HandleID
	Callee        Identity
	CalleeHandle  HandleID
	CalleeHandles []HandleID
	CreatedAt     time.Time
	Accepted      bool
}

func (s *CallSession) Pair() PairKey {
	return NewPairKey(s.Caller, s.Callee)
}

// Counterpart returns the other end of the call relative to id.
// The second result is false when id is not a participant.
func (s *CallSession) Counterpart(id Identity) (Identity, bool) {
	switch id {
	case s.Caller:
		return s.Callee, true
	case s.Callee:
		return s.Caller, true
	}
	return "", false
}
