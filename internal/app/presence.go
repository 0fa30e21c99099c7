package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/medbridge/telecall/internal/domain"
)

// Presence tracks which connection handles belong to which identity.
// All mutations for an identity are linearized behind the mutex; an
// identity with zero handles has no entry at all.
type Presence struct {
	mu      sync.RWMutex
	handles map[domain.Identity][]domain.HandleID
}

func NewPresence() *Presence {
	return &Presence{
		handles: make(map[domain.Identity][]domain.HandleID),
	}
}

// AddConnection registers a handle for an identity. Returns true iff
// this is the identity's first live handle, so callers can broadcast
// "online" exactly once.
func (p *Presence) AddConnection(id domain.Identity, h domain.HandleID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.handles[id] {
		if existing == h {
			return false
		}
	}
	p.handles[id] = append(p.handles[id], h)
	first := len(p.handles[id]) == 1
	log.Info().Str("module", "app.presence").Str("identity", string(id)).Str("handle", string(h)).Bool("first", first).Msg("connection added")
	return first
}

// RemoveConnection unregisters a handle. Returns true iff the identity
// had handles and now has none; the empty entry is deleted. Removing
// from an identity that was never online reports false.
func (p *Presence) RemoveConnection(id domain.Identity, h domain.HandleID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.handles[id]
	if !ok {
		return false
	}
	for i, existing := range set {
		if existing == h {
			set = append(set[:i], set[i+1:]...)
			break
		}
	}
	if len(set) == 0 {
		delete(p.handles, id)
		log.Info().Str("module", "app.presence").Str("identity", string(id)).Str("handle", string(h)).Msg("last connection removed")
		return true
	}
	p.handles[id] = set
	log.Info().Str("module", "app.presence").Str("identity", string(id)).Str("handle", string(h)).Msg("connection removed")
	return false
}

func (p *Presence) IsOnline(id domain.Identity) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles[id]) > 0
}

// ListConnections returns a snapshot of the identity's handles in
// registration order, never the internal slice.
func (p *Presence) ListConnections(id domain.Identity) []domain.HandleID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.handles[id]
	out := make([]domain.HandleID, len(set))
	copy(out, set)
	return out
}
