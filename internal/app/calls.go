package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/medbridge/telecall/internal/core"
	"github.com/medbridge/telecall/internal/domain"
)

// CallRegistry owns every in-flight call session. Sessions are keyed
// two ways: by call id and by the symmetric pair key, so at most one
// session can exist per unordered identity pair.
type CallRegistry struct {
	clock core.Clock

	mu     sync.RWMutex
	byID   map[domain.CallID]*domain.CallSession
	byPair map[domain.PairKey]domain.CallID
}

func NewCallRegistry(clock core.Clock) *CallRegistry {
	return &CallRegistry{
		clock:  clock,
		byID:   make(map[domain.CallID]*domain.CallSession),
		byPair: make(map[domain.PairKey]domain.CallID),
	}
}

// CreateCall registers a session for the pair. Fails with
// core.ErrCallConflict when a session already exists in either ordering.
func (r *CallRegistry) CreateCall(
	caller domain.Identity,
	callerHandle domain.HandleID,
	callee domain.Identity,
	calleeHandles []domain.HandleID,
) (domain.CallID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair := domain.NewPairKey(caller, callee)
	if _, ok := r.byPair[pair]; ok {
		return "", core.ErrCallConflict
	}

	snapshot := make([]domain.HandleID, len(calleeHandles))
	copy(snapshot, calleeHandles)

	sess := &domain.CallSession{
		ID:            domain.NewCallID(),
		Caller:        caller,
		CallerHandle:  callerHandle,
		Callee:        callee,
		CalleeHandles: snapshot,
		CreatedAt:     r.clock.Now(),
	}
	r.byID[sess.ID] = sess
	r.byPair[pair] = sess.ID
	log.Info().Str("module", "app.calls").Str("call", string(sess.ID)).Str("caller", string(caller)).Str("callee", string(callee)).Msg("call created")
	return sess.ID, nil
}

// AcceptCall marks the session accepted and pins the answering handle.
// Idempotent: a second accept keeps the first handle.
func (r *CallRegistry) AcceptCall(id domain.CallID, handle domain.HandleID) (domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[id]
	if !ok {
		return domain.CallSession{}, core.ErrCallNotFound
	}
	if !sess.Accepted {
		sess.Accepted = true
		sess.CalleeHandle = handle
		log.Info().Str("module", "app.calls").Str("call", string(id)).Str("handle", string(handle)).Msg("call accepted")
	}
	return *sess, nil
}

// FindByPair looks the session up regardless of who dialed whom.
func (r *CallRegistry) FindByPair(a, b domain.Identity) (domain.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPair[domain.NewPairKey(a, b)]
	if !ok {
		return domain.CallSession{}, core.ErrCallNotFound
	}
	return *r.byID[id], nil
}

// FindAllFor returns snapshots of every session the identity takes part
// in, as caller or callee.
func (r *CallRegistry) FindAllFor(id domain.Identity) []domain.CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.CallSession
	for _, sess := range r.byID {
		if sess.Caller == id || sess.Callee == id {
			out = append(out, *sess)
		}
	}
	return out
}

func (r *CallRegistry) Remove(id domain.CallID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	delete(r.byPair, sess.Pair())
	log.Info().Str("module", "app.calls").Str("call", string(id)).Msg("call removed")
	return true
}

// SweepStale deletes sessions older than maxAge and reports how many
// went. A coarse safety net behind the explicit teardown paths.
func (r *CallRegistry) SweepStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock.Now().Add(-maxAge)
	count := 0
	for id, sess := range r.byID {
		if sess.CreatedAt.Before(cutoff) {
			delete(r.byID, id)
			delete(r.byPair, sess.Pair())
			count++
		}
	}
	if count > 0 {
		log.Warn().Str("module", "app.calls").Int("swept", count).Msg("stale calls swept")
	}
	return count
}

// Snapshot lists all sessions as DTOs for the operational API.
func (r *CallRegistry) Snapshot() []core.CallDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.CallDTO, 0, len(r.byID))
	for _, sess := range r.byID {
		out = append(out, core.CallDTO{
			ID:       string(sess.ID),
			Caller:   string(sess.Caller),
			Callee:   string(sess.Callee),
			Accepted: sess.Accepted,
		})
	}
	return out
}

// StartSweeper runs SweepStale on every tick until ctx is done.
func (r *CallRegistry) StartSweeper(ctx context.Context, interval, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepStale(ttl)
			}
		}
	}()
}
