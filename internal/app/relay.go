package app

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/medbridge/telecall/internal/core"
	"github.com/medbridge/telecall/internal/domain"
)

// Relay routes signaling between connection handles. It owns the
// handle table; presence and call state live in the two registries.
// Media never passes through here.
type Relay struct {
	Presence *Presence
	Calls    *CallRegistry

	// Redelivery schedule for call-ended notifications. Safe to
	// repeat: ending an ended call is a no-op on the receiving side.
	ResendDelays []time.Duration

	mu         sync.RWMutex
	conns      map[domain.HandleID]core.SignalConn
	identities map[domain.HandleID][]domain.Identity
}

func NewRelay(presence *Presence, calls *CallRegistry, resendDelays []time.Duration) *Relay {
	return &Relay{
		Presence:     presence,
		Calls:        calls,
		ResendDelays: resendDelays,
		conns:        make(map[domain.HandleID]core.SignalConn),
		identities:   make(map[domain.HandleID][]domain.Identity),
	}
}

// Attach binds a live connection to a fresh handle. Must be called
// before any event for that handle is routed.
func (r *Relay) Attach(h domain.HandleID, conn core.SignalConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[h] = conn
}

func (r *Relay) conn(h domain.HandleID) (core.SignalConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[h]
	return c, ok
}

// IdentityOf resolves the identity a handle most recently registered.
func (r *Relay) IdentityOf(h domain.HandleID) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.identities[h]
	if len(ids) == 0 {
		return "", false
	}
	return ids[len(ids)-1], true
}

func (r *Relay) sendTo(h domain.HandleID, v any) {
	c, ok := r.conn(h)
	if !ok {
		log.Warn().Str("module", "app.relay").Str("handle", string(h)).Msg("send to detached handle")
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("marshal")
		return
	}
	if err := c.TrySend(core.Frame(b)); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("handle", string(h)).Msg("send dropped")
	}
}

func (r *Relay) broadcast(v any, except domain.HandleID) {
	r.mu.RLock()
	handles := make([]domain.HandleID, 0, len(r.conns))
	for h := range r.conns {
		if h != except {
			handles = append(handles, h)
		}
	}
	r.mu.RUnlock()
	for _, h := range handles {
		r.sendTo(h, v)
	}
}

// Register binds an identity to a handle. The first handle of an
// identity broadcasts user-online to everyone else.
func (r *Relay) Register(h domain.HandleID, id domain.Identity) {
	r.mu.Lock()
	known := false
	for _, existing := range r.identities[h] {
		if existing == id {
			known = true
			break
		}
	}
	if !known {
		r.identities[h] = append(r.identities[h], id)
	}
	r.mu.Unlock()

	if r.Presence.AddConnection(id, h) {
		r.broadcast(core.PresencePayload{Type: core.EventUserOnline, Identity: string(id)}, h)
	}
}

// CheckOnline answers a presence probe, echoing the caller-generated
// request id so concurrent checks on one connection never cross-resolve.
func (r *Relay) CheckOnline(h domain.HandleID, id domain.Identity, requestID string) {
	r.sendTo(h, core.OnlineStatusPayload{
		Type:       core.EventOnlineStatus,
		Identity:   string(id),
		IsOnline:   r.Presence.IsOnline(id),
		ResponseID: requestID,
	})
}

// Initiate creates the session and fans the offer out to every handle
// the callee owns. Offline callee or an existing session for the pair
// rejects with call-failed; the server never creates a half-session.
func (r *Relay) Initiate(h domain.HandleID, caller, callee domain.Identity, offer string) {
	if !r.Presence.IsOnline(callee) {
		r.sendTo(h, core.CallFailedPayload{
			Type:     core.EventCallFailed,
			Message:  "User is not online",
			TargetID: string(callee),
		})
		return
	}

	calleeHandles := r.Presence.ListConnections(callee)
	if _, err := r.Calls.CreateCall(caller, h, callee, calleeHandles); err != nil {
		r.sendTo(h, core.CallFailedPayload{
			Type:     core.EventCallFailed,
			Message:  "User is already in a call",
			TargetID: string(callee),
		})
		return
	}

	offerMsg := core.IncomingCallPayload{
		Type:     core.EventIncomingCall,
		CallerID: string(caller),
		Offer:    offer,
	}
	for _, ch := range calleeHandles {
		r.sendTo(ch, offerMsg)
	}
}

// Accept resolves the session by (callee, caller), relays the answer to
// the caller's handle only, and tells the callee's other devices to
// stop ringing.
func (r *Relay) Accept(h domain.HandleID, callee, caller domain.Identity, answer string) {
	sess, err := r.Calls.FindByPair(callee, caller)
	if err != nil {
		log.Warn().Str("module", "app.relay").Str("callee", string(callee)).Str("caller", string(caller)).Msg("accept for unknown call")
		return
	}
	sess, err = r.Calls.AcceptCall(sess.ID, h)
	if err != nil {
		return
	}

	r.sendTo(sess.CallerHandle, core.CallAnsweredPayload{
		Type:   core.EventCallAnswered,
		Answer: answer,
	})

	inProgress := core.CallInProgressPayload{
		Type:     core.EventCallInProgress,
		CallerID: string(caller),
		Message:  "Call answered on another device",
	}
	for _, other := range r.Presence.ListConnections(callee) {
		if other != h {
			r.sendTo(other, inProgress)
		}
	}
}

// Decline removes the session and notifies the caller. Falls back to
// every caller handle when the stored one went stale.
func (r *Relay) Decline(h domain.HandleID, decliner, caller domain.Identity) {
	sess, err := r.Calls.FindByPair(decliner, caller)
	if err != nil {
		return
	}
	r.Calls.Remove(sess.ID)

	declined := core.PresencePayload{Type: core.EventCallDeclined}
	if _, ok := r.conn(sess.CallerHandle); ok {
		r.sendTo(sess.CallerHandle, declined)
		return
	}
	counterpart, _ := sess.Counterpart(decliner)
	for _, ch := range r.Presence.ListConnections(counterpart) {
		r.sendTo(ch, declined)
	}
}

// Candidate routes an ICE candidate by role once the call is accepted:
// caller to callee handle, callee to caller handle. Before acceptance
// it falls back to the target's first known handle, which can
// misdeliver with genuine multi-device presence.
func (r *Relay) Candidate(h domain.HandleID, from, target domain.Identity, candidate string) {
	msg := core.CandidatePayload{
		Type:      core.EventCandidate,
		TargetID:  string(from),
		Candidate: candidate,
	}

	sess, err := r.Calls.FindByPair(from, target)
	if err == nil && sess.Accepted {
		if from == sess.Caller {
			r.sendTo(sess.CalleeHandle, msg)
		} else {
			r.sendTo(sess.CallerHandle, msg)
		}
		return
	}

	if handles := r.Presence.ListConnections(target); len(handles) > 0 {
		r.sendTo(handles[0], msg)
	}
}

// End tears the session down from either side. Idempotent: a second
// end for the same pair finds nothing and does nothing. The ended
// notice is re-sent over a short window because delivery is best-effort.
func (r *Relay) End(h domain.HandleID, from, target domain.Identity) {
	sess, err := r.Calls.FindByPair(from, target)
	if err != nil && target == "" {
		// No explicit target: end whatever call this identity is in.
		if all := r.Calls.FindAllFor(from); len(all) > 0 {
			sess, err = all[0], nil
		}
	}
	if err != nil {
		return
	}
	r.endSession(sess, from)
}

func (r *Relay) endSession(sess domain.CallSession, from domain.Identity) {
	if !r.Calls.Remove(sess.ID) {
		return
	}
	counterpart, ok := sess.Counterpart(from)
	if !ok {
		return
	}
	handles := r.Presence.ListConnections(counterpart)
	ended := core.PresencePayload{Type: core.EventCallEnded}
	for _, ch := range handles {
		r.sendTo(ch, ended)
	}
	for _, delay := range r.ResendDelays {
		time.AfterFunc(delay, func() {
			for _, ch := range handles {
				r.sendTo(ch, ended)
			}
		})
	}
}

// MediaConnected relays the peer's media-up notice so the remote
// controller can promote its session to active.
func (r *Relay) MediaConnected(h domain.HandleID, from, target domain.Identity) {
	sess, err := r.Calls.FindByPair(from, target)
	if err != nil {
		return
	}
	msg := core.MediaUpPayload{Type: core.EventMediaUp, TargetID: string(from)}
	if from == sess.Caller && sess.CalleeHandle != "" {
		r.sendTo(sess.CalleeHandle, msg)
		return
	}
	r.sendTo(sess.CallerHandle, msg)
}

// Disconnect unwinds everything a handle was serving: presence for each
// registered identity, and on the identity's last handle, every call it
// took part in plus the offline broadcast.
func (r *Relay) Disconnect(h domain.HandleID) {
	r.mu.Lock()
	ids := r.identities[h]
	delete(r.identities, h)
	delete(r.conns, h)
	r.mu.Unlock()

	for _, id := range ids {
		if !r.Presence.RemoveConnection(id, h) {
			continue
		}
		for _, sess := range r.Calls.FindAllFor(id) {
			r.endSession(sess, id)
		}
		r.broadcast(core.PresencePayload{Type: core.EventUserOffline, Identity: string(id)}, h)
	}
	log.Info().Str("module", "app.relay").Str("handle", string(h)).Msg("handle disconnected")
}
