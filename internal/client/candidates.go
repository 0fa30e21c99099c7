package client

import (
	"encoding/json"

	"github.com/medbridge/telecall/internal/core"
)

// onLocalCandidate ships a freshly gathered candidate to the
// counterpart, or buffers it until the counterpart is known.
func (c *Controller) onLocalCandidate(candidate string) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	if !c.counterpartKnown || c.peerID == "" {
		c.pendingLocal = append(c.pendingLocal, candidate)
		c.mu.Unlock()
		return
	}
	peer := c.peerID
	c.mu.Unlock()

	c.signal.Send(core.EventCandidate, core.CandidatePayload{
		Type:      core.EventCandidate,
		TargetID:  string(peer),
		Candidate: candidate,
	})
}

// flushLocalLocked drains the buffered local candidates in gathering
// order once the counterpart becomes known.
func (c *Controller) flushLocalLocked() {
	if len(c.pendingLocal) == 0 || c.peerID == "" {
		return
	}
	queued := c.pendingLocal
	c.pendingLocal = nil
	peer := c.peerID
	for _, candidate := range queued {
		c.signal.Send(core.EventCandidate, core.CandidatePayload{
			Type:      core.EventCandidate,
			TargetID:  string(peer),
			Candidate: candidate,
		})
	}
}

// onRemoteCandidate applies a peer candidate, or buffers it until the
// remote description is set. Buffered candidates are flushed in arrival
// order exactly once.
func (c *Controller) onRemoteCandidate(data json.RawMessage) {
	var p core.CandidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded {
		return
	}
	if !c.remoteDescSet || c.pc == nil {
		c.pendingRemote = append(c.pendingRemote, p.Candidate)
		return
	}
	if err := c.pc.AddICECandidate(p.Candidate); err != nil {
		c.log.Warn().Err(err).Msg("add remote candidate")
	}
}

// flushRemoteLocked applies the queue in arrival order, then clears it.
// Caller must have set remoteDescSet first.
func (c *Controller) flushRemoteLocked() {
	queued := c.pendingRemote
	c.pendingRemote = nil
	for _, candidate := range queued {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.log.Warn().Err(err).Msg("flush remote candidate")
		}
	}
}
