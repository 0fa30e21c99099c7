package client

import (
	"time"

	"github.com/medbridge/telecall/internal/core"
)

// terminate drives both ends of the call to ended exactly once, despite
// best-effort delivery. Initiator side: flip to ended optimistically,
// ship the primary and backup termination signals with redelivery, then
// tear down media and the peer connection after a short flush delay,
// close the UI after a further delay, and finally poke the transport in
// case teardown left it degraded. The receiving side runs the same
// teardown with notifyPeer=false; both paths are idempotent.
func (c *Controller) terminate(reason string, notifyPeer bool) {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return
	}
	c.torndown = true
	peer := c.peerID
	pc := c.pc
	// Detach the capture handle now: the delayed teardown below must
	// release this call's stream even if a new call re-dials and
	// installs a fresh one before the delay elapses.
	stream := c.stream
	c.stream = nil
	c.cancelTimersLocked()
	c.setStateLocked(StateEnded, reason)
	c.mu.Unlock()

	c.log.Info().Str("reason", reason).Bool("notify_peer", notifyPeer).Msg("terminating call")

	if notifyPeer && peer != "" {
		c.signal.SendReliable(core.EventEnd, core.EndPayload{
			Type:     core.EventEnd,
			TargetID: string(peer),
		})
		// Backup signal type: the relay treats a decline for a live
		// session as teardown too, so either arrival converges.
		c.signal.SendReliable(core.EventDecline, core.DeclinePayload{
			Type:     core.EventDecline,
			TargetID: string(peer),
		})
	}

	time.AfterFunc(c.cfg.TeardownDelay, func() {
		if stream != nil {
			stream.Release()
		}
		if pc != nil {
			pc.Close()
		}
	})

	time.AfterFunc(c.cfg.UICloseDelay, func() {
		if c.OnUIClose != nil {
			c.OnUIClose()
		}
		c.signal.Reconnect()
	})
}
