package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/medbridge/telecall/internal/config"
	"github.com/medbridge/telecall/internal/core"
	"github.com/medbridge/telecall/internal/domain"
)

// Controller owns exactly one peer connection at a time and sequences
// every transition and ICE application behind its mutex. A call runs
// idle -> connecting -> active -> ended; ended is terminal for the call
// instance and the next initiate/accept re-enters through idle.
type Controller struct {
	cfg     *config.ClientConfig
	self    domain.Identity
	signal  Signal
	media   MediaProvider
	newPeer func() (PeerConn, error)
	clock   core.Clock
	log     zerolog.Logger

	// OnUIClose fires once per ended call, after the teardown delays.
	OnUIClose func()

	mu               sync.Mutex
	state            State
	pendingState     State
	pendingTimer     *time.Timer
	lastTransition   time.Time
	peerID           domain.Identity
	caller           bool
	pc               PeerConn
	stream           MediaStream
	pendingOffer     string
	pendingRemote    []string
	pendingLocal     []string
	remoteDescSet    bool
	counterpartKnown bool
	sentMediaUp      bool
	torndown         bool
	iceState         webrtc.ICEConnectionState
	negotiations     int
	callStart        time.Time
	wantAudio        bool
	wantVideo        bool
	timers           []*time.Timer
	changes          chan StateChange
	checks           map[string]chan bool
}

func NewController(
	cfg *config.ClientConfig,
	self domain.Identity,
	sig Signal,
	media MediaProvider,
	newPeer func() (PeerConn, error),
	clock core.Clock,
	logger zerolog.Logger,
) *Controller {
	c := &Controller{
		cfg:       cfg,
		self:      self,
		signal:    sig,
		media:     media,
		newPeer:   newPeer,
		clock:     clock,
		log:       logger.With().Str("module", "client.session").Logger(),
		state:     StateIdle,
		wantAudio: true,
		wantVideo: true,
		changes:   make(chan StateChange, 8),
		checks:    make(map[string]chan bool),
	}

	sig.OnEvent(core.EventIncomingCall, c.onIncomingCall)
	sig.OnEvent(core.EventCallAnswered, c.onCallAnswered)
	sig.OnEvent(core.EventCallDeclined, c.onCallDeclined)
	sig.OnEvent(core.EventCallEnded, c.onCallEnded)
	sig.OnEvent(core.EventCallInProgress, c.onCallInProgress)
	sig.OnEvent(core.EventCallFailed, c.onCallFailed)
	sig.OnEvent(core.EventCandidate, c.onRemoteCandidate)
	sig.OnEvent(core.EventMediaUp, c.onMediaUp)
	sig.OnEvent(core.EventOnlineStatus, c.onOnlineStatus)
	return c
}

// Changes delivers state notifications at-least-once. When the buffer
// is full the oldest pending notification is dropped: subscribers
// always see the latest state.
func (c *Controller) Changes() <-chan StateChange { return c.changes }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Peer() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// InitiateCall dials target: presence check, local media, offer, then
// call-initiate over the relay. Returns core.ErrOffline when the
// presence check fails or times out. If the user hangs up while the
// permission prompt is open the acquired media is released and the
// call never leaves the controller.
func (c *Controller) InitiateCall(ctx context.Context, target domain.Identity) error {
	c.mu.Lock()
	if c.state == StateEnded {
		c.resetLocked()
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return core.ErrCallConflict
	}
	c.peerID = target
	c.caller = true
	c.mu.Unlock()

	online, err := c.checkOnline(ctx, target)
	if err != nil {
		return err
	}
	if !online {
		return core.ErrOffline
	}

	c.mu.Lock()
	if c.state != StateIdle || c.peerID != target {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting, "")
	audio, video := c.wantAudio, c.wantVideo
	c.mu.Unlock()

	stream, err := c.media.Acquire(ctx, audio, video)
	if err != nil {
		c.terminate(fmt.Sprintf("media access: %v", err), false)
		return fmt.Errorf("%w: %v", core.ErrMediaAccess, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting || c.peerID != target {
		// Hung up during the permission prompt. Discard, no-op.
		c.mu.Unlock()
		stream.Release()
		return nil
	}
	c.stream = stream
	offer, err := c.setupPeerLocked()
	if err != nil {
		c.mu.Unlock()
		c.terminate(fmt.Sprintf("negotiation: %v", err), false)
		return fmt.Errorf("%w: %v", core.ErrNegotiation, err)
	}
	c.counterpartKnown = true
	c.flushLocalLocked()
	c.mu.Unlock()

	return c.signal.Send(core.EventInitiate, core.InitiatePayload{
		Type:     core.EventInitiate,
		TargetID: string(target),
		CallerID: string(c.self),
		Offer:    offer,
	})
}

// setupPeerLocked builds the peer connection, attaches local tracks and
// wires the callbacks. For the caller it also produces the offer.
func (c *Controller) setupPeerLocked() (string, error) {
	pc, err := c.newPeer()
	if err != nil {
		return "", err
	}
	if err := pc.AddTracks(c.stream); err != nil {
		pc.Close()
		return "", err
	}
	pc.OnICECandidate(c.onLocalCandidate)
	pc.OnICEState(c.onICEState)
	pc.OnTrack(func() { c.maybeActive("remote track") })
	c.pc = pc

	if !c.caller {
		return "", nil
	}
	return pc.CreateOffer(false)
}

// AcceptCall answers a pending inbound offer. Results arriving after
// the session ended are discarded, not cancelled.
func (c *Controller) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnecting || c.caller || c.pendingOffer == "" {
		c.mu.Unlock()
		return core.ErrCallNotFound
	}
	offer := c.pendingOffer
	peer := c.peerID
	audio, video := c.wantAudio, c.wantVideo
	c.mu.Unlock()

	stream, err := c.media.Acquire(ctx, audio, video)
	if err != nil {
		c.terminate(fmt.Sprintf("media access: %v", err), true)
		return fmt.Errorf("%w: %v", core.ErrMediaAccess, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting || c.peerID != peer {
		c.mu.Unlock()
		stream.Release()
		return nil
	}
	c.stream = stream
	if _, err := c.setupPeerLocked(); err != nil {
		c.mu.Unlock()
		c.terminate(fmt.Sprintf("negotiation: %v", err), true)
		return fmt.Errorf("%w: %v", core.ErrNegotiation, err)
	}
	answer, err := c.pc.ApplyOfferCreateAnswer(offer)
	if err != nil {
		c.mu.Unlock()
		c.terminate(fmt.Sprintf("negotiation: %v", err), true)
		return fmt.Errorf("%w: %v", core.ErrNegotiation, err)
	}
	c.pendingOffer = ""
	c.remoteDescSet = true
	c.flushRemoteLocked()
	c.counterpartKnown = true
	c.flushLocalLocked()
	c.mu.Unlock()

	return c.signal.Send(core.EventAccept, core.AcceptPayload{
		Type:     core.EventAccept,
		TargetID: string(peer),
		Answer:   answer,
	})
}

// DeclineCall rejects a pending inbound offer.
func (c *Controller) DeclineCall() error {
	c.mu.Lock()
	if c.state != StateConnecting || c.caller || c.pendingOffer == "" {
		c.mu.Unlock()
		return core.ErrCallNotFound
	}
	peer := c.peerID
	c.mu.Unlock()

	c.signal.SendReliable(core.EventDecline, core.DeclinePayload{
		Type:     core.EventDecline,
		TargetID: string(peer),
	})
	c.terminate("declined", false)
	return nil
}

// HangUp ends the current call, pending or active. No-op when idle.
func (c *Controller) HangUp() {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.terminate("hangup", true)
}

// ToggleAudio flips the outbound audio track and reports the new state.
func (c *Controller) ToggleAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wantAudio = !c.wantAudio
	if c.pc != nil {
		c.pc.SetAudioEnabled(c.wantAudio)
	}
	return c.wantAudio
}

func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wantVideo = !c.wantVideo
	if c.pc != nil {
		c.pc.SetVideoEnabled(c.wantVideo)
	}
	return c.wantVideo
}

// checkOnline probes presence over the relay, correlated by request id
// so concurrent checks never cross-resolve. Timeout counts as offline.
func (c *Controller) checkOnline(ctx context.Context, id domain.Identity) (bool, error) {
	reqID := uuid.NewString()
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.checks[reqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.checks, reqID)
		c.mu.Unlock()
	}()

	if err := c.signal.Send(core.EventCheckOnline, core.CheckOnlinePayload{
		Type:      core.EventCheckOnline,
		Identity:  string(id),
		RequestID: reqID,
	}); err != nil {
		return false, err
	}

	select {
	case online := <-ch:
		return online, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(c.cfg.PresenceTimeout):
		return false, nil
	}
}

func (c *Controller) onOnlineStatus(data json.RawMessage) {
	var p core.OnlineStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.checks[p.ResponseID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- p.IsOnline:
		default:
		}
	}
}

func (c *Controller) onIncomingCall(data json.RawMessage) {
	var p core.IncomingCallPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.mu.Lock()
	if c.state == StateEnded {
		c.resetLocked()
	}
	if c.state != StateIdle {
		peer := c.peerID
		c.mu.Unlock()
		if domain.Identity(p.CallerID) != peer {
			// Busy with someone else; turn the new caller away.
			c.signal.Send(core.EventDecline, core.DeclinePayload{
				Type:     core.EventDecline,
				TargetID: p.CallerID,
			})
		}
		return
	}
	c.peerID = domain.Identity(p.CallerID)
	c.caller = false
	c.pendingOffer = p.Offer
	c.log.Info().Str("caller", p.CallerID).Msg("incoming call")
	c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()
}

func (c *Controller) onCallAnswered(data json.RawMessage) {
	var p core.CallAnsweredPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Redundant answers in active must not regress the session.
	if c.state != StateConnecting || !c.caller || c.pc == nil || c.remoteDescSet {
		return
	}
	if err := c.pc.ApplyAnswer(p.Answer); err != nil {
		c.log.Error().Err(err).Msg("apply answer")
		return
	}
	c.remoteDescSet = true
	c.flushRemoteLocked()
}

func (c *Controller) onCallInProgress(data json.RawMessage) {
	c.mu.Lock()
	ringing := c.state == StateConnecting && !c.caller && c.pendingOffer != ""
	c.mu.Unlock()
	if ringing {
		c.terminate("answered on another device", false)
	}
}

func (c *Controller) onCallFailed(data json.RawMessage) {
	var p core.CallFailedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.mu.Lock()
	connecting := c.state == StateConnecting
	c.mu.Unlock()
	if connecting {
		c.terminate(p.Message, false)
	}
}

func (c *Controller) onCallEnded(json.RawMessage)    { c.terminate("ended by peer", false) }
func (c *Controller) onCallDeclined(json.RawMessage) { c.terminate("declined by peer", false) }

func (c *Controller) onMediaUp(json.RawMessage) { c.maybeActive("peer media notice") }

// onICEState classifies transport failures: disconnected gets a short
// grace then an ICE restart and a long grace before force-ending;
// failed gets bounded restart attempts.
func (c *Controller) onICEState(s webrtc.ICEConnectionState) {
	c.mu.Lock()
	c.iceState = s
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.negotiations = 0
		c.mu.Unlock()
		c.maybeActive("ice connected")
	case webrtc.ICEConnectionStateDisconnected:
		c.afterLocked(c.cfg.RestartGrace, func() { c.restartIfStuck() })
		c.afterLocked(c.cfg.DisconnectGrace, func() { c.endIfStuck() })
		c.mu.Unlock()
	case webrtc.ICEConnectionStateFailed:
		c.negotiations++
		tries := c.negotiations
		pc := c.pc
		c.mu.Unlock()
		if tries > c.cfg.MaxNegotiations {
			c.terminate("negotiation failed", true)
			return
		}
		if pc != nil {
			if _, err := pc.CreateOffer(true); err != nil {
				c.log.Error().Err(err).Msg("ice restart offer")
			}
		}
	default:
		c.mu.Unlock()
	}
}

func (c *Controller) restartIfStuck() {
	c.mu.Lock()
	stuck := c.state != StateEnded && c.iceState == webrtc.ICEConnectionStateDisconnected
	pc := c.pc
	c.mu.Unlock()
	if !stuck || pc == nil {
		return
	}
	c.log.Warn().Msg("ice still disconnected, restarting")
	if _, err := pc.CreateOffer(true); err != nil {
		c.log.Error().Err(err).Msg("ice restart offer")
	}
}

func (c *Controller) endIfStuck() {
	c.mu.Lock()
	stuck := c.state != StateEnded && c.iceState == webrtc.ICEConnectionStateDisconnected
	c.mu.Unlock()
	if stuck {
		c.terminate("connection lost", true)
	}
}

func (c *Controller) maybeActive(via string) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateActive, "")
	notify := !c.sentMediaUp && c.peerID != ""
	c.sentMediaUp = true
	peer := c.peerID
	c.mu.Unlock()

	c.log.Info().Str("via", via).Msg("call active")
	if notify {
		c.signal.Send(core.EventMediaUp, core.MediaUpPayload{
			Type:     core.EventMediaUp,
			TargetID: string(peer),
		})
	}
}

// setStateLocked applies the transition table. Backward transitions
// are dropped, ended applies immediately, and every other transition is
// debounced with a minimum inter-transition interval; a transition that
// arrives early is coalesced and re-applied when the window opens.
func (c *Controller) setStateLocked(target State, reason string) {
	if target == c.state {
		return
	}
	if target == StateEnded {
		c.applyStateLocked(target, reason)
		return
	}
	if target < c.state {
		c.log.Warn().Str("from", c.state.String()).Str("to", target.String()).Msg("backward transition dropped")
		return
	}
	elapsed := c.clock.Now().Sub(c.lastTransition)
	if !c.lastTransition.IsZero() && elapsed < c.cfg.Debounce {
		c.pendingState = target
		if c.pendingTimer == nil {
			c.pendingTimer = time.AfterFunc(c.cfg.Debounce-elapsed, c.applyPending)
			c.timers = append(c.timers, c.pendingTimer)
		}
		return
	}
	c.applyStateLocked(target, reason)
}

func (c *Controller) applyPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.pendingState
	c.pendingTimer = nil
	c.pendingState = StateIdle
	if target == StateIdle || c.state == StateEnded {
		return
	}
	c.setStateLocked(target, "")
}

func (c *Controller) applyStateLocked(target State, reason string) {
	from := c.state
	c.state = target
	c.lastTransition = c.clock.Now()
	c.log.Info().Str("from", from.String()).Str("to", target.String()).Msg("state change")

	change := StateChange{State: target, Reason: reason}
	if target == StateActive {
		c.callStart = c.clock.Now()
	}
	if target == StateEnded && !c.callStart.IsZero() {
		change.Duration = c.clock.Now().Sub(c.callStart)
	}
	c.notifyLocked(change)
}

func (c *Controller) notifyLocked(change StateChange) {
	select {
	case c.changes <- change:
	default:
		// Full: drop the oldest so the latest state always lands.
		select {
		case <-c.changes:
		default:
		}
		select {
		case c.changes <- change:
		default:
		}
	}
}

func (c *Controller) afterLocked(d time.Duration, fn func()) {
	c.timers = append(c.timers, time.AfterFunc(d, fn))
}

func (c *Controller) cancelTimersLocked() {
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	c.pendingTimer = nil
	c.pendingState = StateIdle
}

func (c *Controller) resetLocked() {
	c.state = StateIdle
	c.peerID = ""
	c.caller = false
	c.pc = nil
	c.stream = nil
	c.pendingOffer = ""
	c.pendingRemote = nil
	c.pendingLocal = nil
	c.remoteDescSet = false
	c.counterpartKnown = false
	c.sentMediaUp = false
	c.torndown = false
	c.negotiations = 0
	c.callStart = time.Time{}
	c.iceState = webrtc.ICEConnectionStateNew
	c.lastTransition = time.Time{}
}
