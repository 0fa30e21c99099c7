package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/medbridge/telecall/internal/config"
	"github.com/medbridge/telecall/internal/core"
)

type sentMsg struct {
	event    string
	payload  any
	reliable bool
}

type fakeSignal struct {
	mu         sync.Mutex
	sent       []sentMsg
	handlers   map[string][]func(json.RawMessage)
	online     *bool // auto-reply to check-online when set
	reconnects int32
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{handlers: make(map[string][]func(json.RawMessage))}
}

func (f *fakeSignal) Send(event string, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{event: event, payload: payload})
	online := f.online
	f.mu.Unlock()

	if event == core.EventCheckOnline && online != nil {
		req := payload.(core.CheckOnlinePayload)
		f.emit(core.OnlineStatusPayload{
			Type:       core.EventOnlineStatus,
			Identity:   req.Identity,
			IsOnline:   *online,
			ResponseID: req.RequestID,
		})
	}
	return nil
}

func (f *fakeSignal) SendReliable(event string, payload any) {
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{event: event, payload: payload, reliable: true})
	f.mu.Unlock()
}

func (f *fakeSignal) OnEvent(event string, fn func(json.RawMessage)) {
	f.handlers[event] = append(f.handlers[event], fn)
}

func (f *fakeSignal) Reconnect() { atomic.AddInt32(&f.reconnects, 1) }

func (f *fakeSignal) emit(v any) {
	data, _ := json.Marshal(v)
	var env struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &env)
	for _, fn := range f.handlers[env.Type] {
		fn(json.RawMessage(data))
	}
}

func (f *fakeSignal) countOf(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.event == event {
			n++
		}
	}
	return n
}

type appliedCand struct {
	candidate     string
	afterRemoteSD bool
}

type fakePeer struct {
	mu            sync.Mutex
	remoteDescSet bool
	answers       int
	restartOffers int
	applied       []appliedCand
	closed        int
	onCand        func(string)
	onState       func(webrtc.ICEConnectionState)
	onTrack       func()
}

func (p *fakePeer) AddTracks(MediaStream) error { return nil }

func (p *fakePeer) CreateOffer(iceRestart bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if iceRestart {
		p.restartOffers++
	}
	return "offer-sdp", nil
}

func (p *fakePeer) ApplyAnswer(string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	p.remoteDescSet = true
	return nil
}

func (p *fakePeer) ApplyOfferCreateAnswer(string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDescSet = true
	return "answer-sdp", nil
}

func (p *fakePeer) AddICECandidate(candidate string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, appliedCand{candidate: candidate, afterRemoteSD: p.remoteDescSet})
	return nil
}

func (p *fakePeer) SetAudioEnabled(bool) {}
func (p *fakePeer) SetVideoEnabled(bool) {}

func (p *fakePeer) OnICECandidate(fn func(string))                { p.onCand = fn }
func (p *fakePeer) OnICEState(fn func(webrtc.ICEConnectionState)) { p.onState = fn }
func (p *fakePeer) OnTrack(fn func())                             { p.onTrack = fn }

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
}

func (p *fakePeer) fireICE(s webrtc.ICEConnectionState) {
	if p.onState != nil {
		p.onState(s)
	}
}

type fakeStream struct {
	releases int32
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }
func (s *fakeStream) Release()                    { atomic.AddInt32(&s.releases, 1) }

type fakeMedia struct {
	stream *fakeStream
	queue  []*fakeStream // when set, acquires pop from here instead
	gate   chan struct{} // when set, Acquire blocks until closed
	err    error
}

func (m *fakeMedia) Acquire(ctx context.Context, audio, video bool) (MediaStream, error) {
	if m.gate != nil {
		<-m.gate
	}
	if m.err != nil {
		return nil, m.err
	}
	if len(m.queue) > 0 {
		s := m.queue[0]
		m.queue = m.queue[1:]
		return s, nil
	}
	return m.stream, nil
}

func testCfg() *config.ClientConfig {
	return &config.ClientConfig{
		PresenceTimeout: 100 * time.Millisecond,
		Debounce:        0,
		RestartGrace:    5 * time.Millisecond,
		DisconnectGrace: 25 * time.Millisecond,
		MaxNegotiations: 2,
		TeardownDelay:   time.Millisecond,
		UICloseDelay:    5 * time.Millisecond,
	}
}

func newTestController(t *testing.T, cfg *config.ClientConfig) (*Controller, *fakeSignal, *fakePeer, *fakeMedia) {
	t.Helper()
	sig := newFakeSignal()
	peer := &fakePeer{}
	media := &fakeMedia{stream: &fakeStream{}}
	ctrl := NewController(cfg, "alice", sig, media,
		func() (PeerConn, error) { return peer, nil },
		core.NewClock(), zerolog.Nop())
	return ctrl, sig, peer, media
}

func online(v bool) *bool { return &v }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestController_InitiateOfflineTarget(t *testing.T) {
	ctrl, sig, _, _ := newTestController(t, testCfg())
	sig.online = online(false)

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); !errors.Is(err, core.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("state should stay idle, got %s", ctrl.State())
	}
	if sig.countOf(core.EventInitiate) != 0 {
		t.Fatalf("no call-initiate must be sent to an offline target")
	}
}

func TestController_PresenceCheckTimeoutIsOffline(t *testing.T) {
	cfg := testCfg()
	cfg.PresenceTimeout = 20 * time.Millisecond
	ctrl, _, _, _ := newTestController(t, cfg)
	// No auto-reply: the check must time out and count as offline.

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); !errors.Is(err, core.ErrOffline) {
		t.Fatalf("expected ErrOffline on timeout, got %v", err)
	}
}

func TestController_InitiateAndCandidateOrdering(t *testing.T) {
	ctrl, sig, peer, _ := newTestController(t, testCfg())
	sig.online = online(true)

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if ctrl.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", ctrl.State())
	}
	if sig.countOf(core.EventInitiate) != 1 {
		t.Fatalf("expected call-initiate to be sent")
	}

	// Candidates before the answer must be buffered, then flushed in
	// arrival order once the remote description lands.
	sig.emit(core.CandidatePayload{Type: core.EventCandidate, TargetID: "doctor-7", Candidate: "c1"})
	sig.emit(core.CandidatePayload{Type: core.EventCandidate, TargetID: "doctor-7", Candidate: "c2"})
	if len(peer.applied) != 0 {
		t.Fatalf("candidates applied before remote description")
	}

	sig.emit(core.CallAnsweredPayload{Type: core.EventCallAnswered, Answer: "answer-sdp"})
	sig.emit(core.CandidatePayload{Type: core.EventCandidate, TargetID: "doctor-7", Candidate: "c3"})

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.applied) != 3 {
		t.Fatalf("expected 3 candidates applied, got %d", len(peer.applied))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		got := peer.applied[i]
		if got.candidate != want {
			t.Fatalf("candidate %d out of order: got %s want %s", i, got.candidate, want)
		}
		if !got.afterRemoteSD {
			t.Fatalf("candidate %s applied before remote description", got.candidate)
		}
	}
}

func TestController_NoRegressFromActive(t *testing.T) {
	ctrl, sig, peer, _ := newTestController(t, testCfg())
	sig.online = online(true)

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sig.emit(core.CallAnsweredPayload{Type: core.EventCallAnswered, Answer: "a"})
	sig.emit(core.MediaUpPayload{Type: core.EventMediaUp, TargetID: "doctor-7"})
	if ctrl.State() != StateActive {
		t.Fatalf("expected active, got %s", ctrl.State())
	}

	// Redundant accept and media notices must not regress the session.
	sig.emit(core.CallAnsweredPayload{Type: core.EventCallAnswered, Answer: "a"})
	sig.emit(core.MediaUpPayload{Type: core.EventMediaUp, TargetID: "doctor-7"})
	if ctrl.State() != StateActive {
		t.Fatalf("session regressed to %s", ctrl.State())
	}
	peer.mu.Lock()
	answers := peer.answers
	peer.mu.Unlock()
	if answers != 1 {
		t.Fatalf("answer applied %d times, want once", answers)
	}
}

func TestController_HangUpReleasesMediaOnce(t *testing.T) {
	ctrl, sig, peer, media := newTestController(t, testCfg())
	sig.online = online(true)

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sig.emit(core.CallAnsweredPayload{Type: core.EventCallAnswered, Answer: "a"})
	sig.emit(core.MediaUpPayload{Type: core.EventMediaUp, TargetID: "doctor-7"})

	ctrl.HangUp()
	ctrl.HangUp()
	waitFor(t, func() bool { return atomic.LoadInt32(&media.stream.releases) > 0 }, "media release")

	if got := atomic.LoadInt32(&media.stream.releases); got != 1 {
		t.Fatalf("media released %d times, want once", got)
	}
	waitFor(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return peer.closed == 1
	}, "peer close")

	if sig.countOf(core.EventEnd) != 1 {
		t.Fatalf("expected one primary end-call signal")
	}
	if sig.countOf(core.EventDecline) != 1 {
		t.Fatalf("expected one backup termination signal")
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&sig.reconnects) == 1 }, "post-teardown reconnect")
}

func TestController_HangUpDuringMediaPrompt(t *testing.T) {
	ctrl, sig, _, media := newTestController(t, testCfg())
	sig.online = online(true)
	media.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- ctrl.InitiateCall(context.Background(), "doctor-7") }()

	waitFor(t, func() bool { return ctrl.State() == StateConnecting }, "connecting")
	ctrl.HangUp()
	close(media.gate)

	if err := <-done; err != nil {
		t.Fatalf("abandoned initiate should be a no-op, got %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&media.stream.releases) == 1 }, "discarded media release")
	if sig.countOf(core.EventInitiate) != 0 {
		t.Fatalf("call-initiate must not be sent after hangup")
	}
}

func TestController_AcceptFlow(t *testing.T) {
	ctrl, sig, peer, _ := newTestController(t, testCfg())

	sig.emit(core.IncomingCallPayload{Type: core.EventIncomingCall, CallerID: "doctor-7", Offer: "offer-sdp"})
	if ctrl.State() != StateConnecting {
		t.Fatalf("expected connecting on inbound offer, got %s", ctrl.State())
	}
	if ctrl.Peer() != "doctor-7" {
		t.Fatalf("peer not recorded: %s", ctrl.Peer())
	}

	// A candidate racing ahead of accept is buffered.
	sig.emit(core.CandidatePayload{Type: core.EventCandidate, TargetID: "doctor-7", Candidate: "c0"})

	if err := ctrl.AcceptCall(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if sig.countOf(core.EventAccept) != 1 {
		t.Fatalf("expected call-accept to be sent")
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.applied) != 1 || peer.applied[0].candidate != "c0" || !peer.applied[0].afterRemoteSD {
		t.Fatalf("buffered candidate mishandled: %+v", peer.applied)
	}
}

func TestController_DeclineIsTerminalForOffer(t *testing.T) {
	ctrl, sig, _, _ := newTestController(t, testCfg())

	sig.emit(core.IncomingCallPayload{Type: core.EventIncomingCall, CallerID: "doctor-7", Offer: "o"})
	if err := ctrl.DeclineCall(); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if ctrl.State() != StateEnded {
		t.Fatalf("expected ended after decline, got %s", ctrl.State())
	}
	if sig.countOf(core.EventDecline) != 1 {
		t.Fatalf("expected call-decline to be sent")
	}
	if err := ctrl.DeclineCall(); !errors.Is(err, core.ErrCallNotFound) {
		t.Fatalf("second decline must fail with ErrCallNotFound, got %v", err)
	}
}

func TestController_BusyDeclinesOtherCaller(t *testing.T) {
	ctrl, sig, _, _ := newTestController(t, testCfg())

	sig.emit(core.IncomingCallPayload{Type: core.EventIncomingCall, CallerID: "doctor-7", Offer: "o1"})
	sig.emit(core.IncomingCallPayload{Type: core.EventIncomingCall, CallerID: "doctor-9", Offer: "o2"})

	if ctrl.Peer() != "doctor-7" {
		t.Fatalf("busy controller switched peers: %s", ctrl.Peer())
	}
	if sig.countOf(core.EventDecline) != 1 {
		t.Fatalf("second caller should be declined")
	}
}

func TestController_AnsweredElsewhereStopsRinging(t *testing.T) {
	ctrl, sig, _, _ := newTestController(t, testCfg())

	sig.emit(core.IncomingCallPayload{Type: core.EventIncomingCall, CallerID: "doctor-7", Offer: "o"})
	sig.emit(core.CallInProgressPayload{Type: core.EventCallInProgress, CallerID: "doctor-7", Message: "answered"})

	if ctrl.State() != StateEnded {
		t.Fatalf("ringing device should end when the call is answered elsewhere, got %s", ctrl.State())
	}
}

func TestController_RemoteEndForcesTeardown(t *testing.T) {
	ctrl, sig, _, media := newTestController(t, testCfg())
	sig.online = online(true)

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sig.emit(core.EndPayload{Type: core.EventCallEnded})

	if ctrl.State() != StateEnded {
		t.Fatalf("remote end must force ended, got %s", ctrl.State())
	}
	// Remote-initiated teardown never echoes termination signals back.
	if sig.countOf(core.EventEnd) != 0 {
		t.Fatalf("receiver must not send end-call")
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&media.stream.releases) == 1 }, "media release")
}

func TestController_IceDisconnectRestartsThenEnds(t *testing.T) {
	ctrl, sig, peer, _ := newTestController(t, testCfg())
	sig.online = online(true)

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sig.emit(core.CallAnsweredPayload{Type: core.EventCallAnswered, Answer: "a"})
	peer.fireICE(webrtc.ICEConnectionStateConnected)
	if ctrl.State() != StateActive {
		t.Fatalf("expected active, got %s", ctrl.State())
	}

	peer.fireICE(webrtc.ICEConnectionStateDisconnected)

	waitFor(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return peer.restartOffers >= 1
	}, "ice restart after short grace")
	waitFor(t, func() bool { return ctrl.State() == StateEnded }, "force end after long grace")
	if sig.countOf(core.EventEnd) != 1 {
		t.Fatalf("grace expiry should notify the peer")
	}
}

func TestController_IceRecoveryCancelsForceEnd(t *testing.T) {
	ctrl, sig, peer, _ := newTestController(t, testCfg())
	sig.online = online(true)

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sig.emit(core.CallAnsweredPayload{Type: core.EventCallAnswered, Answer: "a"})
	peer.fireICE(webrtc.ICEConnectionStateConnected)

	peer.fireICE(webrtc.ICEConnectionStateDisconnected)
	peer.fireICE(webrtc.ICEConnectionStateConnected)

	time.Sleep(60 * time.Millisecond)
	if ctrl.State() != StateActive {
		t.Fatalf("recovered connection must not be force-ended, got %s", ctrl.State())
	}
}

func TestController_IceFailureBoundedRetries(t *testing.T) {
	ctrl, sig, peer, _ := newTestController(t, testCfg())
	sig.online = online(true)

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sig.emit(core.CallAnsweredPayload{Type: core.EventCallAnswered, Answer: "a"})
	peer.fireICE(webrtc.ICEConnectionStateConnected)

	peer.fireICE(webrtc.ICEConnectionStateFailed)
	peer.fireICE(webrtc.ICEConnectionStateFailed)
	if ctrl.State() == StateEnded {
		t.Fatalf("retries still available, must not end yet")
	}
	peer.fireICE(webrtc.ICEConnectionStateFailed)
	if ctrl.State() != StateEnded {
		t.Fatalf("retries exhausted, expected ended")
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.restartOffers != 2 {
		t.Fatalf("expected 2 restart offers, got %d", peer.restartOffers)
	}
}

func TestController_DebounceDefersNonTerminal(t *testing.T) {
	cfg := testCfg()
	cfg.Debounce = 60 * time.Millisecond
	ctrl, sig, _, _ := newTestController(t, cfg)

	sig.emit(core.IncomingCallPayload{Type: core.EventIncomingCall, CallerID: "doctor-7", Offer: "o"})
	if ctrl.State() != StateConnecting {
		t.Fatalf("first transition applies immediately, got %s", ctrl.State())
	}

	// Promotion inside the debounce window is deferred, not lost.
	sig.emit(core.MediaUpPayload{Type: core.EventMediaUp, TargetID: "doctor-7"})
	if ctrl.State() != StateConnecting {
		t.Fatalf("transition inside the debounce window applied early")
	}
	waitFor(t, func() bool { return ctrl.State() == StateActive }, "deferred transition")
}

func TestController_EndedBypassesDebounce(t *testing.T) {
	cfg := testCfg()
	cfg.Debounce = time.Minute
	ctrl, sig, _, _ := newTestController(t, cfg)

	sig.emit(core.IncomingCallPayload{Type: core.EventIncomingCall, CallerID: "doctor-7", Offer: "o"})
	sig.emit(core.EndPayload{Type: core.EventCallEnded})
	if ctrl.State() != StateEnded {
		t.Fatalf("ended must bypass the debounce, got %s", ctrl.State())
	}
}

func TestController_EndedCarriesDuration(t *testing.T) {
	ctrl, sig, _, _ := newTestController(t, testCfg())
	sig.online = online(true)

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sig.emit(core.CallAnsweredPayload{Type: core.EventCallAnswered, Answer: "a"})
	sig.emit(core.MediaUpPayload{Type: core.EventMediaUp, TargetID: "doctor-7"})
	time.Sleep(10 * time.Millisecond)
	ctrl.HangUp()

	var last StateChange
	for {
		select {
		case ch := <-ctrl.Changes():
			last = ch
			if ch.State == StateEnded {
				if ch.Duration <= 0 {
					t.Fatalf("ended after active must carry a duration, got %+v", last)
				}
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("never saw ended, last %+v", last)
		}
	}
}

func TestController_MediaAccessFailure(t *testing.T) {
	ctrl, sig, _, media := newTestController(t, testCfg())
	sig.online = online(true)
	media.err = errors.New("device busy")

	err := ctrl.InitiateCall(context.Background(), "doctor-7")
	if !errors.Is(err, core.ErrMediaAccess) {
		t.Fatalf("expected ErrMediaAccess, got %v", err)
	}
	if ctrl.State() != StateEnded {
		t.Fatalf("media failure should end the attempt, got %s", ctrl.State())
	}
}

func TestController_RedialInsideTeardownDelayKeepsNewStream(t *testing.T) {
	cfg := testCfg()
	cfg.TeardownDelay = 50 * time.Millisecond
	ctrl, sig, _, media := newTestController(t, cfg)
	sig.online = online(true)

	first := &fakeStream{}
	second := &fakeStream{}
	media.queue = []*fakeStream{first, second}

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	ctrl.HangUp()

	// Re-dial before the first call's delayed teardown fires. The
	// delayed release must take the old stream, not the new one.
	if err := ctrl.InitiateCall(context.Background(), "doctor-9"); err != nil {
		t.Fatalf("re-dial: %v", err)
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&first.releases) == 1 }, "first call's stream release")
	if got := atomic.LoadInt32(&second.releases); got != 0 {
		t.Fatalf("delayed teardown released the live call's stream (%d releases)", got)
	}

	ctrl.HangUp()
	waitFor(t, func() bool { return atomic.LoadInt32(&second.releases) == 1 }, "second call's stream release")
	if got := atomic.LoadInt32(&first.releases); got != 1 {
		t.Fatalf("first stream released %d times, want once", got)
	}
}

func TestController_NextCallReentersViaIdle(t *testing.T) {
	ctrl, sig, _, _ := newTestController(t, testCfg())
	sig.online = online(true)

	if err := ctrl.InitiateCall(context.Background(), "doctor-7"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	ctrl.HangUp()
	if ctrl.State() != StateEnded {
		t.Fatalf("expected ended, got %s", ctrl.State())
	}

	if err := ctrl.InitiateCall(context.Background(), "doctor-9"); err != nil {
		t.Fatalf("fresh initiate after ended: %v", err)
	}
	if ctrl.State() != StateConnecting || ctrl.Peer() != "doctor-9" {
		t.Fatalf("fresh call not set up: state=%s peer=%s", ctrl.State(), ctrl.Peer())
	}
}
