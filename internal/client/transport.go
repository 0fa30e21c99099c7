package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/medbridge/telecall/internal/config"
	"github.com/medbridge/telecall/internal/core"
	"github.com/medbridge/telecall/internal/domain"
)

// DialStrategy is one way of reaching the relay. Strategies are tried
// in preference order during reconnection.
type DialStrategy struct {
	Name string
	Dial func(ctx context.Context) (*websocket.Conn, error)
}

// WSStrategy dials a websocket endpoint with a bounded handshake.
func WSStrategy(name, url string) DialStrategy {
	return DialStrategy{
		Name: name,
		Dial: func(ctx context.Context) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// criticalEvents jump the outbound queue and get one redundant
// re-transmit even on a healthy link.
var criticalEvents = map[string]bool{
	core.EventRegister: true,
	core.EventEnd:      true,
	core.EventDecline:  true,
}

type outMsg struct {
	event string
	data  []byte
}

// Transport keeps the signaling link alive: backoff across ordered
// dial strategies, an outbound queue while disconnected, and an
// independent health probe that catches silently half-open links.
type Transport struct {
	cfg        *config.ClientConfig
	identity   domain.Identity
	strategies []DialStrategy
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	reconnecting bool
	queue        []outMsg
	handlers     map[string][]func(json.RawMessage)
	probeMisses  int
}

func NewTransport(
	cfg *config.ClientConfig,
	identity domain.Identity,
	strategies []DialStrategy,
	logger zerolog.Logger,
) *Transport {
	return &Transport{
		cfg:        cfg,
		identity:   identity,
		strategies: strategies,
		log:        logger.With().Str("module", "client.transport").Logger(),
		handlers:   make(map[string][]func(json.RawMessage)),
	}
}

// Start connects and launches the health probe. Stops when ctx ends.
func (t *Transport) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.ctx = ctx
	t.cancel = cancel
	go t.probeLoop(ctx)
	t.Reconnect()
}

func (t *Transport) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.connected = false
	t.mu.Unlock()
}

// OnEvent registers a handler for one message type. Registration is
// not synchronized with dispatch; register everything before Start.
func (t *Transport) OnEvent(event string, fn func(json.RawMessage)) {
	t.handlers[event] = append(t.handlers[event], fn)
}

// Send transmits now when connected. Critical events also get one
// delayed re-transmit for redundancy. While disconnected the message
// is queued, critical ones at the head, and reconnection kicks off.
func (t *Transport) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if !t.connected {
		t.enqueueLocked(outMsg{event: event, data: data})
		t.mu.Unlock()
		t.Reconnect()
		return nil
	}
	t.mu.Unlock()

	if err := t.writeFrame(data); err != nil {
		t.mu.Lock()
		t.enqueueLocked(outMsg{event: event, data: data})
		t.mu.Unlock()
		t.markDown()
		return nil
	}
	if criticalEvents[event] {
		time.AfterFunc(200*time.Millisecond, func() { _ = t.writeFrame(data) })
	}
	return nil
}

// SendReliable layers the shared redelivery schedule on top of Send.
func (t *Transport) SendReliable(event string, payload any) {
	Redeliver(func() { _ = t.Send(event, payload) }, t.cfg.ResendDelays)
}

func (t *Transport) enqueueLocked(m outMsg) {
	if criticalEvents[m.event] {
		t.queue = append([]outMsg{m}, t.queue...)
		return
	}
	t.queue = append(t.queue, m)
}

func (t *Transport) writeFrame(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return core.ErrTransportClosed
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) markDown() {
	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	wasConnected := t.connected
	t.connected = false
	t.mu.Unlock()
	if wasConnected {
		t.log.Warn().Msg("link down")
		t.Reconnect()
	}
}

// Reconnect kicks the reconnection loop off unless one is already in
// progress. Safe to call from any goroutine, including when healthy:
// a live link makes it a no-op.
func (t *Transport) Reconnect() {
	t.mu.Lock()
	if t.connected || t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.mu.Unlock()
	go t.reconnectLoop()
}

// reconnectLoop walks the strategy list in order, each with a bounded
// retry count and fixed inter-attempt delay. Exhausting every strategy
// forces one brand-new attempt on the preferred route, then the walk
// repeats until the transport is closed.
func (t *Transport) reconnectLoop() {
	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	ctx := t.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		for _, strat := range t.strategies {
			for attempt := 1; attempt <= t.cfg.RetriesPerRoute; attempt++ {
				if ctx.Err() != nil {
					return
				}
				if t.tryDial(ctx, strat) {
					return
				}
				t.log.Warn().Str("strategy", strat.Name).Int("attempt", attempt).Msg("dial failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(t.cfg.RetryDelay):
				}
			}
		}
		// Every strategy exhausted: force one fresh attempt on the
		// preferred route before walking the list again.
		if len(t.strategies) > 0 && t.tryDial(ctx, t.strategies[0]) {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (t *Transport) tryDial(ctx context.Context, strat DialStrategy) bool {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.AttemptTimeout)
	conn, err := strat.Dial(dialCtx)
	cancel()
	if err != nil {
		return false
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.probeMisses = 0
	t.mu.Unlock()
	t.log.Info().Str("strategy", strat.Name).Msg("link up")

	go t.readLoop(conn)
	t.announce()
	t.flushQueue()
	return true
}

// announce re-registers the identity after every (re)connect so the
// relay can rebuild presence for the new handle.
func (t *Transport) announce() {
	data, _ := json.Marshal(core.RegisterPayload{
		Type:     core.EventRegister,
		Identity: string(t.identity),
	})
	if err := t.writeFrame(data); err != nil {
		t.log.Error().Err(err).Msg("announce")
	}
}

// flushQueue drains the outbound queue in order with a small spacing
// between messages so the relay is not hit with a burst.
func (t *Transport) flushQueue() {
	t.mu.Lock()
	queued := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, m := range queued {
		if err := t.writeFrame(m.data); err != nil {
			t.log.Warn().Str("event", m.event).Msg("flush aborted, requeueing")
			t.mu.Lock()
			t.queue = append(t.queue, m)
			t.mu.Unlock()
			t.markDown()
			return
		}
		time.Sleep(t.cfg.FlushSpacing)
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.log.Warn().Err(err).Msg("read loop exit")
			t.markDown()
			return
		}
		t.dispatch(data)
	}
}

func (t *Transport) dispatch(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.log.Error().Err(err).Msg("bad frame")
		return
	}
	for _, fn := range t.handlers[env.Type] {
		fn(json.RawMessage(data))
	}
}

// probeLoop pings the relay on a fixed interval. After enough
// consecutive misses it forces a reconnect even when no send was ever
// attempted, which catches silently half-open connections.
func (t *Transport) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			connected := t.connected
			t.mu.Unlock()
			if !connected {
				// A link that died mid-reconnect can be left down with
				// no retry pending; the probe is the backstop.
				t.Reconnect()
				continue
			}
			data, _ := json.Marshal(map[string]string{"type": core.EventPing})
			if err := t.writeFrame(data); err != nil {
				t.mu.Lock()
				t.probeMisses++
				misses := t.probeMisses
				t.mu.Unlock()
				if misses >= t.cfg.MaxProbeFailures {
					t.log.Warn().Int("misses", misses).Msg("health probe exhausted")
					t.markDown()
				}
				continue
			}
			t.mu.Lock()
			t.probeMisses = 0
			t.mu.Unlock()
		}
	}
}
