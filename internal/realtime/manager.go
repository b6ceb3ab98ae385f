package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/candorlabs/candor/internal/backoff"
	"github.com/candorlabs/candor/internal/logging"
)

const (
	writeWait = 10 * time.Second
	// sendBuffer bounds the outbound queue; a full buffer rejects the
	// send rather than blocking the caller.
	sendBuffer = 16
)

// ErrNotConnected is returned when sending on a channel that is not live.
var ErrNotConnected = errors.New("push channel not connected")

// ErrSendBufferFull is returned when the outbound queue is saturated.
var ErrSendBufferFull = errors.New("push channel send buffer full")

// StateListener observes connection state transitions. Called from the
// manager's run goroutine; implementations must not block.
type StateListener func(old, new State)

// Handler receives every inbound envelope, in arrival order.
type Handler func(Envelope)

// Manager owns one push channel. It dials, keeps the connection alive with
// heartbeats, reconnects with exponential backoff, and surfaces every state
// transition to listeners.
type Manager struct {
	url       string
	header    http.Header
	policy    backoff.Policy
	heartbeat time.Duration
	// missedLimit is how many silent heartbeat intervals equal a dead
	// connection, even when the transport never reported closure.
	missedLimit int
	dialer      *websocket.Dialer
	logger      *slog.Logger
	handler     Handler

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	// send feeds the write pump of the live connection; nil while
	// disconnected. The pump is the only goroutine that writes on conn.
	send      chan []byte
	listeners []StateListener
	// intent is the single most-recent subscribe envelope, replayed on
	// every reconnect. Older intents are dropped, never queued.
	intent *Envelope
	cancel context.CancelFunc
	force  chan struct{}
	done   chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHeader sets the handshake headers (bearer token carriage).
func WithHeader(h http.Header) ManagerOption {
	return func(m *Manager) { m.header = h }
}

// WithBackoff sets the reconnect schedule.
func WithBackoff(p backoff.Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithHeartbeat sets the keepalive interval and how many missed intervals
// force a reconnect.
func WithHeartbeat(interval time.Duration, missedLimit int) ManagerOption {
	return func(m *Manager) {
		m.heartbeat = interval
		if missedLimit > 0 {
			m.missedLimit = missedLimit
		}
	}
}

// WithHandler sets the inbound envelope handler.
func WithHandler(h Handler) ManagerOption {
	return func(m *Manager) { m.handler = h }
}

// WithDialer overrides the WebSocket dialer; tests use this.
func WithDialer(d *websocket.Dialer) ManagerOption {
	return func(m *Manager) { m.dialer = d }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager for the push channel at url
// (ws:// or wss://).
func NewManager(url string, opts ...ManagerOption) *Manager {
	m := &Manager{
		url:         url,
		policy:      backoff.Default(),
		heartbeat:   25 * time.Second,
		missedLimit: 2,
		dialer:      websocket.DefaultDialer,
		logger:      logging.Realtime(),
		state:       StateIdle,
		force:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange registers a transition listener. Listeners added after
// Connect still see all subsequent transitions.
func (m *Manager) OnStateChange(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connection loop: idle -> connecting -> connected on
// success, with backoff retries on failure. It returns immediately; state
// listeners observe progress. Calling Connect twice is an error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return errors.New("push channel already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.transition(StateConnecting)
	go m.run(runCtx)
	return nil
}

// Disconnect tears the channel down. It is idempotent and reachable from
// any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	conn := m.conn
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	m.transition(StateClosed)
	if done != nil {
		<-done
	}
}

// ForceReconnect resets the backoff counter and retries immediately. Used
// by the explicit "Reconnect" action after the channel entered failed; on
// a live channel it forces a fresh dial.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		// Failing the read loop triggers an immediate redial; the
		// counter resets on the dial that follows, so no force token
		// is needed. Posting one here would leak into a later backoff
		// wait and silently skip a scheduled delay.
		conn.Close()
		return
	}
	select {
	case m.force <- struct{}{}:
	default:
	}
}

// Subscribe records the subscribe intent for the given channels and sends
// it when the channel is live. Only the most recent intent survives a
// reconnect; earlier ones are stale and dropped.
func (m *Manager) Subscribe(channels ...string) error {
	env := NewSubscribe(channels...)

	m.mu.Lock()
	m.intent = &env
	m.mu.Unlock()

	return m.enqueue(env)
}

// Send hands an envelope to the write pump of the live channel. Nothing is
// queued while disconnected.
func (m *Manager) Send(env Envelope) error {
	return m.enqueue(env)
}

// enqueue places a marshalled envelope on the live connection's send
// channel. Callers never touch the websocket directly; only the write pump
// does, because the transport allows a single concurrent writer.
func (m *Manager) enqueue(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	send := m.send
	live := m.state == StateConnected && send != nil
	m.mu.Unlock()

	if !live {
		return ErrNotConnected
	}
	select {
	case send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// transition moves the state machine and notifies listeners. Transitions
// out of StateClosed are refused; Disconnect is final.
func (m *Manager) transition(next State) {
	m.mu.Lock()
	if m.state == StateClosed && next != StateClosed {
		m.mu.Unlock()
		return
	}
	old := m.state
	if old == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Debug("connection state changed", "from", old.String(), "to", next.String())
	for _, l := range listeners {
		l(old, next)
	}
}

// run is the connection loop. One successful connection resets the backoff
// counter to the base delay.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	counter := backoff.NewCounter(m.policy)
	for {
		if ctx.Err() != nil {
			return
		}

		conn, resp, err := m.dialer.DialContext(ctx, m.url, m.header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !m.waitBackoff(ctx, counter, err) {
				return
			}
			continue
		}

		counter.Reset()
		send := make(chan []byte, sendBuffer)
		m.mu.Lock()
		m.conn = conn
		m.send = send
		m.mu.Unlock()
		m.transition(StateConnected)
		m.replayIntent()

		err = m.serve(ctx, conn, send)
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.send = nil
		}
		m.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("push channel lost, reconnecting", "error", err)
		m.transition(StateReconnecting)
	}
}

// waitBackoff sleeps for the next backoff delay. It returns false when the
// run loop should exit. ForceReconnect cancels the pending timer, resets
// the counter, and retries immediately, including out of StateFailed.
func (m *Manager) waitBackoff(ctx context.Context, counter *backoff.Counter, cause error) bool {
	m.transition(StateReconnecting)
	delay, ok := counter.Next()
	if !ok {
		m.logger.Error("push channel retries exhausted", "attempts", counter.Attempt(), "error", cause)
		m.transition(StateFailed)
		select {
		case <-ctx.Done():
			return false
		case <-m.force:
			counter.Reset()
			m.transition(StateReconnecting)
			return true
		}
	}

	m.logger.Debug("push channel retry scheduled", "delay", delay, "attempt", counter.Attempt(), "error", cause)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.force:
		counter.Reset()
		return true
	case <-timer.C:
		return true
	}
}

// replayIntent re-queues the single retained subscribe intent after a
// reconnect.
func (m *Manager) replayIntent() {
	m.mu.Lock()
	intent := m.intent
	m.mu.Unlock()
	if intent == nil {
		return
	}
	if err := m.enqueue(*intent); err != nil {
		m.logger.Warn("failed to replay subscribe intent", "error", err)
	}
}

// serve pumps the live connection: the write pump owns every outbound
// frame and enforces the heartbeat, while the read loop dispatches
// envelopes. Missing pongs for missedLimit intervals fails the read
// deadline, which surfaces silently-dead connections the transport never
// reports.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn, send <-chan []byte) error {
	deadline := time.Duration(m.missedLimit) * m.heartbeat
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go m.writePump(pumpCtx, conn, send)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(deadline))

		env, err := ParseEnvelope(data)
		if err != nil {
			// Malformed frame: recovered, never fatal.
			m.logger.Warn("dropping malformed push message", "error", err)
			continue
		}
		if m.handler != nil {
			m.handler(env)
		}
	}
}

// writePump is the sole writer on conn. It multiplexes queued envelopes
// with the heartbeat ticker so pings and data frames never race on the
// connection. A failed write closes conn, which fails the read loop and
// starts the reconnect cycle.
func (m *Manager) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
