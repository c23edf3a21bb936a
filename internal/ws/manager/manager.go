// Package manager owns the push channel of a session: one websocket with
// heartbeat, reconnect with backoff, reference-counted conversation
// subscriptions and typed event dispatch.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	"github.com/kgellert/hodatay-chatsync/internal/metrics"
	"github.com/kgellert/hodatay-chatsync/internal/ws"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateFailed is terminal for a Run call: the session was rejected.
	StateFailed State = "failed"
	// StateOffline is the degraded state after MaxRetries consecutive
	// failed attempts. Attempts continue at the backoff ceiling.
	StateOffline State = "offline"
)

// CloseUnauthorized is the close code the server uses to end a session
// whose credentials are no longer valid.
const CloseUnauthorized = 4401

const sendBuffer = 64

var (
	ErrUnauthorized   = errors.New("push channel unauthorized")
	ErrNotConnected   = errors.New("push channel not connected")
	ErrSendQueueFull  = errors.New("push channel send queue full")
	ErrAlreadyRunning = errors.New("push channel already running")
)

type Config struct {
	URL string
	// Header returns the handshake headers (credentials). May be nil.
	Header func() http.Header
	// OnUnauthorized is called once when the server rejects the session.
	OnUnauthorized func(err error)

	HeartbeatTimeout time.Duration
	PingPeriod       time.Duration
	WriteWait        time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	MaxRetries       int

	Dialer  *websocket.Dialer
	Metrics *metrics.Metrics
	// Clock drives the reconnect backoff and the ping ticker. Socket
	// deadlines always use the wall clock.
	Clock clock.Clock
}

func (c *Config) setDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.HeartbeatTimeout {
		c.PingPeriod = c.HeartbeatTimeout / 2
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

type EventHandler func(ws.Event)

type StateHandler func(State)

type Manager struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	state         State
	running       bool
	link          *link
	subs          map[int64]int
	nextHandlerID int
	eventHandlers map[int]EventHandler
	stateHandlers map[int]StateHandler
}

func New(cfg Config, log *slog.Logger) *Manager {
	cfg.setDefaults()
	if log == nil {
		log = sl.Discard()
	}

	return &Manager{
		cfg:           cfg,
		log:           log,
		state:         StateDisconnected,
		subs:          make(map[int64]int),
		eventHandlers: make(map[int]EventHandler),
		stateHandlers: make(map[int]StateHandler),
	}
}

// Run connects and keeps the channel alive until ctx is done (nil) or the
// server rejects the session (ErrUnauthorized). It may be called again
// once the session has re-authenticated.
func (m *Manager) Run(ctx context.Context) error {
	const op = "manager.Run"

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrAlreadyRunning)
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	log := m.log.With(slog.String("op", op), slog.String("url", m.cfg.URL))

	bo := m.newBackOff()
	next := StateConnecting
	failures := 0

	for {
		m.setState(next)
		if next != StateConnecting {
			m.cfg.Metrics.ReconnectAttempt()
		}

		conn, err := m.dial(ctx)
		if err == nil {
			failures = 0
			bo.Reset()

			err = m.serve(ctx, conn)
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return nil
			}
			if errors.Is(err, ErrUnauthorized) {
				return m.fail(op, err)
			}
			log.Warn("push channel lost, reconnecting", sl.Err(err))
			next = StateReconnecting
		} else {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return nil
			}
			if errors.Is(err, ErrUnauthorized) {
				return m.fail(op, err)
			}

			failures++
			log.Warn("push channel connect failed", sl.Err(err), slog.Int("attempt", failures))

			next = StateReconnecting
			if m.cfg.MaxRetries > 0 && failures >= m.cfg.MaxRetries {
				next = StateOffline
				m.setState(StateOffline)
			}
		}

		wait := bo.NextBackOff()
		timer := m.cfg.Clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(StateDisconnected)
			return nil
		case <-timer.C:
		}
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BackoffInitial
	bo.MaxInterval = m.cfg.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Clock = m.cfg.Clock
	bo.Reset()
	return bo
}

func (m *Manager) fail(op string, err error) error {
	m.setState(StateFailed)
	m.log.Error("push channel rejected the session", slog.String("op", op), sl.Err(err))
	if m.cfg.OnUnauthorized != nil {
		m.cfg.OnUnauthorized(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if m.cfg.Header != nil {
		header = m.cfg.Header()
	}

	conn, resp, err := m.cfg.Dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// serve runs one connection until it drops. The read loop runs here; the
// write pump on its own goroutine.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	l := newLink(conn)

	m.mu.Lock()
	m.link = l
	if ids := m.subscribedLocked(); len(ids) > 0 {
		if err := l.enqueueJSON(ws.SubscribeMsg(ids...)); err != nil {
			m.log.Warn("resubscribe not queued", sl.Err(err))
		}
	}
	m.mu.Unlock()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		l.writePump(m.cfg.Clock, m.cfg.PingPeriod, m.cfg.WriteWait)
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(m.cfg.WriteWait))
		_ = conn.Close()
	})

	defer func() {
		stop()
		m.mu.Lock()
		if m.link == l {
			m.link = nil
		}
		m.mu.Unlock()

		l.close()
		_ = conn.Close()
		<-pumpDone
	}()

	m.setState(StateConnected)
	m.log.Info("push channel connected", slog.Int("subscriptions", len(m.Subscriptions())))

	return m.readLoop(conn)
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout))
	}

	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(m.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, CloseUnauthorized) {
				return fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
			return err
		}
		extend()

		if err := m.handleFrame(data); err != nil {
			return err
		}
	}
}

// handleFrame decodes and dispatches one frame. Only a session rejection is
// returned; every other bad frame is logged and skipped.
func (m *Manager) handleFrame(data []byte) error {
	const op = "manager.handleFrame"

	evt, err := ws.Decode(data)
	switch {
	case errors.Is(err, ws.ErrUnknownEventType):
		m.cfg.Metrics.DroppedEvent("unknown")
		m.log.Debug("push event ignored", slog.String("op", op), sl.Err(err))
		return nil
	case err != nil:
		m.cfg.Metrics.DroppedEvent("malformed")
		m.log.Warn("push event dropped", slog.String("op", op), sl.Err(err))
		return nil
	}

	switch evt.Type {
	case ws.Hello:
		return nil
	case ws.Error:
		if evt.Error.Code == ws.ErrCodeUnauthorized {
			return fmt.Errorf("%w: %s", ErrUnauthorized, evt.Error.Message)
		}
		m.log.Warn("push channel error",
			slog.String("op", op),
			slog.String("code", evt.Error.Code),
			slog.String("message", evt.Error.Message),
		)
		return nil
	}

	m.cfg.Metrics.PushEvent(string(evt.Type))

	m.mu.Lock()
	handlers := make([]EventHandler, 0, len(m.eventHandlers))
	for _, h := range m.eventHandlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
	return nil
}

// Subscribe adds one reference to a conversation. The wire subscribe is
// sent on the first reference only.
func (m *Manager) Subscribe(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subs[chatID]++
	if m.subs[chatID] == 1 && m.link != nil {
		if err := m.link.enqueueJSON(ws.SubscribeMsg(chatID)); err != nil {
			m.log.Warn("subscribe not queued", slog.Int64("chat_id", chatID), sl.Err(err))
		}
	}
}

// Unsubscribe drops one reference. Calls at zero are ignored.
func (m *Manager) Unsubscribe(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.subs[chatID]
	if n == 0 {
		return
	}
	if n > 1 {
		m.subs[chatID] = n - 1
		return
	}

	delete(m.subs, chatID)
	if m.link != nil {
		if err := m.link.enqueueJSON(ws.UnsubscribeMsg(chatID)); err != nil {
			m.log.Warn("unsubscribe not queued", slog.Int64("chat_id", chatID), sl.Err(err))
		}
	}
}

// Subscriptions returns the conversations with a non-zero reference count,
// sorted.
func (m *Manager) Subscriptions() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribedLocked()
}

func (m *Manager) subscribedLocked() []int64 {
	ids := make([]int64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Send queues a client command on the current connection.
func (m *Manager) Send(cmd ws.ClientMsg) error {
	const op = "manager.Send"

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.link == nil {
		return fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	if err := m.link.enqueueJSON(cmd); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *Manager) OnEvent(h EventHandler) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextHandlerID
	m.nextHandlerID++
	m.eventHandlers[id] = h

	return func() {
		m.mu.Lock()
		delete(m.eventHandlers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) OnState(h StateHandler) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextHandlerID
	m.nextHandlerID++
	m.stateHandlers[id] = h

	return func() {
		m.mu.Lock()
		delete(m.stateHandlers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	if prev == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	handlers := make([]StateHandler, 0, len(m.stateHandlers))
	for _, h := range m.stateHandlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	m.cfg.Metrics.ConnectionState(string(prev), string(s))
	m.log.Debug("push channel state", slog.String("from", string(prev)), slog.String("to", string(s)))

	for _, h := range handlers {
		h(s)
	}
}

// link is the outgoing half of one connection.
type link struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func newLink(conn *websocket.Conn) *link {
	return &link{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

func (l *link) enqueueJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case l.send <- b:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// close stops the write pump. Callers hold Manager.mu or have already
// detached the link, so no enqueue races with it.
func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.send)
	})
}
