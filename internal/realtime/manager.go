// Package realtime owns the session's single channel connection to the chat
// backend: connection lifecycle, reconnection, room membership and event
// subscriptions.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/session"
	"nearbuy-chat/internal/utils"

	"github.com/fasthttp/websocket"
)

var (
	ErrConnectionTimeout = errors.New("realtime: timed out waiting for the connection")
	ErrConnection        = errors.New("realtime: connection error")
	ErrUnauthorized      = errors.New("realtime: credential rejected")
	ErrNoCredential      = errors.New("realtime: session has no credential")
	ErrNotConnected      = errors.New("realtime: not connected")
)

type Config struct {
	URL string
	// ReconnectDelay is the fixed pause between connection attempts.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failed attempts; 0 retries forever.
	MaxReconnectAttempts int
	// ReadyTimeout is used by WaitForReady when no timeout is given.
	ReadyTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
}

// Manager is the handle other components attach to. It stays valid across
// reconnects; only Manager opens or closes the underlying connection.
type Manager struct {
	cfg     Config
	session *session.Session
	dialer  Dialer
	logger  *slog.Logger
	bus     *bus

	writeMu sync.Mutex

	mu            sync.Mutex
	state         models.ConnectionState
	conn          Conn
	cancel        context.CancelFunc
	run           uint64
	everConnected bool
	lastErr       error
	errSeq        uint64
	changed       chan struct{}
	rooms         map[string]int
}

func NewManager(cfg Config, sess *session.Session, dialer Dialer, logger *slog.Logger) *Manager {
	cfg.defaults()
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	return &Manager{
		cfg:     cfg,
		session: sess,
		dialer:  dialer,
		logger:  utils.OrDiscard(logger).With("component", "realtime"),
		bus:     newBus(),
		state:   models.StateDisconnected,
		changed: make(chan struct{}),
		rooms:   make(map[string]int),
	}
}

// Connect starts connecting in the background. It is a no-op while a
// connection exists or is being established.
func (m *Manager) Connect() error {
	if !m.session.Authenticated() {
		return ErrNoCredential
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.run++
	run := m.run
	m.lastErr = nil
	m.everConnected = false
	m.setStateLocked(models.StateConnecting)
	m.mu.Unlock()

	go m.loop(ctx, run)
	return nil
}

// Disconnect tears the connection down and stops any reconnection. Safe to
// call when not connected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	m.cancel = nil
	m.conn = nil
	m.everConnected = false
	m.lastErr = nil
	m.setStateLocked(models.StateDisconnected)
	// Canceled under the lock: attach, failed and detach check ctx while
	// holding it, so none of them can install state after this point.
	if cancel != nil {
		cancel()
	}
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.logger.Info("disconnected")
	m.bus.publish(models.WSMessage{Event: models.EventDisconnect})
	return err
}

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsReady reports whether the channel is connected.
func (m *Manager) IsReady() bool {
	return m.State() == models.StateConnected
}

// Err returns the last connection error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// WaitForReady blocks until the channel is connected. It fails with
// ErrConnectionTimeout when timeout elapses first and with ErrConnection when
// a connection attempt fails first. A non-positive timeout uses the configured
// ReadyTimeout.
func (m *Manager) WaitForReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.cfg.ReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	m.mu.Lock()
	startSeq := m.errSeq
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.state == models.StateConnected {
			m.mu.Unlock()
			return nil
		}
		// Either a new attempt failed, or the last one failed for good and
		// nothing is going to change.
		settled := m.state == models.StateDisconnected && m.cancel == nil && m.lastErr != nil
		if m.errSeq != startSeq || settled {
			err := m.lastErr
			m.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return ErrConnectionTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe registers fn for event. The returned function removes it and may
// be called more than once.
func (m *Manager) Subscribe(event string, fn Handler) func() {
	return m.bus.subscribe(event, fn)
}

// Join adds the conversation room to the subscription set. The join is sent
// now when connected and replayed after every reconnect.
func (m *Manager) Join(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.rooms[conversationID]++
	first := m.rooms[conversationID] == 1
	conn := m.conn
	m.mu.Unlock()

	if !first || conn == nil {
		return nil
	}
	return m.write(conn, models.WSMessage{Event: models.EventJoin, ConversationID: conversationID})
}

// Leave drops one reference to the room and leaves it when none remain.
func (m *Manager) Leave(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	n, ok := m.rooms[conversationID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if n > 1 {
		m.rooms[conversationID] = n - 1
		m.mu.Unlock()
		return nil
	}
	delete(m.rooms, conversationID)
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return m.write(conn, models.WSMessage{Event: models.EventLeave, ConversationID: conversationID})
}

// Rooms returns the joined rooms, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomsLocked()
}

func (m *Manager) roomsLocked() []string {
	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// Emit writes one frame to the channel.
func (m *Manager) Emit(ctx context.Context, msg models.WSMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	ready := m.state == models.StateConnected
	m.mu.Unlock()
	if !ready || conn == nil {
		return ErrNotConnected
	}
	return m.write(conn, msg)
}

func (m *Manager) write(conn Conn, msg models.WSMessage) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Event, err)
	}
	return nil
}

func (m *Manager) loop(ctx context.Context, run uint64) {
	defer m.finish(run)

	failures := 0
	for {
		conn, err := m.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			failures++
			if !m.failed(ctx, err, failures) {
				return
			}
			if !sleep(ctx, m.cfg.ReconnectDelay) {
				return
			}
			m.retrying(ctx)
			continue
		}

		failures = 0
		if !m.attach(ctx, conn) {
			conn.Close()
			return
		}
		err = m.readLoop(conn)
		if ctx.Err() != nil {
			return
		}
		m.detach(ctx, conn, err)
		if !sleep(ctx, m.cfg.ReconnectDelay) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	token := m.session.Token()
	if token == "" {
		return nil, ErrNoCredential
	}
	target, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse channel url: %w", err)
	}
	q := target.Query()
	q.Set("access_token", token)
	target.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return m.dialer.Dial(ctx, target.String(), header)
}

// failed records a failed attempt and reports whether to try again.
func (m *Manager) failed(ctx context.Context, err error, failures int) bool {
	fatal := errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoCredential)
	exhausted := m.cfg.MaxReconnectAttempts > 0 && failures >= m.cfg.MaxReconnectAttempts

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.lastErr = err
	m.errSeq++
	if m.everConnected && !fatal && !exhausted {
		m.notifyLocked()
	} else {
		m.setStateLocked(models.StateDisconnected)
	}
	m.mu.Unlock()

	if fatal {
		m.logger.Error("channel rejected the session credential", "error", err)
		m.session.Invalidate()
	} else {
		m.logger.Warn("connection attempt failed", "error", err, "attempt", failures)
	}
	m.bus.publish(models.WSMessage{Event: models.EventConnectError, Error: err.Error()})
	return !fatal && !exhausted
}

func (m *Manager) retrying(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if m.everConnected {
		m.setStateLocked(models.StateReconnecting)
	} else {
		m.setStateLocked(models.StateConnecting)
	}
}

// attach installs a fresh connection, replays room joins on it and only then
// reports the channel as connected, so no push is read before the joins.
func (m *Manager) attach(ctx context.Context, conn Conn) bool {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	rooms := m.roomsLocked()
	m.mu.Unlock()

	for _, id := range rooms {
		if err := m.write(conn, models.WSMessage{Event: models.EventJoin, ConversationID: id}); err != nil {
			m.logger.Warn("room replay failed", "conversation_id", id, "error", err)
		}
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	reconnected := m.everConnected
	m.everConnected = true
	m.lastErr = nil
	m.setStateLocked(models.StateConnected)
	m.mu.Unlock()

	m.logger.Info("connected", "rooms", len(rooms), "reconnect", reconnected)
	m.bus.publish(models.WSMessage{Event: models.EventConnect})
	if reconnected {
		m.bus.publish(models.WSMessage{Event: models.EventReconnect})
	}
	return true
}

func (m *Manager) detach(ctx context.Context, conn Conn, cause error) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if m.conn == conn {
		m.conn = nil
	}
	m.setStateLocked(models.StateReconnecting)
	m.mu.Unlock()

	conn.Close()
	m.logger.Warn("connection lost", "error", cause)
	m.bus.publish(models.WSMessage{Event: models.EventDisconnect, Error: errString(cause)})
}

func (m *Manager) readLoop(conn Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg models.WSMessage
		if err := utils.SafeJSONParse(data, &msg); err != nil {
			m.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if msg.Event == "" {
			continue
		}
		m.bus.publish(msg)
	}
}

func (m *Manager) finish(run uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == run && m.cancel != nil {
		m.cancel()
		m.cancel = nil
		m.conn = nil
		m.notifyLocked()
	}
}

func (m *Manager) setStateLocked(state models.ConnectionState) {
	if m.state == state {
		return
	}
	m.state = state
	m.notifyLocked()
}

// notifyLocked wakes every WaitForReady caller.
func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

