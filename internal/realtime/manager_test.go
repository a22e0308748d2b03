package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/session"

	"github.com/fasthttp/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDelay = 20 * time.Millisecond

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []models.WSMessage
}

func newFakeConn(frames ...models.WSMessage) *fakeConn {
	c := &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	for _, f := range frames {
		c.push(f)
	}
	return c
}

func (c *fakeConn) push(msg models.WSMessage) {
	data, _ := json.Marshal(msg)
	c.frames <- data
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.frames:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(models.WSMessage))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() []models.WSMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.WSMessage(nil), c.written...)
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeDialer hands out results in order and repeats the last one.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
	urls    []string
	headers []http.Header
}

func (d *fakeDialer) Dial(_ context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	if idx >= len(d.results) {
		idx = len(d.results) - 1
	}
	d.calls++
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header)

	r := d.results[idx]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testSession(t *testing.T) *session.Session {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  "u-1",
		"username": "alice",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	s, err := session.New(token)
	require.NoError(t, err)
	return s
}

func newTestManager(t *testing.T, sess *session.Session, d Dialer, maxAttempts int) *Manager {
	t.Helper()
	m := NewManager(Config{
		URL:                  "ws://chat.test/ws",
		ReconnectDelay:       testDelay,
		MaxReconnectAttempts: maxAttempts,
	}, sess, d, slogt.New(t))
	t.Cleanup(func() { m.Disconnect() })
	return m
}

func waitReady(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.WaitForReady(context.Background(), time.Second))
}

func TestConnect_NoCredential(t *testing.T) {
	d := &fakeDialer{results: []dialResult{{conn: newFakeConn()}}}
	m := newTestManager(t, session.Anonymous(), d, 0)

	require.ErrorIs(t, m.Connect(), ErrNoCredential)
	assert.Equal(t, models.StateDisconnected, m.State())
	assert.Zero(t, d.Calls())
}

func TestWaitForReady_TimesOutWithoutConnect(t *testing.T) {
	d := &fakeDialer{results: []dialResult{{conn: newFakeConn()}}}
	m := newTestManager(t, testSession(t), d, 0)

	start := time.Now()
	err := m.WaitForReady(context.Background(), 150*time.Millisecond)
	require.ErrorIs(t, err, ErrConnectionTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Zero(t, d.Calls())
}

func TestWaitForReady_RespectsContext(t *testing.T) {
	m := newTestManager(t, testSession(t), &fakeDialer{results: []dialResult{{conn: newFakeConn()}}}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.WaitForReady(ctx, time.Minute), context.Canceled)
}

func TestConnect_Idempotent(t *testing.T) {
	d := &fakeDialer{results: []dialResult{{conn: newFakeConn()}}}
	m := newTestManager(t, testSession(t), d, 0)

	require.NoError(t, m.Connect())
	require.NoError(t, m.Connect())
	waitReady(t, m)
	require.NoError(t, m.Connect())

	assert.True(t, m.IsReady())
	assert.Equal(t, 1, d.Calls())
	assert.Contains(t, d.urls[0], "access_token=")
	assert.Contains(t, d.headers[0].Get("Authorization"), "Bearer ")
}

func TestConnect_ErrorThenRetry(t *testing.T) {
	d := &fakeDialer{results: []dialResult{
		{err: errors.New("connection refused")},
		{conn: newFakeConn()},
	}}
	m := newTestManager(t, testSession(t), d, 0)

	var mu sync.Mutex
	var connectErrors []string
	m.Subscribe(models.EventConnectError, func(msg models.WSMessage) {
		mu.Lock()
		defer mu.Unlock()
		connectErrors = append(connectErrors, msg.Error)
	})

	require.NoError(t, m.Connect())
	require.Eventually(t, m.IsReady, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"connection refused"}, connectErrors)
	assert.Equal(t, 2, d.Calls())
	assert.NoError(t, m.Err())
}

func TestWaitForReady_FailsOnConnectError(t *testing.T) {
	d := &fakeDialer{results: []dialResult{{err: errors.New("connection refused")}}}
	m := newTestManager(t, testSession(t), d, 1)

	require.NoError(t, m.Connect())
	err := m.WaitForReady(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "connection refused")

	// A settled failure keeps failing fast.
	require.ErrorIs(t, m.WaitForReady(context.Background(), time.Second), ErrConnection)
	assert.Equal(t, models.StateDisconnected, m.State())
}

func TestConnect_UnauthorizedIsNotRetried(t *testing.T) {
	d := &fakeDialer{results: []dialResult{
		{err: fmt.Errorf("%w: handshake status 401", ErrUnauthorized)},
	}}
	sess := testSession(t)
	m := newTestManager(t, sess, d, 0)

	require.NoError(t, m.Connect())
	err := m.WaitForReady(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrConnection)
	require.ErrorIs(t, err, ErrUnauthorized)

	time.Sleep(5 * testDelay)
	assert.Equal(t, 1, d.Calls())
	assert.Equal(t, models.StateDisconnected, m.State())
	assert.ErrorIs(t, m.Err(), ErrUnauthorized)
	assert.False(t, sess.Authenticated())
}

func TestReconnect_ReplaysJoinsBeforePushes(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn(models.WSMessage{
		Event:          models.EventReceiveMessage,
		ConversationID: "c-1",
		Message:        &models.Message{ID: "m-1", ConversationID: "c-1", SenderID: "u-2", Text: "hi"},
	})
	d := &fakeDialer{results: []dialResult{{conn: first}, {conn: second}}}
	m := newTestManager(t, testSession(t), d, 0)

	ctx := context.Background()
	require.NoError(t, m.Join(ctx, "c-2"))
	require.NoError(t, m.Join(ctx, "c-1"))

	received := make(chan []models.WSMessage, 1)
	m.Subscribe(models.EventReceiveMessage, func(models.WSMessage) {
		received <- second.Written()
	})
	reconnected := make(chan struct{}, 1)
	m.Subscribe(models.EventReconnect, func(models.WSMessage) {
		reconnected <- struct{}{}
	})

	require.NoError(t, m.Connect())
	waitReady(t, m)
	assert.Equal(t, []models.WSMessage{
		{Event: models.EventJoin, ConversationID: "c-1"},
		{Event: models.EventJoin, ConversationID: "c-2"},
	}, first.Written())

	first.Close()

	select {
	case written := <-received:
		assert.Equal(t, []models.WSMessage{
			{Event: models.EventJoin, ConversationID: "c-1"},
			{Event: models.EventJoin, ConversationID: "c-2"},
		}, written)
	case <-time.After(time.Second):
		t.Fatal("push was not delivered after reconnect")
	}

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("reconnect event was not published")
	}
	assert.True(t, m.IsReady())
	assert.Equal(t, 2, d.Calls())
}

func TestDisconnect_StopsReconnection(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	m := newTestManager(t, testSession(t), d, 0)

	disconnected := make(chan struct{}, 1)
	m.Subscribe(models.EventDisconnect, func(models.WSMessage) {
		disconnected <- struct{}{}
	})

	require.NoError(t, m.Connect())
	waitReady(t, m)
	require.NoError(t, m.Disconnect())
	require.NoError(t, m.Disconnect())

	<-disconnected
	time.Sleep(5 * testDelay)
	assert.Equal(t, models.StateDisconnected, m.State())
	assert.Equal(t, 1, d.Calls())
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection was not closed")
	}
}

func TestMaxReconnectAttempts(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{
		{conn: conn},
		{err: errors.New("connection refused")},
	}}
	m := newTestManager(t, testSession(t), d, 2)

	require.NoError(t, m.Connect())
	waitReady(t, m)

	conn.Close()
	require.Eventually(t, func() bool {
		return m.State() == models.StateDisconnected
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, d.Calls())
	assert.Error(t, m.Err())
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	m := newTestManager(t, testSession(t), d, 0)

	var mu sync.Mutex
	var got []string
	unsubscribe := m.Subscribe(models.EventNewMessage, func(msg models.WSMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg.ConversationID)
	})
	done := make(chan struct{}, 4)
	m.Subscribe(models.EventNewMessage, func(models.WSMessage) {
		done <- struct{}{}
	})

	require.NoError(t, m.Connect())
	waitReady(t, m)

	conn.push(models.WSMessage{Event: models.EventNewMessage, ConversationID: "c-1"})
	<-done
	unsubscribe()
	unsubscribe()
	conn.push(models.WSMessage{Event: models.EventNewMessage, ConversationID: "c-2"})
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c-1"}, got)
}

func TestJoinLeave_ReferenceCounted(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	m := newTestManager(t, testSession(t), d, 0)
	ctx := context.Background()

	require.NoError(t, m.Connect())
	waitReady(t, m)

	require.NoError(t, m.Join(ctx, "c-1"))
	require.NoError(t, m.Join(ctx, "c-1"))
	require.NoError(t, m.Leave(ctx, "c-1"))
	assert.Equal(t, []string{"c-1"}, m.Rooms())

	require.NoError(t, m.Leave(ctx, "c-1"))
	require.NoError(t, m.Leave(ctx, "c-1"))
	assert.Empty(t, m.Rooms())

	assert.Equal(t, []models.WSMessage{
		{Event: models.EventJoin, ConversationID: "c-1"},
		{Event: models.EventLeave, ConversationID: "c-1"},
	}, conn.Written())
}

func TestEmit(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	m := newTestManager(t, testSession(t), d, 0)
	ctx := context.Background()

	msg := models.WSMessage{Event: models.EventSendMessage, ConversationID: "c-1"}
	require.ErrorIs(t, m.Emit(ctx, msg), ErrNotConnected)

	require.NoError(t, m.Connect())
	waitReady(t, m)
	require.NoError(t, m.Emit(ctx, msg))
	assert.Equal(t, []models.WSMessage{msg}, conn.Written())
}

func TestReadLoop_SkipsMalformedFrames(t *testing.T) {
	conn := newFakeConn()
	conn.frames <- []byte("{not json")
	conn.frames <- []byte(`{"conversationId":"c-9"}`)
	conn.push(models.WSMessage{Event: models.EventNewMessage, ConversationID: "c-1"})
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	m := newTestManager(t, testSession(t), d, 0)

	got := make(chan string, 1)
	m.Subscribe(models.EventNewMessage, func(msg models.WSMessage) {
		got <- msg.ConversationID
	})
	require.NoError(t, m.Connect())

	select {
	case id := <-got:
		assert.Equal(t, "c-1", id)
	case <-time.After(time.Second):
		t.Fatal("valid frame was not delivered")
	}
	assert.True(t, m.IsReady())
}

type dialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

func (f dialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

func TestDisconnect_LeavesNothingBehind(t *testing.T) {
	var (
		mu     sync.Mutex
		dialed []*fakeConn
	)
	d := dialerFunc(func(context.Context, string, http.Header) (Conn, error) {
		c := newFakeConn()
		mu.Lock()
		dialed = append(dialed, c)
		mu.Unlock()
		return c, nil
	})
	m := newTestManager(t, testSession(t), d, 0)
	require.NoError(t, m.Join(context.Background(), "c-1"))

	for i := 0; i < 50; i++ {
		require.NoError(t, m.Connect())
		if i%2 == 1 {
			time.Sleep(time.Millisecond)
		}
		require.NoError(t, m.Disconnect())
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range dialed {
			select {
			case <-c.closed:
			default:
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "every dialed connection is closed")

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Nil(t, m.conn)
	assert.Nil(t, m.cancel)
	assert.NoError(t, m.lastErr)
	assert.Equal(t, models.StateDisconnected, m.state)
}
