package app

import (
	"context"
	"net"
	"testing"
	"time"

	"nearbuy-chat/internal/api"
	"nearbuy-chat/internal/messaging"
	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/realtime"
	"nearbuy-chat/internal/services"
	"nearbuy-chat/internal/session"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	srv    *Server
	addr   string
	tokens *services.TokenService
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	tokens := services.NewTokenService("test-secret", time.Hour)
	srv := New(services.NewChatService(services.NewMemoryRepository()), tokens, slogt.New(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Listener(ln)
	t.Cleanup(func() { _ = srv.Shutdown() })

	return &harness{srv: srv, addr: ln.Addr().String(), tokens: tokens}
}

type user struct {
	id       string
	api      *api.Client
	channel  *realtime.Manager
	unread   *messaging.Unread
	store    *messaging.Store
	receipts *messaging.Receipts
}

func (h *harness) login(t *testing.T, userID, token string) *user {
	t.Helper()
	if token == "" {
		var err error
		token, err = h.tokens.GenerateJWT(userID, userID)
		require.NoError(t, err)
	}
	sess, err := session.New(token)
	require.NoError(t, err)

	logger := slogt.New(t).With("user", userID)
	u := &user{id: userID}
	u.api = api.NewClient("http://"+h.addr+"/api", sess, 5*time.Second, logger)
	u.channel = realtime.NewManager(realtime.Config{
		URL:            "ws://" + h.addr + "/ws",
		ReconnectDelay: 50 * time.Millisecond,
	}, sess, realtime.WebsocketDialer{}, logger)
	u.unread = messaging.NewUnread(u.api, userID, time.Hour, logger)
	u.store = messaging.NewStore(u.api, u.channel, userID, u.unread, logger)
	u.receipts = messaging.NewReceipts(u.api, u.store, u.unread, 0, logger)
	t.Cleanup(func() {
		u.store.Stop()
		u.channel.Disconnect()
	})
	return u
}

func TestEndToEnd_MessageAndReadReceipt(t *testing.T) {
	h := startHarness(t)
	alice := h.login(t, "alice", "")
	bob := h.login(t, "bob", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, u := range []*user{alice, bob} {
		require.NoError(t, u.channel.Connect())
		require.NoError(t, u.channel.WaitForReady(ctx, 5*time.Second))
	}
	go bob.unread.Run(ctx, bob.channel)

	conv, err := alice.api.GetOrCreateConversation(ctx, "bob", "listing-1")
	require.NoError(t, err)

	require.NoError(t, alice.store.Open(ctx, conv.ID))
	require.NoError(t, bob.store.Open(ctx, conv.ID))
	require.Eventually(t, func() bool {
		return h.srv.Rooms.IsUserInRoom("alice", conv.ID) && h.srv.Rooms.IsUserInRoom("bob", conv.ID)
	}, 2*time.Second, 10*time.Millisecond)

	sent, err := alice.store.Send(ctx, "is it still available?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := bob.store.Messages()
		return len(msgs) == 1 && msgs[0].ID == sent.ID
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return bob.unread.Total() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, bob.store.UnreadFromOthers())

	require.NoError(t, bob.receipts.MarkRead(ctx, conv.ID))
	assert.Equal(t, 0, bob.store.UnreadFromOthers())
	assert.Equal(t, 0, bob.unread.Total())

	require.Eventually(t, func() bool {
		msgs := alice.store.Messages()
		return len(msgs) == 1 && msgs[0].Read
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_ReconnectRejoinsRooms(t *testing.T) {
	h := startHarness(t)
	alice := h.login(t, "alice", "")
	bob := h.login(t, "bob", "")
	ctx := context.Background()

	conv, err := alice.api.GetOrCreateConversation(ctx, "bob", "")
	require.NoError(t, err)

	// Opened before connecting: the join goes out once the channel is up.
	require.NoError(t, bob.store.Open(ctx, conv.ID))
	require.NoError(t, bob.channel.Connect())
	require.NoError(t, bob.channel.WaitForReady(ctx, 5*time.Second))
	require.Eventually(t, func() bool { return h.srv.Rooms.IsUserInRoom("bob", conv.ID) }, 2*time.Second, 10*time.Millisecond)

	reconnected := make(chan struct{}, 1)
	bob.channel.Subscribe(models.EventReconnect, func(models.WSMessage) {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	require.Equal(t, 1, h.srv.Rooms.DisconnectUser("bob"))
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not reconnect")
	}
	require.Eventually(t, func() bool { return h.srv.Rooms.IsUserInRoom("bob", conv.ID) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.channel.Connect())
	require.NoError(t, alice.channel.WaitForReady(ctx, 5*time.Second))
	require.NoError(t, alice.store.Open(ctx, conv.ID))
	require.Eventually(t, func() bool { return h.srv.Rooms.IsUserInRoom("alice", conv.ID) }, 2*time.Second, 10*time.Millisecond)

	sent, err := alice.store.Send(ctx, "back online?")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := bob.store.Messages()
		return len(msgs) == 1 && msgs[0].ID == sent.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_ChannelRejectsBadToken(t *testing.T) {
	h := startHarness(t)
	forged, err := services.NewTokenService("other-secret", time.Hour).GenerateJWT("mallory", "mallory")
	require.NoError(t, err)
	mallory := h.login(t, "mallory", forged)

	require.NoError(t, mallory.channel.Connect())
	err = mallory.channel.WaitForReady(context.Background(), 5*time.Second)
	require.ErrorIs(t, err, realtime.ErrConnection)
	require.ErrorIs(t, err, realtime.ErrUnauthorized)
}
