// Command chatcli is a terminal client for the chat: it keeps the real-time
// channel open, shows the open conversation and sends what you type.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nearbuy-chat/internal/api"
	"nearbuy-chat/internal/config"
	"nearbuy-chat/internal/messaging"
	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/realtime"
	"nearbuy-chat/internal/session"
	"nearbuy-chat/internal/utils"
)

const help = `commands:
  /list                       conversations
  /start <user> [listing]     start or resume a conversation
  /open <conversation>        open a conversation
  /close                      close the open conversation
  /unread                     unread count
  /quit
anything else is sent to the open conversation`

type client struct {
	userID   string
	api      *api.Client
	channel  *realtime.Manager
	unread   *messaging.Unread
	store    *messaging.Store
	receipts *messaging.Receipts
	inbox    *messaging.Inbox
	composer *messaging.Composer
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := utils.NewLogger(cfg.Env)

	sess, err := session.New(cfg.Token)
	if err != nil {
		logger.Error("CHAT_TOKEN is not a usable session token", "error", err)
		os.Exit(1)
	}

	c := &client{userID: sess.UserID()}
	c.api = api.NewClient(cfg.APIURL, sess, cfg.CallTimeout, logger)
	c.channel = realtime.NewManager(realtime.Config{
		URL:                  cfg.SocketURL,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReadyTimeout:         cfg.ReadyTimeout,
	}, sess, realtime.WebsocketDialer{}, logger)
	c.unread = messaging.NewUnread(c.api, c.userID, cfg.UnreadRefresh, logger)
	c.store = messaging.NewStore(c.api, c.channel, c.userID, c.unread, logger)
	c.receipts = messaging.NewReceipts(c.api, c.store, c.unread, cfg.ReadThreshold, logger)
	c.inbox = messaging.NewInbox(c.api, c.userID, logger)
	c.composer = messaging.NewComposer(c.store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Channel handlers run on the read goroutine; hand events to the main loop.
	events := make(chan models.WSMessage, 64)
	forward := func(msg models.WSMessage) {
		select {
		case events <- msg:
		default:
			logger.Warn("dropping event, terminal is busy", "event", msg.Event)
		}
	}
	for _, event := range []string{models.EventReceiveMessage, models.EventNewMessage, models.EventDisconnect, models.EventReconnect} {
		defer c.channel.Subscribe(event, forward)()
	}
	defer c.inbox.Watch(c.channel)()
	defer c.store.Stop()

	if err := c.channel.Connect(); err != nil {
		logger.Error("cannot connect", "error", err)
		os.Exit(1)
	}
	defer c.channel.Disconnect()
	if err := c.channel.WaitForReady(ctx, cfg.ReadyTimeout); err != nil {
		if errors.Is(err, realtime.ErrUnauthorized) {
			logger.Error("the server rejected CHAT_TOKEN", "error", err)
			os.Exit(1)
		}
		logger.Warn("continuing without live updates", "error", err)
	}
	go c.unread.Run(ctx, c.channel)

	if err := c.inbox.Load(ctx); err != nil {
		logger.Warn("could not load conversations", "error", err)
	}
	fmt.Println(help)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-events:
			c.show(ctx, msg)
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return
			}
			c.command(ctx, line)
		}
	}
}

func (c *client) command(ctx context.Context, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "/list":
		c.printInbox()
	case "/start":
		if len(fields) < 2 {
			fmt.Println("usage: /start <user> [listing]")
			return
		}
		listing := ""
		if len(fields) > 2 {
			listing = fields[2]
		}
		conv, err := c.inbox.StartConversation(ctx, fields[1], listing)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		c.open(ctx, conv.ID)
	case "/open":
		if len(fields) < 2 {
			fmt.Println("usage: /open <conversation>")
			return
		}
		c.open(ctx, fields[1])
	case "/close":
		if err := c.store.Close(ctx); err != nil {
			fmt.Println("error:", err)
		}
	case "/unread":
		fmt.Printf("%d unread\n", c.unread.Total())
	case "/help":
		fmt.Println(help)
	default:
		c.composer.SetDraft(line)
		if _, err := c.composer.Submit(ctx); err != nil {
			fmt.Println("not sent:", err)
		}
	}
}

func (c *client) open(ctx context.Context, conversationID string) {
	err := c.store.Open(ctx, conversationID)
	switch {
	case errors.Is(err, messaging.ErrNotFound):
		fmt.Println("no such conversation")
		return
	case errors.Is(err, messaging.ErrLoadError):
		fmt.Println("could not load the conversation, /open again to retry")
	case err != nil:
		fmt.Println("error:", err)
		return
	}

	for _, group := range messaging.GroupByDay(c.store.Messages(), time.Now()) {
		fmt.Printf("-- %s --\n", group.Label)
		for _, m := range group.Messages {
			c.printMessage(m)
		}
	}
	if err == nil {
		c.receipts.OnOpened(ctx)
	}
}

func (c *client) show(ctx context.Context, msg models.WSMessage) {
	switch msg.Event {
	case models.EventReceiveMessage:
		if msg.Message == nil || msg.ConversationID != c.store.ConversationID() {
			return
		}
		c.printMessage(*msg.Message)
		// The terminal always shows the newest line.
		c.receipts.OnScroll(ctx, messaging.ScrollPosition{})
	case models.EventNewMessage:
		if msg.Message != nil {
			fmt.Printf("[new message in %s from %s] (%d unread)\n", msg.ConversationID, msg.Message.SenderID, c.unread.Total())
		}
	case models.EventDisconnect:
		fmt.Println("[connection lost, reconnecting]")
	case models.EventReconnect:
		fmt.Println("[reconnected]")
	}
}

func (c *client) printMessage(m models.Message) {
	who := m.SenderID
	if who == c.userID {
		who = "you"
	}
	status := ""
	if m.SenderID == c.userID && m.Read {
		status = " (seen)"
	}
	fmt.Printf("%s %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), who, m.Text, status)
}

func (c *client) printInbox() {
	items := c.inbox.Conversations()
	if len(items) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, it := range items {
		preview := ""
		if it.LastMessage != nil {
			preview = it.LastMessage.Text
		}
		fmt.Printf("%s  with %s  unread %d  %s\n", it.ID, it.OtherUserID, it.UnreadCount, preview)
	}
}
