// Package api is the typed client for the marketplace chat REST endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/session"
	"nearbuy-chat/internal/utils"

	"github.com/gofiber/fiber/v2"
)

var (
	ErrNotFound     = errors.New("api: not found")
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrBadRequest   = errors.New("api: bad request")
)

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case fiber.StatusNotFound:
		return ErrNotFound
	case fiber.StatusUnauthorized, fiber.StatusForbidden:
		return ErrUnauthorized
	case fiber.StatusBadRequest:
		return ErrBadRequest
	}
	return nil
}

// Client wraps the backend REST API for the current session.
type Client struct {
	baseURL     string
	session     *session.Session
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewClient returns a client for baseURL (for example http://localhost:3001/api).
func NewClient(baseURL string, sess *session.Session, callTimeout time.Duration, logger *slog.Logger) *Client {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		session:     sess,
		callTimeout: callTimeout,
		logger:      utils.OrDiscard(logger),
	}
}

// GetOrCreateConversation returns the conversation with otherUserID about a listing.
func (c *Client) GetOrCreateConversation(ctx context.Context, otherUserID, listingID string) (models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, fiber.MethodPost, "/chats", models.CreateConversationRequest{
		OtherUserID: otherUserID,
		ListingID:   listingID,
	}, &conv)
	return conv, err
}

// ListConversations returns the caller's conversations with previews.
func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var items []models.ConversationSummary
	err := c.do(ctx, fiber.MethodGet, "/chats", nil, &items)
	return items, err
}

// ListMessages returns the full history of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := c.do(ctx, fiber.MethodGet, "/chats/"+url.PathEscape(conversationID)+"/messages", nil, &msgs)
	return msgs, err
}

// SendMessage persists a message; the response carries the backend id and timestamp.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, fiber.MethodPost, "/chats/"+url.PathEscape(conversationID)+"/messages",
		models.SendMessageRequest{Text: text}, &msg)
	return msg, err
}

// MarkRead flags every received message of the conversation as read and
// returns the ids that changed.
func (c *Client) MarkRead(ctx context.Context, conversationID string) ([]string, error) {
	var resp models.MarkReadResponse
	if err := c.do(ctx, fiber.MethodPatch, "/chats/"+url.PathEscape(conversationID)+"/read", nil, &resp); err != nil {
		return nil, err
	}
	return resp.MessageIDs, nil
}

// UnreadCount returns the authoritative unread count with its per-conversation breakdown.
func (c *Client) UnreadCount(ctx context.Context) (models.UnreadSummary, error) {
	var summary models.UnreadSummary
	err := c.do(ctx, fiber.MethodGet, "/chats/unread", nil, &summary)
	return summary, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a := fiber.AcquireAgent()
	req := a.Request()
	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	if bearer := c.session.BearerHeader(); bearer != "" {
		a.Set(fiber.HeaderAuthorization, bearer)
	}
	a.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	a.Timeout(c.timeout(ctx))
	if body != nil {
		a.JSON(body)
	}

	if err := a.Parse(); err != nil {
		fiber.ReleaseAgent(a)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	code, respBody, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("%s %s: %w", method, path, errors.Join(errs...))
	}
	if code >= fiber.StatusBadRequest {
		err := newStatusError(code, respBody)
		c.logger.Debug("api request rejected", "method", method, "path", path, "status", code)
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) timeout(ctx context.Context) time.Duration {
	timeout := c.callTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}

func newStatusError(code int, body []byte) *StatusError {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	return &StatusError{Status: code, Message: payload.Error}
}
