package handlers

import (
	"errors"
	"log/slog"

	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/services"

	"github.com/gofiber/fiber/v2"
)

// ChatHandler exposes the conversation REST endpoints.
type ChatHandler struct {
	Chats     *services.ChatService
	Rooms     *RoomManager
	Validator *Validator
	Logger    *slog.Logger
}

func currentUser(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}

func (h *ChatHandler) respondError(c *fiber.Ctx, err error, op string) error {
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "conversation not found"})
	case errors.Is(err, services.ErrInvalidParticipants), errors.Is(err, services.ErrEmptyMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	h.Logger.Error("chat request failed", "op", op, "user_id", currentUser(c), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Could not " + op})
}

func (h *ChatHandler) bind(c *fiber.Ctx, out interface{}) bool {
	if err := c.BodyParser(out); err != nil {
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		return false
	}
	if errs := h.Validator.ValidateStruct(out); len(errs) > 0 {
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": errs})
		return false
	}
	return true
}

// CreateConversation gets or creates the conversation with another user about a listing.
func (h *ChatHandler) CreateConversation(c *fiber.Ctx) error {
	var req models.CreateConversationRequest
	if !h.bind(c, &req) {
		return nil
	}

	conv, isNew, err := h.Chats.GetOrCreateConversation(c.UserContext(), currentUser(c), req.OtherUserID, req.ListingID)
	if err != nil {
		return h.respondError(c, err, "create conversation")
	}
	status := fiber.StatusOK
	if isNew {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(conv)
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	items, err := h.Chats.ListConversations(c.UserContext(), currentUser(c))
	if err != nil {
		return h.respondError(c, err, "list conversations")
	}
	if items == nil {
		items = []models.ConversationSummary{}
	}
	return c.JSON(items)
}

func (h *ChatHandler) ListMessages(c *fiber.Ctx) error {
	msgs, err := h.Chats.ListMessages(c.UserContext(), c.Params("id"), currentUser(c))
	if err != nil {
		return h.respondError(c, err, "list messages")
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return c.JSON(msgs)
}

func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	var req models.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	}
	req.Text = models.NormalizeText(req.Text)
	if errs := h.Validator.ValidateStruct(&req); len(errs) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"errors": errs})
	}

	msg, err := h.Chats.SaveMessage(c.UserContext(), c.Params("id"), currentUser(c), req.Text)
	if err != nil {
		return h.respondError(c, err, "send message")
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// MarkRead flags received messages as read and tells the room who read what.
func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	userID := currentUser(c)
	conversationID := c.Params("id")

	ids, err := h.Chats.MarkRead(c.UserContext(), conversationID, userID)
	if err != nil {
		return h.respondError(c, err, "mark messages read")
	}

	if len(ids) > 0 {
		event := models.WSMessage{
			Event:          models.EventMessagesRead,
			ConversationID: conversationID,
			MessageIDs:     ids,
			ReadBy:         userID,
		}
		h.Rooms.Broadcast(conversationID, event, "")
		// Other tabs of the reader that are not viewing the conversation still show a badge.
		h.Rooms.SendOutsideRoom(userID, conversationID, event)
	}

	return c.JSON(models.MarkReadResponse{ConversationID: conversationID, MessageIDs: ids})
}

func (h *ChatHandler) UnreadCount(c *fiber.Ctx) error {
	summary, err := h.Chats.UnreadCount(c.UserContext(), currentUser(c))
	if err != nil {
		return h.respondError(c, err, "count unread messages")
	}
	return c.JSON(summary)
}
