package handlers

import (
	"context"
	"log/slog"
	"time"

	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/services"
	"nearbuy-chat/internal/utils"

	"github.com/gofiber/websocket/v2"
)

func HandleMessage(c *Client, msgType int, msg []byte, rooms *RoomManager, chatService *services.ChatService, logger *slog.Logger) {
	logger = utils.OrDiscard(logger)
	if msgType != websocket.TextMessage {
		return
	}

	var wsMsg models.WSMessage
	if err := utils.SafeJSONParse(msg, &wsMsg); err != nil {
		utils.LogError(logger, err, "JSON Parse")
		return
	}

	switch wsMsg.Event {
	case models.EventJoin:
		handleJoin(c, &wsMsg, rooms, chatService, logger)
	case models.EventLeave:
		rooms.Leave(wsMsg.ConversationID, c.ConnID)
	case models.EventSendMessage:
		handleSendMessage(c, &wsMsg, rooms, chatService, logger)
	default:
		logger.Warn("unknown event", "event", wsMsg.Event)
	}
}

func sendError(c *Client, conversationID, reason string, logger *slog.Logger) {
	utils.LogError(logger, c.Send(models.WSMessage{
		Event:          models.EventError,
		ConversationID: conversationID,
		Error:          reason,
	}), "SendError")
}

func handleJoin(c *Client, msg *models.WSMessage, rooms *RoomManager, chatService *services.ChatService, logger *slog.Logger) {
	if msg.ConversationID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := chatService.Conversation(ctx, msg.ConversationID, c.UserID); err != nil {
		sendError(c, msg.ConversationID, "conversation not found", logger)
		return
	}
	rooms.Join(msg.ConversationID, c.ConnID)
}

// handleSendMessage relays a message the sender already persisted over REST.
func handleSendMessage(c *Client, msg *models.WSMessage, rooms *RoomManager, chatService *services.ChatService, logger *slog.Logger) {
	if msg.Message == nil || msg.ConversationID == "" {
		return
	}
	if !rooms.InRoom(msg.ConversationID, c.ConnID) {
		sendError(c, msg.ConversationID, "join the conversation first", logger)
		return
	}

	// Relay the stored copy, never the client's.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stored, err := chatService.Message(ctx, msg.ConversationID, msg.Message.ID, c.UserID)
	if err != nil || stored.SenderID != c.UserID {
		logger.Warn("refusing to relay unknown message", "conversation_id", msg.ConversationID, "message_id", msg.Message.ID, "error", err)
		sendError(c, msg.ConversationID, "message not found", logger)
		return
	}
	relay := *stored

	rooms.Broadcast(msg.ConversationID, models.WSMessage{
		Event:          models.EventReceiveMessage,
		ConversationID: msg.ConversationID,
		Message:        &relay,
	}, c.ConnID)

	// Notify room participants who are NOT currently in this room about the new message
	go notifyNewMessage(rooms, chatService, relay, logger)
}

// notifyNewMessage sends a notification to room participants who are not currently viewing the room
func notifyNewMessage(rooms *RoomManager, chatService *services.ChatService, msg models.Message, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conv, err := chatService.Conversation(ctx, msg.ConversationID, msg.SenderID)
	if err != nil {
		utils.LogError(logger, err, "GetConversation")
		return
	}

	notification := models.WSMessage{
		Event:          models.EventNewMessage,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	}
	for _, participantID := range conv.Participants {
		if participantID == msg.SenderID {
			continue // Don't notify the sender
		}
		if !rooms.IsUserOnline(participantID) {
			continue
		}
		rooms.SendOutsideRoom(participantID, msg.ConversationID, notification)
	}
}
