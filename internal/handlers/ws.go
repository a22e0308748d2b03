package handlers

import (
	"log/slog"
	"strings"

	"nearbuy-chat/internal/models"
	"nearbuy-chat/internal/services"
	"nearbuy-chat/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// WebSocketHandler handles the websocket connection
func WebSocketHandler(rooms *RoomManager, chatService *services.ChatService, logger *slog.Logger) fiber.Handler {
	logger = utils.OrDiscard(logger)
	return websocket.New(func(c *websocket.Conn) {
		// Retrieve user info from locals (set by middleware)
		userID, _ := c.Locals("user_id").(string)
		username, _ := c.Locals("username").(string)

		client := NewClient(uuid.New().String(), userID, username, c)
		log := logger.With("conn_id", client.ConnID, "user_id", userID)
		if rooms.RegisterConnection(client) {
			log.Info("user online")
		} else {
			log.Debug("websocket connected", "connections", rooms.CountUserConnections(userID))
		}

		defer func() {
			if rooms.UnregisterConnection(client.ConnID) {
				log.Info("user offline")
			} else {
				log.Debug("websocket closed", "connections", rooms.CountUserConnections(userID))
			}
			c.Close()
		}()

		// Send welcome message
		if err := client.Send(models.WSMessage{Event: models.EventConnected}); err != nil {
			return
		}

		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn("websocket read failed", "error", err)
				}
				break
			}

			HandleMessage(client, msgType, msg, rooms, chatService, log)
		}
	})
}

// WSUpgradeMiddleware upgrades the connection to WebSocket
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// AuthMiddleware verifies the JWT token before upgrading
func AuthMiddleware(tokens *services.TokenService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Get token from query param `access_token` or Authorization header
		token := c.Query("access_token")
		if token == "" {
			token = strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
		}

		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Missing token")
		}

		userID, username, err := tokens.ValidateToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid token")
		}

		// Store user info in locals
		c.Locals("user_id", userID)
		c.Locals("username", username)

		return c.Next()
	}
}
