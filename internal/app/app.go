package app

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nearbuy-chat/internal/config"
	"nearbuy-chat/internal/db"
	"nearbuy-chat/internal/handlers"
	"nearbuy-chat/internal/services"
	"nearbuy-chat/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Server is the reference chat backend: REST endpoints plus the websocket channel.
type Server struct {
	App    *fiber.App
	Rooms  *handlers.RoomManager
	Chats  *services.ChatService
	Tokens *services.TokenService
}

// New wires the routes around a chat service.
func New(chats *services.ChatService, tokens *services.TokenService, logger *slog.Logger) *Server {
	logger = utils.OrDiscard(logger)
	rooms := handlers.NewRoomManager(logger)

	// Immutable: route params end up as repository keys and must not alias
	// fasthttp's reused request buffers.
	app := fiber.New(fiber.Config{DisableStartupMessage: true, Immutable: true})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		logger.Debug("request", "method", c.Method(), "path", c.Path(), "status", c.Response().StatusCode())
		return err
	})

	// Health Check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	chatHandler := &handlers.ChatHandler{
		Chats:     chats,
		Rooms:     rooms,
		Validator: handlers.NewValidator(),
		Logger:    logger,
	}

	// Protected Routes
	api := app.Group("/api", handlers.AuthMiddleware(tokens))
	api.Post("/chats", chatHandler.CreateConversation)
	api.Get("/chats", chatHandler.ListConversations)
	api.Get("/chats/unread", chatHandler.UnreadCount)
	api.Get("/chats/:id/messages", chatHandler.ListMessages)
	api.Post("/chats/:id/messages", chatHandler.SendMessage)
	api.Patch("/chats/:id/read", chatHandler.MarkRead)

	// WebSocket Route
	// Note: Middleware order matters. WSUpgradeMiddleware checks if it's a WS
	// request, AuthMiddleware checks the token before the upgrade.
	app.Use("/ws", handlers.WSUpgradeMiddleware)
	app.Use("/ws", handlers.AuthMiddleware(tokens))
	app.Get("/ws", handlers.WebSocketHandler(rooms, chats, logger))

	return &Server{App: app, Rooms: rooms, Chats: chats, Tokens: tokens}
}

// Listener serves on an existing listener until Shutdown.
func (s *Server) Listener(ln net.Listener) error {
	return s.App.Listener(ln)
}

// Shutdown ends open websocket connections and stops the server.
func (s *Server) Shutdown() error {
	s.Rooms.DisconnectAll()
	return s.App.ShutdownWithTimeout(5 * time.Second)
}

func Run() {
	cfg := config.LoadServer()
	logger := utils.NewLogger(cfg.Env)

	var repo services.Repository = services.NewMemoryRepository()
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		repo = db.NewRepository(pool)
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	srv := New(services.NewChatService(repo), services.NewTokenService(cfg.JWTSecret, 0), logger)

	go func() {
		logger.Info("listening", "port", cfg.Port)
		if err := srv.App.Listen(":" + cfg.Port); err != nil {
			logger.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c // Block until signal
	logger.Info("gracefully shutting down")
	_ = srv.Shutdown()
	logger.Info("server shutdown complete")
}

// IssueDevToken signs a token for userID with the configured secret. It is
// meant for local clients such as chatcli.
func IssueDevToken(userID string) (string, error) {
	cfg := config.LoadServer()
	return services.NewTokenService(cfg.JWTSecret, 0).GenerateJWT(userID, userID)
}
