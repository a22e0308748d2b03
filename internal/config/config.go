package config

import (
	"fmt"
	"strings"
	"time"

	"nearbuy-chat/internal/utils"
)

// Client holds the settings of the messaging core.
type Client struct {
	Env                  string
	APIURL               string
	SocketURL            string
	Token                string
	CallTimeout          time.Duration
	ReadyTimeout         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	UnreadRefresh        time.Duration
	ReadThreshold        float64
}

// Server holds the settings of the reference backend.
type Server struct {
	Env         string
	Port        string
	DatabaseURL string
	JWTSecret   string
}

// LoadClient reads client settings from the environment (and .env when present).
func LoadClient() (Client, error) {
	_ = utils.LoadEnv()
	cfg := Client{
		Env:                  utils.GetEnv("APP_ENV", "dev"),
		APIURL:               strings.TrimRight(utils.GetEnv("API_URL", "http://localhost:3001/api"), "/"),
		SocketURL:            utils.GetEnv("SOCKET_URL", ""),
		Token:                utils.GetEnv("CHAT_TOKEN", ""),
		CallTimeout:          utils.GetEnvDuration("API_TIMEOUT", 10*time.Second),
		ReadyTimeout:         utils.GetEnvDuration("SOCKET_READY_TIMEOUT", 10*time.Second),
		ReconnectDelay:       utils.GetEnvDuration("SOCKET_RECONNECT_DELAY", 5*time.Second),
		MaxReconnectAttempts: utils.GetEnvInt("SOCKET_MAX_RECONNECTS", 0),
		UnreadRefresh:        utils.GetEnvDuration("UNREAD_REFRESH_INTERVAL", 30*time.Second),
		ReadThreshold:        float64(utils.GetEnvInt("READ_SCROLL_THRESHOLD", 100)),
	}
	if cfg.SocketURL == "" {
		cfg.SocketURL = SocketURLFromAPI(cfg.APIURL)
	}
	if cfg.MaxReconnectAttempts < 0 {
		return Client{}, fmt.Errorf("SOCKET_MAX_RECONNECTS must not be negative")
	}
	return cfg, nil
}

// LoadServer reads reference backend settings.
func LoadServer() Server {
	_ = utils.LoadEnv()
	return Server{
		Env:         utils.GetEnv("APP_ENV", "dev"),
		Port:        utils.GetEnv("PORT", "3001"),
		DatabaseURL: utils.GetEnv("DATABASE_URL", ""),
		JWTSecret:   utils.GetEnv("JWT_SECRET", "secret"),
	}
}

// SocketURLFromAPI derives the channel endpoint from the REST base URL: the
// channel lives at the server root, not under /api.
func SocketURLFromAPI(apiURL string) string {
	base := strings.TrimSuffix(strings.TrimRight(apiURL, "/"), "/api")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
