package utils

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// JSONWriter is implemented by websocket connections on both ends of the channel.
type JSONWriter interface {
	WriteJSON(v interface{}) error
}

// SafeJSONParse parses JSON safely
func SafeJSONParse(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// LockedWriter serializes writes to a connection. Websocket connections
// support one concurrent writer only.
type LockedWriter struct {
	mu sync.Mutex
	w  JSONWriter
}

func NewLockedWriter(w JSONWriter) *LockedWriter {
	return &LockedWriter{w: w}
}

// SendJSON sends a JSON payload to the wrapped connection
func (l *LockedWriter) SendJSON(payload interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.WriteJSON(payload)
}

// LogError logs an error if it's not nil
func LogError(logger *slog.Logger, err error, context string) {
	if err != nil && logger != nil {
		logger.Error("operation failed", "op", context, "error", err)
	}
}
