package models

// Channel event names. These are part of the wire contract with the backend.
const (
	EventJoin           = "join"
	EventLeave          = "leave"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventMessagesRead   = "messagesRead"
	EventNewMessage     = "newMessage"
	EventConnected      = "connected"
	EventError          = "error"

	// Lifecycle events, raised locally by the connection manager.
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventReconnect    = "reconnect"
)

// WSMessage is the envelope of every frame on the channel.
type WSMessage struct {
	Event          string   `json:"event"`
	ConversationID string   `json:"conversationId,omitempty"`
	Message        *Message `json:"message,omitempty"`
	MessageIDs     []string `json:"messageIds,omitempty"`
	ReadBy         string   `json:"readBy,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)
