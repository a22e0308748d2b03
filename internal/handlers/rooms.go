package handlers

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"nearbuy-chat/internal/utils"

	"github.com/fasthttp/websocket"
)

// Client is one websocket connection of an authenticated user.
type Client struct {
	ConnID   string
	UserID   string
	Username string

	out   *utils.LockedWriter
	conn  Conn
	rooms map[string]struct{}
}

// Conn is the part of a websocket connection a Client uses.
type Conn interface {
	utils.JSONWriter
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
}

func NewClient(connID, userID, username string, conn Conn) *Client {
	return &Client{
		ConnID:   connID,
		UserID:   userID,
		Username: username,
		out:      utils.NewLockedWriter(conn),
		conn:     conn,
		rooms:    make(map[string]struct{}),
	}
}

// Send writes one payload to the connection.
func (c *Client) Send(payload interface{}) error {
	return c.out.SendJSON(payload)
}

// Kick ends the connection from the server side. The peer gets a close
// frame and the read loop fails on the expired deadline. Closing the
// underlying connection is not enough: fasthttp keeps hijacked connections
// open until the websocket handler returns.
func (c *Client) Kick(reason string) error {
	now := time.Now()
	closeErr := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason), now.Add(time.Second))
	return errors.Join(closeErr, c.conn.SetReadDeadline(now))
}

type RoomManager struct {
	// roomName -> connectionID -> client
	rooms   map[string]map[string]*Client
	clients map[string]*Client
	mu      sync.RWMutex
	logger  *slog.Logger
}

func NewRoomManager(logger *slog.Logger) *RoomManager {
	return &RoomManager{
		rooms:   make(map[string]map[string]*Client),
		clients: make(map[string]*Client),
		logger:  utils.OrDiscard(logger),
	}
}

// RegisterConnection stores a new websocket connection.
// Returns true if this is the first connection for this user (user just came online)
func (m *RoomManager) RegisterConnection(c *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasOnline := m.isUserOnlineLocked(c.UserID)
	m.clients[c.ConnID] = c
	return !wasOnline
}

// UnregisterConnection removes the connection from every room it joined.
// Returns true if this was the last connection for the user (user is now offline)
func (m *RoomManager) UnregisterConnection(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[connID]
	if !ok {
		return false
	}
	for room := range c.rooms {
		m.leaveLocked(room, connID)
	}
	delete(m.clients, connID)
	return !m.isUserOnlineLocked(c.UserID)
}

func (m *RoomManager) Join(room string, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[connID]
	if !ok {
		return false
	}
	if _, ok := m.rooms[room]; !ok {
		m.rooms[room] = make(map[string]*Client)
	}
	m.rooms[room][connID] = c
	c.rooms[room] = struct{}{}
	return true
}

func (m *RoomManager) Leave(room string, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(room, connID)
}

func (m *RoomManager) leaveLocked(room, connID string) {
	if c, ok := m.clients[connID]; ok {
		delete(c.rooms, room)
	}
	if _, ok := m.rooms[room]; ok {
		delete(m.rooms[room], connID)
		if len(m.rooms[room]) == 0 {
			delete(m.rooms, room)
		}
	}
}

// InRoom reports whether the connection joined the room.
func (m *RoomManager) InRoom(room, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[room][connID]
	return ok
}

func (m *RoomManager) Broadcast(room string, message interface{}, excludeConnID string) {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.rooms[room]))
	for id, c := range m.rooms[room] {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		// A failed write is left to the read loop, which sees the broken connection and unregisters it.
		utils.LogError(m.logger, c.Send(message), "Broadcast")
	}
}

// SendOutsideRoom delivers message to every connection of userID that has not joined room.
func (m *RoomManager) SendOutsideRoom(userID, room string, message interface{}) {
	m.mu.RLock()
	var targets []*Client
	for _, c := range m.clients {
		if c.UserID != userID {
			continue
		}
		if _, joined := c.rooms[room]; joined {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		utils.LogError(m.logger, c.Send(message), "SendOutsideRoom")
	}
}

// IsUserOnline checks if any active connection belongs to the given user
func (m *RoomManager) IsUserOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isUserOnlineLocked(userID)
}

func (m *RoomManager) isUserOnlineLocked(userID string) bool {
	for _, c := range m.clients {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// IsUserInRoom checks whether any connection of the user joined the room
func (m *RoomManager) IsUserInRoom(userID string, room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.rooms[room] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// DisconnectUser kicks every connection of the user. The read loops clean up.
func (m *RoomManager) DisconnectUser(userID string) int {
	return m.kick(func(c *Client) bool { return c.UserID == userID }, "disconnected by server")
}

// DisconnectAll kicks every connection, before a shutdown.
func (m *RoomManager) DisconnectAll() int {
	return m.kick(func(*Client) bool { return true }, "server shutting down")
}

func (m *RoomManager) kick(match func(*Client) bool, reason string) int {
	m.mu.RLock()
	var targets []*Client
	for _, c := range m.clients {
		if match(c) {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		utils.LogError(m.logger, c.Kick(reason), "Kick")
	}
	return len(targets)
}

// CountUserConnections returns the number of live connections of a user.
func (m *RoomManager) CountUserConnections(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, c := range m.clients {
		if c.UserID == userID {
			n++
		}
	}
	return n
}
