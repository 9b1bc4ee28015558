// Package chatws hosts conversation controllers behind WebSocket connections
// so a thin browser client can drive them.
package chatws

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// SessionManager tracks the live connection for each device and
// tab/character pair. A new connection for the same pair replaces the old
// one.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn

	// closeConn is called without mu held; a close handshake can block.
	closeConn func(conn *websocket.Conn, code websocket.StatusCode, reason string)
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]*websocket.Conn),
		closeConn: func(conn *websocket.Conn, code websocket.StatusCode, reason string) {
			_ = conn.Close(code, reason)
		},
	}
}

// SessionKey identifies one hosted conversation within a device.
func SessionKey(tabID, characterID string) string {
	return tabID + ":" + characterID
}

// GetActive returns the active connection for a device and session key.
func (m *SessionManager) GetActive(owner, key string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[owner]; ok {
		return sessions[key]
	}
	return nil
}

// Register adds a connection, closing any connection it replaces.
func (m *SessionManager) Register(owner, key string, conn *websocket.Conn) {
	m.mu.Lock()
	if _, exists := m.active[owner]; !exists {
		m.active[owner] = make(map[string]*websocket.Conn)
	}
	replaced := m.active[owner][key]
	m.active[owner][key] = conn
	m.mu.Unlock()

	if replaced != nil && replaced != conn {
		m.closeConn(replaced, websocket.StatusNormalClosure, "session replaced")
	}
	slog.Info("Chat connection registered", "owner", owner, "session_key", key)
}

// Unregister removes conn if it is still the active connection.
func (m *SessionManager) Unregister(owner, key string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[owner]; ok {
		if current, exists := sessions[key]; exists && current == conn {
			delete(sessions, key)
			if len(sessions) == 0 {
				delete(m.active, owner)
			}
			slog.Info("Chat connection unregistered", "owner", owner, "session_key", key)
		}
	}
}

// CloseAll terminates every connection, for server shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	var conns []*websocket.Conn
	for owner, sessions := range m.active {
		for _, conn := range sessions {
			conns = append(conns, conn)
		}
		delete(m.active, owner)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.closeConn(conn, websocket.StatusGoingAway, "server shutting down")
	}
}

// Count returns the number of live connections.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}
