package chat

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// SessionManager tracks the open chat socket per identity and vault.
// A second socket for the same pair replaces the first.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the active connection for an identity and vault.
func (m *SessionManager) GetActive(identity, vaultID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if vaults, ok := m.active[identity]; ok {
		return vaults[vaultID]
	}
	return nil
}

// Count returns the number of open sockets.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, vaults := range m.active {
		n += len(vaults)
	}
	return n
}

// Register adds a connection, closing any socket it replaces.
func (m *SessionManager) Register(identity, vaultID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[identity]; !exists {
		m.active[identity] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[identity][vaultID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}

	m.active[identity][vaultID] = conn
	slog.Debug("chat socket registered", "identity", identity, "vault_id", vaultID)
}

// Unregister removes conn if it is still the active socket for the pair.
func (m *SessionManager) Unregister(identity, vaultID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if vaults, ok := m.active[identity]; ok {
		if current, exists := vaults[vaultID]; exists && current == conn {
			delete(vaults, vaultID)
			if len(vaults) == 0 {
				delete(m.active, identity)
			}
			slog.Debug("chat socket unregistered", "identity", identity, "vault_id", vaultID)
		}
	}
}

// CloseAll terminates every open socket.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for identity, vaults := range m.active {
		for _, conn := range vaults {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, identity)
	}
}
