package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated socket. Writes are serialized by writeMu.
type Connection struct {
	ID        string   // connection id (UUID), unique per socket
	UserID    string   // owner, taken from the bearer token at upgrade
	Conn      net.Conn // underlying TCP connection
	Fd        int      // file descriptor, -1 off Linux
	CreatedAt time.Time

	lastActive int64 // unix nanos of the last frame read, atomic
	processing int32 // 1 while a worker is reading this socket

	writeMu sync.Mutex

	typingMu sync.Mutex
	typing   map[string][]string // chatID -> peers told "showTyping"
}

func newConnection(id, userID string, conn net.Conn) *Connection {
	c := &Connection{
		ID:        id,
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		typing:    make(map[string][]string),
	}
	c.touch()
	return c
}

// WriteMessage sends one text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// LastActive reports when a frame was last read from the socket.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// markTyping remembers that peers were told this socket's user is typing in
// chatID, so a disconnect can retract it.
func (c *Connection) markTyping(chatID string, peers []string) {
	c.typingMu.Lock()
	c.typing[chatID] = peers
	c.typingMu.Unlock()
}

func (c *Connection) clearTyping(chatID string) {
	c.typingMu.Lock()
	delete(c.typing, chatID)
	c.typingMu.Unlock()
}

// takeTyping returns and forgets every open typing burst.
func (c *Connection) takeTyping() map[string][]string {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	out := c.typing
	c.typing = make(map[string][]string)
	return out
}

// ConnectionManager indexes live connections by id, by net.Conn (what the
// poller hands back) and by owning user.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byUser map[string]map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers conn.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	set := cm.byUser[conn.UserID]
	if set == nil {
		set = make(map[string]*Connection)
		cm.byUser[conn.UserID] = set
	}
	set[conn.ID] = conn
}

// Remove unregisters and closes the connection with the given id. It returns
// false if it was already gone, which lets concurrent removers (read error
// and heartbeat timeout) agree on who cleans up.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		if set := cm.byUser[conn.UserID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(cm.byUser, conn.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection with the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

// ForUser returns the local sockets of userID.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	set := cm.byUser[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of every connection.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
