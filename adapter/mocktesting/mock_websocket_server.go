package mocktesting

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Received is one envelope a client sent to the backend
type Received struct {
	Type   string
	Fields map[string]any
	Raw    []byte
	At     time.Time
}

type mockConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *mockConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

// socketHub tracks websocket clients per endpoint ("/orders/", "/notifications/")
type socketHub struct {
	mu        sync.Mutex
	conns     map[string]map[*mockConn]struct{}
	total     map[string]int
	received  map[string][]Received
	lastQuery map[string]url.Values
}

func newSocketHub() *socketHub {
	return &socketHub{
		conns:     make(map[string]map[*mockConn]struct{}),
		total:     make(map[string]int),
		received:  make(map[string][]Received),
		lastQuery: make(map[string]url.Values),
	}
}

func (h *socketHub) add(endpoint string, c *mockConn, query url.Values) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[endpoint] == nil {
		h.conns[endpoint] = make(map[*mockConn]struct{})
	}
	h.conns[endpoint][c] = struct{}{}
	h.total[endpoint]++
	h.lastQuery[endpoint] = query
}

func (h *socketHub) remove(endpoint string, c *mockConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[endpoint], c)
}

func (h *socketHub) snapshot(endpoint string) []*mockConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*mockConn, 0, len(h.conns[endpoint]))
	for c := range h.conns[endpoint] {
		out = append(out, c)
	}
	return out
}

func (h *socketHub) record(endpoint string, r Received) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received[endpoint] = append(h.received[endpoint], r)
}

func (h *socketHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.conns {
		for c := range set {
			c.conn.Close()
		}
	}
	h.conns = make(map[string]map[*mockConn]struct{})
}

func knownEndpoint(endpoint string) bool {
	return endpoint == "/notifications/" || endpoint == "/orders/"
}

// handleWebSocket authenticates ?token=, upgrades and records every inbound envelope
func (m *MockBackend) handleWebSocket(c *gin.Context) {
	endpoint := "/" + c.Param("endpoint") + "/"
	if !knownEndpoint(endpoint) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "unknown websocket endpoint"})
		return
	}

	m.mu.Lock()
	reject, autoConfirm := m.rejectSockets, m.autoConfirm
	m.mu.Unlock()
	if reject != 0 {
		c.JSON(reject, gin.H{"detail": "websocket rejected"})
		return
	}

	query := c.Request.URL.Query()
	if _, err := m.parse(query.Get("token"), "access"); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "invalid token"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	mc := &mockConn{conn: conn}
	m.sockets.add(endpoint, mc, query)
	defer func() {
		m.sockets.remove(endpoint, mc)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var fields map[string]any
		if json.Unmarshal(data, &fields) != nil {
			continue
		}
		msgType, _ := fields["type"].(string)
		m.sockets.record(endpoint, Received{Type: msgType, Fields: fields, Raw: data, At: time.Now()})

		if autoConfirm && strings.HasPrefix(msgType, "subscribe_") {
			reply := map[string]any{
				"type":         "subscription_confirmed",
				"subscription": strings.TrimPrefix(msgType, "subscribe_"),
			}
			if id, ok := fields["order_id"]; ok {
				reply["order_id"] = id
			}
			if out, err := json.Marshal(reply); err == nil {
				_ = mc.write(websocket.TextMessage, out)
			}
		}
	}
}

// Push sends v as JSON to every client on endpoint and returns how many got it
func (m *MockBackend) Push(endpoint string, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return m.PushRaw(endpoint, data)
}

// PushRaw sends data unmodified, e.g. to test malformed frames
func (m *MockBackend) PushRaw(endpoint string, data []byte) int {
	sent := 0
	for _, c := range m.sockets.snapshot(endpoint) {
		if c.write(websocket.TextMessage, data) == nil {
			sent++
		}
	}
	return sent
}

// DropConnections kills the TCP connections without a close frame, as a network failure would
func (m *MockBackend) DropConnections(endpoint string) int {
	conns := m.sockets.snapshot(endpoint)
	for _, c := range conns {
		c.conn.Close()
	}
	return len(conns)
}

// CloseConnections sends a close frame with code, then closes
func (m *MockBackend) CloseConnections(endpoint string, code int, text string) int {
	conns := m.sockets.snapshot(endpoint)
	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	}
	return len(conns)
}

// Connections is the number of currently open clients on endpoint
func (m *MockBackend) Connections(endpoint string) int {
	return len(m.sockets.snapshot(endpoint))
}

// TotalConnections counts every accepted upgrade on endpoint
func (m *MockBackend) TotalConnections(endpoint string) int {
	m.sockets.mu.Lock()
	defer m.sockets.mu.Unlock()
	return m.sockets.total[endpoint]
}

// Received returns every envelope clients sent on endpoint, in arrival order
func (m *MockBackend) Received(endpoint string) []Received {
	m.sockets.mu.Lock()
	defer m.sockets.mu.Unlock()
	out := make([]Received, len(m.sockets.received[endpoint]))
	copy(out, m.sockets.received[endpoint])
	return out
}

// ReceivedOfType filters Received by envelope type
func (m *MockBackend) ReceivedOfType(endpoint, msgType string) []Received {
	var out []Received
	for _, r := range m.Received(endpoint) {
		if r.Type == msgType {
			out = append(out, r)
		}
	}
	return out
}

// ResetReceived forgets recorded envelopes
func (m *MockBackend) ResetReceived(endpoint string) {
	m.sockets.mu.Lock()
	defer m.sockets.mu.Unlock()
	delete(m.sockets.received, endpoint)
}

// LastQuery returns the query string of the latest upgrade on endpoint
func (m *MockBackend) LastQuery(endpoint string) url.Values {
	m.sockets.mu.Lock()
	defer m.sockets.mu.Unlock()
	return m.sockets.lastQuery[endpoint]
}
