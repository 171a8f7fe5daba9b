package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	storefront "github.com/bjoelf/storefront-realtime/adapter"
	"github.com/gorilla/websocket"
)

const (
	incomingBufferSize = 100
	writeTimeout       = 10 * time.Second
)

// Options tunes reconnect and liveness behaviour of a channel
type Options struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration // 0 means uncapped
	MaxAttempts       int
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration // 0 disables the read deadline
	HandshakeTimeout  time.Duration
}

// OptionsFromConfig maps the channel section of the client config
func OptionsFromConfig(cfg storefront.ChannelConfig) Options {
	return Options{
		BaseDelay:         cfg.BaseReconnectDelay,
		MaxDelay:          cfg.MaxReconnectDelay,
		MaxAttempts:       cfg.MaxReconnects,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReadTimeout:       cfg.ReadTimeout,
		HandshakeTimeout:  cfg.HandshakeTimeout,
	}
}

// DefaultOptions matches storefront.DefaultConfig
func DefaultOptions() Options {
	return OptionsFromConfig(storefront.DefaultConfig().Channel)
}

// Handlers are the channel callbacks. Any of them may be nil.
// Message handlers run on the connection's processor goroutine in receipt order.
type Handlers struct {
	OnOpen               func()
	OnMessage            func(Envelope)
	OnClose              func(code int, reason string, intentional bool)
	OnError              func(error)
	OnReconnectScheduled func(attempt int, delay time.Duration)
	OnExhausted          func(attempts int)
	OnStateChange        func(State)
}

// urlFunc builds the dial URL; it is called before every dial so the token is current
type urlFunc func() (string, error)

// Channel is one reconnecting websocket connection to an endpoint
type Channel struct {
	endpoint string
	buildURL urlFunc
	opts     Options
	handlers Handlers
	dialer   *websocket.Dialer
	logger   *slog.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connDone       chan struct{} // closed when the current connection is torn down
	connID         string
	attempt        int
	generation     uint64 // bumped per dial; events from older connections are ignored
	stopped        bool   // set by Disconnect; nothing reconnects afterwards
	exhausted      bool
	reconnectTimer *time.Timer

	writeMu sync.Mutex
}

func newChannel(endpoint string, buildURL urlFunc, opts Options, handlers Handlers, dialer *websocket.Dialer, logger *slog.Logger) *Channel {
	return &Channel{
		endpoint: endpoint,
		buildURL: buildURL,
		opts:     opts,
		handlers: handlers,
		dialer:   dialer,
		logger:   logger.With("endpoint", endpoint),
		state:    StateClosed,
	}
}

// Endpoint returns the endpoint path this channel serves
func (c *Channel) Endpoint() string { return c.endpoint }

// State returns the current lifecycle state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the number of reconnects scheduled since the last OPEN
func (c *Channel) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Exhausted reports that reconnecting gave up
func (c *Channel) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// idle reports a closed channel with no reconnect pending
func (c *Channel) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosed && c.reconnectTimer == nil && !c.stopped
}

// Send JSON-encodes v and writes it. It returns false when the channel is not OPEN or the write fails.
func (c *Channel) Send(v any) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode outbound message",
			"function", "Send",
			"error", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("Write failed",
			"function", "Send",
			"error", err)
		return false
	}
	return true
}

// connect dials once. Failures are reported through OnError and scheduled for reconnect.
func (c *Channel) connect(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation
	c.state = StateConnecting
	c.exhausted = false
	c.mu.Unlock()
	c.emitState(StateConnecting)

	wsURL, err := c.buildURL()
	if err != nil {
		c.handleDialFailure(gen, err, 0)
		return
	}

	if c.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		defer cancel()
	}

	c.logger.Debug("Dialing",
		"function", "connect",
		"attempt", c.Attempt())

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.handleDialFailure(gen, err, status)
		return
	}

	c.mu.Lock()
	if c.stopped || c.generation != gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	done := make(chan struct{})
	c.conn = conn
	c.connDone = done
	c.connID = generateConnectionID(c.endpoint)
	c.state = StateOpen
	c.attempt = 0
	connID := c.connID
	c.mu.Unlock()

	c.logger.Info("Connection established",
		"function", "connect",
		"conn_id", connID,
		"remote_addr", conn.RemoteAddr().String())

	incoming := make(chan websocketMessage, incomingBufferSize)
	go c.readMessages(conn, gen, incoming, done)
	go c.processMessages(conn, gen, incoming, done)
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeat(done)
	}
}

func (c *Channel) handleDialFailure(gen uint64, err error, status int) {
	c.mu.Lock()
	if c.stopped || c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Warn("Dial failed",
		"function", "connect",
		"status", status,
		"error", err)

	c.emitError(&storefront.NetworkError{Op: "websocket dial " + c.endpoint, StatusCode: status, Err: err})
	c.emitState(StateClosed)
	c.scheduleReconnect()
}

// readMessages only reads. It hands every frame, and finally the read error,
// to the processor through one queue so ordering is preserved.
func (c *Channel) readMessages(conn *websocket.Conn, gen uint64, incoming chan<- websocketMessage, done <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in readMessages",
				"function", "readMessages",
				"panic", r)
		}
	}()

	for {
		if c.opts.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
				c.logger.Warn("Failed to set read deadline",
					"function", "readMessages",
					"error", err)
			}
		}

		messageType, data, err := conn.ReadMessage()
		msg := websocketMessage{MessageType: messageType, ReceivedAt: time.Now(), Err: err}
		if err == nil {
			msg.Data = append([]byte(nil), data...)
		}

		select {
		case incoming <- msg:
		case <-done:
			return
		}
		if err != nil {
			return
		}

		if queued := len(incoming); queued > incomingBufferSize/2 {
			c.logger.Warn("Queue backpressure detected",
				"function", "readMessages",
				"generation", gen,
				"pending_messages", queued)
		}
	}
}

// processMessages runs the handlers for one connection, one frame at a time
func (c *Channel) processMessages(conn *websocket.Conn, gen uint64, incoming <-chan websocketMessage, done <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in processMessages",
				"function", "processMessages",
				"panic", r)
		}
	}()

	c.emitState(StateOpen)
	c.call("OnOpen", func() {
		if c.handlers.OnOpen != nil {
			c.handlers.OnOpen()
		}
	})

	for {
		select {
		case <-done:
			return
		case msg := <-incoming:
			if msg.Err != nil {
				c.handleConnectionError(conn, gen, msg.Err)
				return
			}
			c.processOneMessage(msg)
		}
	}
}

func (c *Channel) processOneMessage(msg websocketMessage) {
	switch msg.MessageType {
	case websocket.TextMessage, websocket.BinaryMessage:
	default:
		c.logger.Debug("Ignoring control frame",
			"function", "processOneMessage",
			"message_type", msg.MessageType)
		return
	}

	env, err := ParseEnvelope(msg.Data)
	if err != nil {
		c.logger.Warn("Dropping malformed message",
			"function", "processOneMessage",
			"size", len(msg.Data),
			"error", err)
		c.emitError(&storefront.MalformedMessageError{Endpoint: c.endpoint, Raw: msg.Data, Err: err})
		return
	}

	switch env.Type {
	case TypeHeartbeat:
		if !c.Send(Outbound{Type: TypeHeartbeatResponse, Timestamp: time.Now().UnixMilli()}) {
			c.logger.Debug("Could not answer heartbeat",
				"function", "processOneMessage")
		}
		return
	case TypeHeartbeatResponse:
		return
	}

	c.call("OnMessage", func() {
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(env)
		}
	})
}

// handleConnectionError classifies a read failure and decides whether to reconnect
func (c *Channel) handleConnectionError(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.generation != gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	stopped := c.stopped
	c.mu.Unlock()

	code, reason := websocket.CloseAbnormalClosure, err.Error()
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code, reason = closeErr.Code, closeErr.Text
	}
	intentional := stopped || code == websocket.CloseNormalClosure

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		reason = "read timeout"
	}

	if intentional {
		c.logger.Info("Connection closed",
			"function", "handleConnectionError",
			"code", code)
	} else {
		c.logger.Warn("Connection lost",
			"function", "handleConnectionError",
			"code", code,
			"error", err)
		c.emitError(&storefront.NetworkError{Op: "websocket read " + c.endpoint, Err: err})
	}

	c.emitClose(code, reason, intentional)
	c.emitState(StateClosed)

	if !intentional {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the reconnect timer, or fires OnExhausted at the attempt limit
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.attempt >= c.opts.MaxAttempts {
		attempts := c.attempt
		c.exhausted = true
		c.mu.Unlock()

		c.logger.Error("Max reconnection attempts reached, giving up",
			"function", "scheduleReconnect",
			"attempts", attempts)
		c.call("OnExhausted", func() {
			if c.handlers.OnExhausted != nil {
				c.handlers.OnExhausted(attempts)
			}
		})
		return
	}

	delay := reconnectDelay(c.opts.BaseDelay, c.opts.MaxDelay, c.attempt)
	c.attempt++
	attempt := c.attempt
	gen := c.generation
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen) })
	c.mu.Unlock()

	c.logger.Info("Reconnect scheduled",
		"function", "scheduleReconnect",
		"attempt", attempt,
		"max_attempts", c.opts.MaxAttempts,
		"delay", delay)
	c.call("OnReconnectScheduled", func() {
		if c.handlers.OnReconnectScheduled != nil {
			c.handlers.OnReconnectScheduled(attempt, delay)
		}
	})
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	current := !c.stopped && c.generation == gen
	c.reconnectTimer = nil
	c.mu.Unlock()
	if !current {
		return
	}
	c.connect(context.Background())
}

// restart dials again with a fresh attempt budget, after exhaustion or a server-side normal close
func (c *Channel) restart(ctx context.Context) {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.connect(ctx)
}

// heartbeat sends a liveness envelope on a fixed interval while the connection lives
func (c *Channel) heartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !c.Send(Outbound{Type: TypeHeartbeat, Timestamp: time.Now().UnixMilli()}) {
				c.logger.Debug("Heartbeat not sent",
					"function", "heartbeat")
			}
		}
	}
}

// Disconnect closes with a normal-closure code. It never schedules a reconnect
// and cancels a pending one.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.generation++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	wasOpen := conn != nil
	if wasOpen {
		c.state = StateClosing
	}
	c.mu.Unlock()

	if wasOpen {
		c.emitState(StateClosing)

		c.writeMu.Lock()
		err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug("Error sending close message",
				"function", "Disconnect",
				"error", err)
		}
	}

	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()

	c.logger.Info("Disconnected",
		"function", "Disconnect")
	if wasOpen {
		c.emitClose(websocket.CloseNormalClosure, "", true)
	}
	c.emitState(StateClosed)
}

// teardownLocked drops the current connection. c.mu must be held.
func (c *Channel) teardownLocked() {
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateClosed
}

func (c *Channel) emitState(s State) {
	c.call("OnStateChange", func() {
		if c.handlers.OnStateChange != nil {
			c.handlers.OnStateChange(s)
		}
	})
}

func (c *Channel) emitClose(code int, reason string, intentional bool) {
	c.call("OnClose", func() {
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(code, reason, intentional)
		}
	})
}

func (c *Channel) emitError(err error) {
	c.call("OnError", func() {
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
	})
}

// call runs a handler and keeps a panicking one from killing the connection goroutines
func (c *Channel) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in channel handler",
				"function", "call",
				"handler", name,
				"panic", fmt.Sprint(r))
		}
	}()
	fn()
}
