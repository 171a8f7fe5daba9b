package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	storefront "github.com/bjoelf/storefront-realtime/adapter"
)

// Status is the connectivity signal a feature socket publishes
type Status struct {
	State    State
	Degraded bool // reconnecting gave up; cleared on the next OPEN
}

// SocketOption configures a feature socket
type SocketOption func(*socketConfig)

type socketConfig struct {
	alerter         Alerter
	notificationCap int
}

// WithAlerter installs the desktop/sound side effect
func WithAlerter(a Alerter) SocketOption {
	return func(c *socketConfig) { c.alerter = a }
}

// WithNotificationCap bounds the cached notification list
func WithNotificationCap(n int) SocketOption {
	return func(c *socketConfig) {
		if n > 0 {
			c.notificationCap = n
		}
	}
}

func buildSocketConfig(opts []SocketOption) socketConfig {
	cfg := socketConfig{notificationCap: defaultNotificationCap}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// Multiplexer binds one registry endpoint to a subscription set and a routing
// table. It replays every subscription on each OPEN.
type Multiplexer struct {
	registry *Registry
	endpoint string
	users    storefront.UserReader
	logger   *slog.Logger
	alerter  Alerter

	subs    *subscriptionSet
	router  *messageRouter
	onReset func() // feature cache reset, run after logout

	mu       sync.Mutex
	live     bool // subscriptions have been replayed on the current connection
	degraded bool

	statusEvents *storefront.Emitter[Status]
	errorEvents  *storefront.Emitter[error]
}

// NewMultiplexer creates a multiplexer for endpoint. users may be nil, which denies admin-only actions.
func NewMultiplexer(registry *Registry, endpoint string, users storefront.UserReader, logger *slog.Logger, opts ...SocketOption) *Multiplexer {
	if logger == nil {
		logger = storefront.DiscardLogger()
	}
	cfg := buildSocketConfig(opts)
	logger = logger.With("endpoint", endpoint)
	return &Multiplexer{
		registry:     registry,
		endpoint:     endpoint,
		users:        users,
		logger:       logger,
		alerter:      cfg.alerter,
		subs:         newSubscriptionSet(),
		router:       newMessageRouter(logger),
		statusEvents: storefront.NewEmitter[Status]("status", logger),
		errorEvents:  storefront.NewEmitter[error]("error", logger),
	}
}

// Endpoint returns the endpoint path
func (m *Multiplexer) Endpoint() string { return m.endpoint }

// Start connects the endpoint through the registry
func (m *Multiplexer) Start(ctx context.Context) error {
	_, err := m.registry.Connect(ctx, m.endpoint, Handlers{
		OnOpen:        m.handleOpen,
		OnMessage:     m.dispatch,
		OnClose:       m.handleClose,
		OnError:       m.handleError,
		OnExhausted:   m.handleExhausted,
		OnStateChange: m.handleStateChange,
	})
	if err != nil {
		return fmt.Errorf("failed to start %s socket: %w", m.endpoint, err)
	}
	return nil
}

// Stop closes the endpoint intentionally. Subscriptions are kept for the next Start.
func (m *Multiplexer) Stop() {
	m.mu.Lock()
	m.live = false
	m.mu.Unlock()
	m.registry.Disconnect(m.endpoint)
}

// BindSession stops the socket and forgets the previous user's subscriptions
// and cached data when the session ends. Start it again after the next login.
func (m *Multiplexer) BindSession(session logoutNotifier) (unbind func()) {
	return session.OnLogout(func(ev storefront.LogoutEvent) {
		m.Stop()
		m.mu.Lock()
		m.subs.clear()
		m.degraded = false
		m.mu.Unlock()
		if m.onReset != nil {
			m.onReset()
		}
		m.logger.Info("Session ended, socket state cleared",
			"function", "BindSession",
			"reason", ev.Reason)
	})
}

// Connected reports an OPEN channel
func (m *Multiplexer) Connected() bool {
	return m.registry.State(m.endpoint) == StateOpen
}

// Degraded reports that reconnecting gave up
func (m *Multiplexer) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Subscriptions returns the current subscription set in order
func (m *Multiplexer) Subscriptions() []Descriptor {
	return m.subs.snapshot()
}

// OnStatus registers a connectivity listener
func (m *Multiplexer) OnStatus(fn func(Status)) func() {
	return m.statusEvents.Subscribe(fn)
}

// OnError registers a listener for transport and malformed-message errors
func (m *Multiplexer) OnError(fn func(error)) func() {
	return m.errorEvents.Subscribe(fn)
}

// Send writes an outbound envelope; false when the channel is not OPEN
func (m *Multiplexer) Send(v any) bool {
	return m.registry.Send(m.endpoint, v)
}

// subscribe adds d and sends it right away when the channel is live.
// Otherwise the next OPEN replays it.
func (m *Multiplexer) subscribe(d Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.AdminOnly() {
		if err := m.requireAdmin(); err != nil {
			return err
		}
	}
	if !m.subs.add(d) {
		return nil
	}
	if m.live && !m.Send(d.Envelope()) {
		m.logger.Debug("Subscription queued for replay",
			"function", "subscribe",
			"subscription", d.String())
	}
	return nil
}

func (m *Multiplexer) unsubscribe(d Descriptor, msg Outbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.subs.remove(d) {
		return
	}
	if m.live {
		m.Send(msg)
	}
}

// requireAdmin is a local convenience guard; the server enforces authorization
func (m *Multiplexer) requireAdmin() error {
	if m.users == nil {
		return storefront.ErrForbidden
	}
	u, ok := m.users.CurrentUser()
	if !ok || !u.IsAdmin() {
		return storefront.ErrForbidden
	}
	return nil
}

func (m *Multiplexer) handleOpen() {
	// snapshot under m.mu so a concurrent subscribe is either replayed here or sent by itself
	m.mu.Lock()
	subs := m.subs.snapshot()
	m.live = true
	m.degraded = false
	sent, dropped := 0, 0
	for _, d := range subs {
		// the role may have changed since d was added
		if d.AdminOnly() && m.requireAdmin() != nil {
			m.subs.remove(d)
			dropped++
			continue
		}
		if m.Send(d.Envelope()) {
			sent++
		}
	}
	m.mu.Unlock()

	if dropped > 0 {
		m.logger.Warn("Dropped admin-only subscriptions for a non-admin session",
			"function", "handleOpen",
			"dropped", dropped)
	}
	m.logger.Info("Channel open, subscriptions replayed",
		"function", "handleOpen",
		"subscriptions", len(subs)-dropped,
		"sent", sent)
	m.statusEvents.Emit(Status{State: StateOpen})
}

func (m *Multiplexer) handleClose(code int, reason string, intentional bool) {
	m.mu.Lock()
	m.live = false
	m.mu.Unlock()

	m.logger.Info("Channel closed",
		"function", "handleClose",
		"code", code,
		"reason", reason,
		"intentional", intentional)
}

func (m *Multiplexer) handleStateChange(s State) {
	if s == StateOpen {
		return // published by handleOpen after the replay
	}
	m.statusEvents.Emit(Status{State: s, Degraded: m.Degraded()})
}

func (m *Multiplexer) handleError(err error) {
	m.errorEvents.Emit(err)
}

func (m *Multiplexer) handleExhausted(attempts int) {
	m.mu.Lock()
	m.degraded = true
	m.mu.Unlock()

	m.logger.Warn("Channel degraded, reconnecting stopped",
		"function", "handleExhausted",
		"attempts", attempts)
	m.errorEvents.Emit(fmt.Errorf("%s after %d attempts: %w", m.endpoint, attempts, storefront.ErrChannelExhausted))
	m.statusEvents.Emit(Status{State: StateClosed, Degraded: true})
}

func (m *Multiplexer) dispatch(env Envelope) {
	handled, err := m.router.route(env)
	if !handled {
		return
	}
	if err != nil {
		var malformed *storefront.MalformedMessageError
		if !errors.As(err, &malformed) {
			err = &storefront.MalformedMessageError{Endpoint: m.endpoint, Raw: env.Raw, Err: err}
		}
		m.logger.Warn("Dropping malformed envelope",
			"function", "dispatch",
			"type", env.Type,
			"error", err)
		m.errorEvents.Emit(err)
	}
}

func (m *Multiplexer) alert(a Alert) {
	runAlert(m.alerter, a, m.logger)
}
