package websocket

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"

	storefront "github.com/bjoelf/storefront-realtime/adapter"
	"github.com/gorilla/websocket"
)

// Endpoint paths served under /ws
const (
	EndpointNotifications = "/notifications/"
	EndpointOrders        = "/orders/"
)

// Registry owns one Channel per endpoint. It reads the access token at every
// dial and never writes to the token store.
type Registry struct {
	origin string
	tokens storefront.TokenReader
	users  storefront.UserReader
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*Channel
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithTLSConfig sets the dialer TLS config, e.g. for test servers with self-signed certificates
func WithTLSConfig(cfg *tls.Config) RegistryOption {
	return func(r *Registry) { r.dialer.TLSClientConfig = cfg }
}

// WithHTTPClient takes the TLS config and proxy from an existing client's transport
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(r *Registry) {
		if client == nil {
			return
		}
		if transport, ok := client.Transport.(*http.Transport); ok {
			if transport.TLSClientConfig != nil {
				r.dialer.TLSClientConfig = transport.TLSClientConfig
			}
			if transport.Proxy != nil {
				r.dialer.Proxy = transport.Proxy
			}
		}
	}
}

// NewRegistry creates a registry dialing origin (scheme://host). users may be nil.
func NewRegistry(origin string, tokens storefront.TokenReader, users storefront.UserReader, opts Options, logger *slog.Logger, options ...RegistryOption) *Registry {
	if logger == nil {
		logger = storefront.DiscardLogger()
	}
	r := &Registry{
		origin: origin,
		tokens: tokens,
		users:  users,
		opts:   opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger:   logger,
		channels: make(map[string]*Channel),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Connect opens the channel for endpoint and waits for the first dial to finish.
// An endpoint that is already open, connecting, or waiting to reconnect is
// returned as is. Dial failures go to h.OnError and are retried; only a missing
// access token is returned as an error.
func (r *Registry) Connect(ctx context.Context, endpoint string, h Handlers) (*Channel, error) {
	if _, ok := r.tokens.GetAccessToken(); !ok {
		return nil, storefront.ErrNotAuthenticated
	}

	r.mu.Lock()
	if ch, ok := r.channels[endpoint]; ok {
		r.mu.Unlock()
		if ch.idle() {
			r.logger.Info("Restarting idle channel",
				"function", "Connect",
				"endpoint", endpoint)
			ch.restart(ctx)
		}
		return ch, nil
	}
	ch := newChannel(endpoint, r.urlFor(endpoint), r.opts, h, r.dialer, r.logger)
	r.channels[endpoint] = ch
	r.mu.Unlock()

	r.logger.Info("Connecting channel",
		"function", "Connect",
		"endpoint", endpoint)
	ch.connect(ctx)
	return ch, nil
}

// Send writes v to the endpoint's channel; false when there is none or it is not OPEN
func (r *Registry) Send(endpoint string, v any) bool {
	ch, ok := r.Channel(endpoint)
	if !ok {
		return false
	}
	return ch.Send(v)
}

// Channel returns the channel for endpoint
func (r *Registry) Channel(endpoint string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[endpoint]
	return ch, ok
}

// State returns the endpoint's state, CLOSED when unknown
func (r *Registry) State(endpoint string) State {
	ch, ok := r.Channel(endpoint)
	if !ok {
		return StateClosed
	}
	return ch.State()
}

// Disconnect closes the endpoint intentionally and forgets it
func (r *Registry) Disconnect(endpoint string) {
	r.mu.Lock()
	ch, ok := r.channels[endpoint]
	delete(r.channels, endpoint)
	r.mu.Unlock()

	if ok {
		ch.Disconnect()
	}
}

// DisconnectAll closes every channel
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Disconnect()
	}
}

// logoutNotifier is the part of the session manager the registry listens to
type logoutNotifier interface {
	OnLogout(fn func(storefront.LogoutEvent)) func()
}

// BindSession disconnects every channel when the session ends
func (r *Registry) BindSession(session logoutNotifier) (unbind func()) {
	return session.OnLogout(func(ev storefront.LogoutEvent) {
		r.logger.Info("Session ended, closing channels",
			"function", "BindSession",
			"reason", ev.Reason)
		r.DisconnectAll()
	})
}

func (r *Registry) urlFor(endpoint string) urlFunc {
	return func() (string, error) {
		token, ok := r.tokens.GetAccessToken()
		if !ok {
			return "", storefront.ErrNotAuthenticated
		}
		userID := ""
		if r.users != nil {
			if u, ok := r.users.CurrentUser(); ok {
				userID = u.ID
			}
		}
		return buildWebSocketURL(r.origin, endpoint, token, userID)
	}
}
