package websocket

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// routeFunc handles one envelope type. A returned error marks the envelope malformed.
type routeFunc func(Envelope) error

// messageRouter dispatches envelopes by type
type messageRouter struct {
	mu     sync.RWMutex
	routes map[string]routeFunc
	logger *slog.Logger
}

func newMessageRouter(logger *slog.Logger) *messageRouter {
	return &messageRouter{
		routes: make(map[string]routeFunc),
		logger: logger,
	}
}

func (r *messageRouter) handle(types []string, fn routeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.routes[t] = fn
	}
}

// route returns false for unknown types, which are logged and dropped
func (r *messageRouter) route(env Envelope) (bool, error) {
	r.mu.RLock()
	fn, ok := r.routes[env.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("Unhandled message type",
			"function", "route",
			"type", env.Type)
		return false, nil
	}
	return true, fn(env)
}

// Alert is a user-facing side effect such as a desktop notification or sound
type Alert struct {
	Kind  string // notification, cod_alert, order_status_change
	Title string
	Body  string
	Sound bool
}

// Alerter performs alert side effects. Failures never affect dispatch.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// AlerterFunc adapts a function to Alerter
type AlerterFunc func(ctx context.Context, a Alert) error

func (f AlerterFunc) Alert(ctx context.Context, a Alert) error { return f(ctx, a) }

// TerminalAlerter prints alerts to w and rings the terminal bell for sound alerts
type TerminalAlerter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminalAlerter writes alerts to w, usually os.Stdout
func NewTerminalAlerter(w io.Writer) *TerminalAlerter {
	return &TerminalAlerter{w: w}
}

func (t *TerminalAlerter) Alert(_ context.Context, a Alert) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bell := ""
	if a.Sound {
		bell = "\a"
	}
	_, err := fmt.Fprintf(t.w, "%s[%s] %s: %s\n", bell, a.Kind, a.Title, a.Body)
	return err
}

// runAlert fires a on its own goroutine, recovering panics and logging errors
func runAlert(alerter Alerter, a Alert, logger *slog.Logger) {
	if alerter == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in alerter",
					"function", "runAlert",
					"kind", a.Kind,
					"panic", r)
			}
		}()
		if err := alerter.Alert(context.Background(), a); err != nil {
			logger.Warn("Alert failed",
				"function", "runAlert",
				"kind", a.Kind,
				"error", err)
		}
	}()
}
