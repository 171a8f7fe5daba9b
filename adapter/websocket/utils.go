package websocket

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// generateConnectionID returns a readable id for log correlation.
// Format: "{endpoint}-{YYYYMMDD-HHMMSS}", e.g. "orders-20241119-130831"
func generateConnectionID(endpoint string) string {
	name := strings.Trim(endpoint, "/")
	if name == "" {
		name = "websocket"
	}
	return fmt.Sprintf("%s-%s", strings.ReplaceAll(name, "/", "-"), time.Now().Format("20060102-150405"))
}

// buildWebSocketURL maps origin to ws(s)://host/ws<endpoint>?token=..&user_id=..
// http and ws origins give ws://, https and wss give wss://
func buildWebSocketURL(origin, endpoint, token, userID string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid websocket origin %q: %w", origin, err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid websocket origin %q: unsupported scheme", origin)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid websocket origin %q: missing host", origin)
	}

	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws" + endpoint

	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	if userID != "" {
		q.Set("user_id", userID)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// reconnectDelay is base * 2^attempt, capped at max when max > 0
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay <= 0 || (max > 0 && delay >= max) {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
