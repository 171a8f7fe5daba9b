package websocket

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	storefront "github.com/bjoelf/storefront-realtime/adapter"
	"github.com/bjoelf/storefront-realtime/adapter/mocktesting"
)

// TestMain keeps the mock backend and the default logger quiet
func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	code := m.Run()

	os.Exit(code)
}

// testSession is a TokenReader and UserReader backed by tokens minted by the mock backend
type testSession struct {
	mu    sync.Mutex
	token string
	user  *storefront.User
}

func (s *testSession) GetAccessToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *testSession) CurrentUser() (*storefront.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil, false
	}
	u := *s.user
	return &u, true
}

func (s *testSession) setToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *testSession) setUser(u *storefront.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

// fastOptions keeps reconnect timings short; the heartbeat is effectively off
func fastOptions() Options {
	return Options{
		BaseDelay:         20 * time.Millisecond,
		MaxDelay:          200 * time.Millisecond,
		MaxAttempts:       5,
		HeartbeatInterval: time.Hour,
		HandshakeTimeout:  2 * time.Second,
	}
}

type fixture struct {
	backend  *mocktesting.MockBackend
	session  *testSession
	registry *Registry
}

func newFixture(t *testing.T, role storefront.Role, opts Options) *fixture {
	t.Helper()
	backend := mocktesting.NewMockBackend()

	userID := backend.AddUser(string(role)+"@example.com", "password-123", string(role))
	session := &testSession{
		token: backend.IssueAccessToken(userID, string(role), time.Hour),
		user:  &storefront.User{ID: userID, Email: string(role) + "@example.com", Role: role},
	}
	registry := NewRegistry(backend.URL(), session, session, opts, nil)

	t.Cleanup(func() {
		registry.DisconnectAll()
		backend.Close()
	})
	return &fixture{backend: backend, session: session, registry: registry}
}

// waitConnected waits until the backend has registered n live clients on endpoint
func (f *fixture) waitConnected(t *testing.T, endpoint string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.backend.Connections(endpoint) == n },
		2*time.Second, 5*time.Millisecond, "waiting for %d connections on %s", n, endpoint)
}

// recorder collects values delivered on other goroutines
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
