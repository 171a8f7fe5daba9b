package storefront

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjoelf/storefront-realtime/adapter/mocktesting"
)

const testPassword = "correct-horse-battery"

func newTestSession(t *testing.T, backend *mocktesting.MockBackend, storage Storage) *SessionManager {
	t.Helper()
	api := NewAuthAPI(backend.APIBaseURL(), backend.Client(), nil)
	sm := NewSessionManager(api, NewTokenStore(storage, nil), storage, nil)
	t.Cleanup(func() { sm.Close() })
	return sm
}

func newBackend(t *testing.T) *mocktesting.MockBackend {
	t.Helper()
	backend := mocktesting.NewMockBackend()
	t.Cleanup(backend.Close)
	return backend
}

type logoutRecorder struct {
	mu     sync.Mutex
	events []LogoutEvent
}

func (r *logoutRecorder) record(ev LogoutEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *logoutRecorder) reasons() []LogoutReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogoutReason, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Reason)
	}
	return out
}

func TestSession_LoginAndRefreshOnExpiry(t *testing.T) {
	backend := newBackend(t)
	userID := backend.AddUser("buyer@example.com", testPassword, "client")
	backend.SetAccessTTL(2 * time.Minute)
	sm := newTestSession(t, backend, NewMemoryStorage())
	ctx := context.Background()

	res, err := sm.Login(ctx, "buyer@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, userID, res.User.ID)
	assert.Equal(t, RoleClient, res.User.Role)
	assert.True(t, sm.IsAuthenticated())

	first, _ := sm.Tokens().GetAccessToken()
	assert.True(t, sm.Tokens().IsExpiringSoon())

	backend.SetAccessTTL(time.Hour)
	token, err := sm.EnsureValidToken(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, token)
	assert.Equal(t, int64(1), backend.RefreshCalls())
	assert.False(t, sm.Tokens().IsExpiringSoon())

	// fresh token is served from memory
	again, err := sm.EnsureValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, again)
	assert.Equal(t, int64(1), backend.RefreshCalls())
}

func TestSession_ExpiredRefreshTearsDown(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("buyer@example.com", testPassword, "client")
	backend.SetAccessTTL(time.Minute)
	storage := NewMemoryStorage()
	sm := newTestSession(t, backend, storage)
	ctx := context.Background()

	var logouts logoutRecorder
	sm.OnLogout(logouts.record)

	_, err := sm.Login(ctx, "buyer@example.com", testPassword)
	require.NoError(t, err)

	backend.SetRefreshFailure(http.StatusUnauthorized)
	_, err = sm.EnsureValidToken(ctx)
	require.ErrorIs(t, err, ErrSessionExpired)

	assert.False(t, sm.IsAuthenticated())
	_, ok := sm.CurrentUser()
	assert.False(t, ok)
	assert.Equal(t, []LogoutReason{LogoutExpired}, logouts.reasons())

	_, stored, _ := storage.Get(ctx, TokensKey)
	assert.False(t, stored)
	_, stored, _ = storage.Get(ctx, UserKey)
	assert.False(t, stored)

	_, err = sm.EnsureValidToken(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestSession_ConcurrentCallersShareOneRefresh(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("buyer@example.com", testPassword, "client")
	backend.SetAccessTTL(time.Minute)
	sm := newTestSession(t, backend, NewMemoryStorage())
	ctx := context.Background()

	_, err := sm.Login(ctx, "buyer@example.com", testPassword)
	require.NoError(t, err)

	backend.SetAccessTTL(time.Hour)
	backend.SetRefreshDelay(200 * time.Millisecond)

	const callers = 10
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = sm.EnsureValidToken(ctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
	assert.Equal(t, int64(1), backend.RefreshCalls())
}

func TestSession_RefreshCallerCancellationDoesNotCancelSharedRequest(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("buyer@example.com", testPassword, "client")
	backend.SetAccessTTL(time.Minute)
	sm := newTestSession(t, backend, NewMemoryStorage())

	_, err := sm.Login(context.Background(), "buyer@example.com", testPassword)
	require.NoError(t, err)
	backend.SetAccessTTL(time.Hour)
	backend.SetRefreshDelay(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sm.Refresh(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return !sm.Tokens().IsExpiringSoon() }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, sm.IsAuthenticated())
}

func TestSession_RefreshResolvingAfterLogoutIsDiscarded(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("buyer@example.com", testPassword, "client")
	backend.SetAccessTTL(time.Minute)
	sm := newTestSession(t, backend, NewMemoryStorage())
	var logouts logoutRecorder
	sm.OnLogout(logouts.record)

	_, err := sm.Login(context.Background(), "buyer@example.com", testPassword)
	require.NoError(t, err)
	backend.SetAccessTTL(time.Hour)
	backend.SetRefreshDelay(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := sm.Refresh(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return backend.RefreshCalls() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sm.Logout(context.Background()))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not return")
	}

	_, ok := sm.Tokens().GetAccessToken()
	assert.False(t, ok)
	assert.False(t, sm.IsAuthenticated())
	assert.Equal(t, []LogoutReason{LogoutUser}, logouts.reasons())
}

func TestSession_NetworkFailureKeepsValidToken(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("buyer@example.com", testPassword, "client")
	backend.SetAccessTTL(3 * time.Minute)
	sm := newTestSession(t, backend, NewMemoryStorage())
	ctx := context.Background()

	_, err := sm.Login(ctx, "buyer@example.com", testPassword)
	require.NoError(t, err)
	current, _ := sm.Tokens().GetAccessToken()

	backend.SetRefreshFailure(http.StatusServiceUnavailable)
	token, err := sm.EnsureValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, current, token)
	assert.True(t, sm.IsAuthenticated())

	_, err = sm.Refresh(ctx)
	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)
	assert.True(t, sm.IsAuthenticated())
}

func TestSession_LoginErrors(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("buyer@example.com", testPassword, "client")
	sm := newTestSession(t, backend, NewMemoryStorage())
	ctx := context.Background()

	_, err := sm.Login(ctx, "buyer@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.False(t, sm.IsAuthenticated())

	_, err = sm.Login(ctx, "", "")
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.NotEmpty(t, valErr.Field("email"))
	assert.Equal(t, int64(2), backend.LoginCalls())
}

func TestSession_FailedLoginKeepsExistingSession(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("buyer@example.com", testPassword, "client")
	sm := newTestSession(t, backend, NewMemoryStorage())
	ctx := context.Background()

	_, err := sm.Login(ctx, "buyer@example.com", testPassword)
	require.NoError(t, err)

	_, err = sm.Login(ctx, "buyer@example.com", "wrong-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	u, ok := sm.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "buyer@example.com", u.Email)
}

func TestSession_LogoutClearsEvenWhenServerFails(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("buyer@example.com", testPassword, "client")
	storage := NewMemoryStorage()
	sm := newTestSession(t, backend, storage)
	ctx := context.Background()

	var logouts logoutRecorder
	sm.OnLogout(logouts.record)

	_, err := sm.Login(ctx, "buyer@example.com", testPassword)
	require.NoError(t, err)

	backend.SetLogoutFailure(http.StatusInternalServerError)
	err = sm.Logout(ctx)
	assert.Error(t, err)
	assert.Equal(t, int64(1), backend.LogoutCalls())

	assert.False(t, sm.IsAuthenticated())
	_, ok := sm.Tokens().GetRefreshToken()
	assert.False(t, ok)
	_, stored, _ := storage.Get(ctx, TokensKey)
	assert.False(t, stored)
	assert.Equal(t, []LogoutReason{LogoutUser}, logouts.reasons())

	// a second logout has nothing to clear and broadcasts nothing
	require.NoError(t, sm.Logout(ctx))
	assert.Len(t, logouts.reasons(), 1)
	assert.Equal(t, int64(1), backend.LogoutCalls())
}

func TestSession_RegisterAdminRequiresValidInvitation(t *testing.T) {
	backend := newBackend(t)
	sm := newTestSession(t, backend, NewMemoryStorage())
	ctx := context.Background()

	data := AdminRegistration{Email: "boss@example.com", Password: testPassword}

	_, err := sm.RegisterAdmin(ctx, data, "bogus")
	require.ErrorIs(t, err, ErrInvalidInvitation)
	_, err = sm.RegisterAdmin(ctx, data, "")
	require.ErrorIs(t, err, ErrInvalidInvitation)
	assert.Equal(t, int64(0), backend.RegisterAdminCalls())

	backend.AddInvitation("invite-1", "boss@example.com")
	inv, err := sm.ValidateInvitation(ctx, "invite-1")
	require.NoError(t, err)
	assert.Equal(t, "boss@example.com", inv.Email)

	res, err := sm.RegisterAdmin(ctx, data, "invite-1")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, res.User.Role)
	assert.Equal(t, int64(1), backend.RegisterAdminCalls())
	assert.Equal(t, RoleAdmin, sm.Role())

	// invitations are single use
	_, err = sm.RegisterAdmin(ctx, data, "invite-1")
	assert.ErrorIs(t, err, ErrInvalidInvitation)
}

func TestSession_RegisterClient(t *testing.T) {
	backend := newBackend(t)
	sm := newTestSession(t, backend, NewMemoryStorage())
	ctx := context.Background()

	res, err := sm.RegisterClient(ctx, ClientRegistration{Email: "new@example.com", Password: testPassword, FirstName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", res.User.FirstName)
	assert.True(t, sm.IsAuthenticated())

	_, err = sm.RegisterClient(ctx, ClientRegistration{Email: "new@example.com", Password: testPassword})
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.NotEmpty(t, valErr.Field("email"))

	_, err = sm.RegisterClient(ctx, ClientRegistration{Email: "short@example.com", Password: "123"})
	require.ErrorAs(t, err, &valErr)
	assert.NotEmpty(t, valErr.Field("password"))
}

func TestSession_LogoutInOneHandleEndsTheOther(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("buyer@example.com", testPassword, "client")
	shared := NewMemoryStorage()
	tabA := newTestSession(t, backend, shared)
	tabB := newTestSession(t, backend, shared.Attach())
	ctx := context.Background()

	var logoutsB logoutRecorder
	tabB.OnLogout(logoutsB.record)

	_, err := tabA.Login(ctx, "buyer@example.com", testPassword)
	require.NoError(t, err)

	require.Eventually(t, tabB.IsAuthenticated, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		u, ok := tabB.CurrentUser()
		return ok && u.Email == "buyer@example.com"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tabA.Logout(ctx))

	require.Eventually(t, func() bool { return !tabB.IsAuthenticated() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(logoutsB.reasons()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []LogoutReason{LogoutRemote}, logoutsB.reasons())
}

func TestSession_ConcurrentLoginsOnAttachedHandles(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("first@example.com", testPassword, "client")
	backend.AddUser("second@example.com", testPassword, "admin")
	shared := NewMemoryStorage()
	other := shared.Attach()

	// slow peer listeners registered ahead of the session managers
	slow := func(StorageEvent) { time.Sleep(50 * time.Millisecond) }
	shared.Subscribe(slow)
	other.Subscribe(slow)

	tabA := newTestSession(t, backend, shared)
	tabB := newTestSession(t, backend, other)
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() {
		_, err := tabA.Login(ctx, "first@example.com", testPassword)
		errs <- err
	}()
	go func() {
		_, err := tabB.Login(ctx, "second@example.com", testPassword)
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("logins on attached handles did not return")
		}
	}

	// both handles converge on the last persisted pair
	require.Eventually(t, func() bool {
		a, okA := tabA.Tokens().GetAccessToken()
		b, okB := tabB.Tokens().GetAccessToken()
		return okA && okB && a == b
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSession_RestoreFromStorage(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("buyer@example.com", testPassword, "client")
	storage := NewMemoryStorage()
	ctx := context.Background()

	first := newTestSession(t, backend, storage)
	_, err := first.Login(ctx, "buyer@example.com", testPassword)
	require.NoError(t, err)

	second := newTestSession(t, backend, storage.Attach())
	restored, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, RoleClient, second.Role())

	empty := newTestSession(t, backend, NewMemoryStorage())
	restored, err = empty.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, restored)
}

func TestSession_HTTPClientAttachesBearer(t *testing.T) {
	backend := newBackend(t)
	userID := backend.AddUser("buyer@example.com", testPassword, "client")
	sm := newTestSession(t, backend, NewMemoryStorage())
	ctx := context.Background()

	resp, err := sm.HTTPClient(ctx).Get(backend.APIBaseURL() + "/orders/")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAuthenticated))
	if resp != nil {
		resp.Body.Close()
	}

	_, err = sm.Login(ctx, "buyer@example.com", testPassword)
	require.NoError(t, err)

	resp, err = sm.HTTPClient(ctx).Get(backend.APIBaseURL() + "/orders/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), userID)
}

func TestSession_RefreshKeeperRefreshesAhead(t *testing.T) {
	backend := newBackend(t)
	backend.AddUser("buyer@example.com", testPassword, "client")
	backend.SetAccessTTL(5*time.Minute - time.Second)
	sm := newTestSession(t, backend, NewMemoryStorage())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sm.StartRefreshKeeper(ctx)

	_, err := sm.Login(ctx, "buyer@example.com", testPassword)
	require.NoError(t, err)
	backend.SetAccessTTL(time.Hour)

	require.Eventually(t, func() bool { return backend.RefreshCalls() >= 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return !sm.Tokens().IsExpiringSoon() }, 2*time.Second, 20*time.Millisecond)
}
