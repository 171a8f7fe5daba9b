package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	refreshKey = "refresh"

	// keeper intervals when there is nothing to refresh or the last attempt failed
	keeperIdleInterval  = time.Minute
	keeperRetryInterval = 30 * time.Second
)

// CreateSessionManager builds storage, the auth API client, the token store and
// the session manager from cfg, then restores any persisted session
func CreateSessionManager(ctx context.Context, cfg Config, logger *slog.Logger) (*SessionManager, error) {
	if logger == nil {
		logger = DiscardLogger()
	}

	storage, err := NewStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	api := NewAuthAPI(cfg.APIBaseURL, &http.Client{Timeout: cfg.RequestTimeout}, logger)
	tokens := NewTokenStore(storage, logger)
	sm := NewSessionManager(api, tokens, storage, logger)

	if _, err := sm.Restore(ctx); err != nil {
		logger.Warn("Unable to restore persisted session, starting logged out",
			"function", "CreateSessionManager",
			"error", err)
	}
	return sm, nil
}

// SessionManager owns the login/logout/refresh lifecycle.
// It is the only writer of the TokenStore.
type SessionManager struct {
	api     *AuthAPI
	tokens  *TokenStore
	storage Storage
	logger  *slog.Logger

	mu         sync.RWMutex
	user       *User
	generation uint64 // bumped on every login and teardown; stale async results compare against it

	refreshGroup singleflight.Group
	logoutEvents *Emitter[LogoutEvent]
	tokenUpdated chan struct{}

	unsubscribeStorage func()
}

// NewSessionManager wires the session core. storage may be nil for a purely
// in-memory session; it must be the same store the TokenStore writes to.
func NewSessionManager(api *AuthAPI, tokens *TokenStore, storage Storage, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = DiscardLogger()
	}
	sm := &SessionManager{
		api:          api,
		tokens:       tokens,
		storage:      storage,
		logger:       logger,
		logoutEvents: NewEmitter[LogoutEvent]("logout", logger),
		tokenUpdated: make(chan struct{}, 1),
	}
	if storage != nil {
		sm.unsubscribeStorage = storage.Subscribe(sm.handleStorageEvent)
	}
	return sm
}

// Tokens exposes the token store for read-only consumers such as the channel registry
func (sm *SessionManager) Tokens() *TokenStore { return sm.tokens }

// Close detaches from storage events and closes the storage
func (sm *SessionManager) Close() error {
	if sm.unsubscribeStorage != nil {
		sm.unsubscribeStorage()
	}
	if sm.storage != nil {
		return sm.storage.Close()
	}
	return nil
}

// Restore rehydrates user and tokens from storage. It reports whether a session was found.
func (sm *SessionManager) Restore(ctx context.Context) (bool, error) {
	if err := sm.tokens.Reload(ctx); err != nil {
		return false, err
	}
	user, err := sm.loadUser(ctx)
	if err != nil {
		return false, err
	}

	sm.mu.Lock()
	sm.user = user
	sm.generation++
	sm.mu.Unlock()

	_, hasRefresh := sm.tokens.GetRefreshToken()
	restored := user != nil && hasRefresh
	if restored {
		sm.logger.Info("Restored persisted session",
			"function", "Restore",
			"user_id", user.ID,
			"expires_at", sm.tokens.ExpiresAt())
		sm.signalTokenUpdated()
	}
	return restored, nil
}

// Login authenticates and replaces the current session on success.
// On failure the existing session is left untouched.
func (sm *SessionManager) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	res, err := sm.api.Login(ctx, LoginRequest{Email: email, Password: password})
	if err != nil {
		sm.logger.Info("Login failed",
			"function", "Login",
			"error", err)
		return nil, sm.mapAuthError(err, ErrInvalidCredentials)
	}

	if err := sm.establish(ctx, res); err != nil {
		return nil, err
	}
	sm.logger.Info("Login successful",
		"function", "Login",
		"user_id", res.User.ID,
		"role", res.User.Role)
	return res, nil
}

// RegisterClient creates a client account. When the backend returns tokens
// the new account becomes the current session.
func (sm *SessionManager) RegisterClient(ctx context.Context, data ClientRegistration) (*AuthResult, error) {
	res, err := sm.api.RegisterClient(ctx, data)
	if err != nil {
		return nil, sm.mapAuthError(err, nil)
	}
	if res.Tokens.AccessToken == "" {
		return res, nil
	}
	if err := sm.establish(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ValidateInvitation checks an admin invitation token
func (sm *SessionManager) ValidateInvitation(ctx context.Context, token string) (*Invitation, error) {
	if token == "" {
		return nil, ErrInvalidInvitation
	}
	inv, err := sm.api.ValidateInvitation(ctx, token)
	if err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvitation, err)
	}
	if !inv.Valid {
		return nil, ErrInvalidInvitation
	}
	return inv, nil
}

// RegisterAdmin validates the invitation first and never reaches the
// registration endpoint when validation fails
func (sm *SessionManager) RegisterAdmin(ctx context.Context, data AdminRegistration, invitationToken string) (*AuthResult, error) {
	if _, err := sm.ValidateInvitation(ctx, invitationToken); err != nil {
		sm.logger.Info("Admin registration rejected locally",
			"function", "RegisterAdmin",
			"error", err)
		return nil, err
	}

	data.InvitationToken = invitationToken
	res, err := sm.api.RegisterAdmin(ctx, data)
	if err != nil {
		return nil, sm.mapAuthError(err, nil)
	}
	if res.Tokens.AccessToken == "" {
		return res, nil
	}
	if err := sm.establish(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Logout invalidates the refresh token server side and always clears local state.
// The returned error only reports the server call; the local session is gone either way.
func (sm *SessionManager) Logout(ctx context.Context) error {
	refresh, hasRefresh := sm.tokens.GetRefreshToken()
	access, _ := sm.tokens.GetAccessToken()

	var serverErr error
	if hasRefresh {
		if err := sm.api.Logout(ctx, refresh, access); err != nil {
			sm.logger.Warn("Server logout failed, clearing local session anyway",
				"function", "Logout",
				"error", err)
			serverErr = fmt.Errorf("server logout failed: %w", err)
		}
	}

	sm.teardown(LogoutUser, true)
	return serverErr
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers share one request. An invalid or expired refresh token tears the
// session down and returns ErrSessionExpired; callers must not retry then.
func (sm *SessionManager) Refresh(ctx context.Context) (string, error) {
	// the shared request outlives any single caller's cancellation
	shared := context.WithoutCancel(ctx)
	ch := sm.refreshGroup.DoChan(refreshKey, func() (any, error) {
		return sm.doRefresh(shared)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// EnsureValidToken is the entry point before any authenticated action.
// It refreshes when the token is within five minutes of expiry.
func (sm *SessionManager) EnsureValidToken(ctx context.Context) (string, error) {
	access, hasAccess := sm.tokens.GetAccessToken()
	if hasAccess && !sm.tokens.IsExpiringSoon() {
		return access, nil
	}

	if _, hasRefresh := sm.tokens.GetRefreshToken(); !hasRefresh && !hasAccess {
		return "", ErrNotAuthenticated
	}

	token, err := sm.Refresh(ctx)
	if err != nil {
		var netErr *NetworkError
		// a transient failure while the old token still works is not fatal
		if errors.As(err, &netErr) && sm.tokens.IsValid() {
			sm.logger.Warn("Refresh failed, using current token until expiry",
				"function", "EnsureValidToken",
				"expires_at", sm.tokens.ExpiresAt(),
				"error", err)
			return access, nil
		}
		return "", err
	}
	return token, nil
}

// CurrentUser returns a copy of the logged-in user
func (sm *SessionManager) CurrentUser() (*User, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.user == nil {
		return nil, false
	}
	u := *sm.user
	return &u, true
}

// Role returns the current role, or "" when logged out
func (sm *SessionManager) Role() Role {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.user == nil {
		return ""
	}
	return sm.user.Role
}

// IsAuthenticated is true with a user and a token pair that is valid or refreshable
func (sm *SessionManager) IsAuthenticated() bool {
	sm.mu.RLock()
	hasUser := sm.user != nil
	sm.mu.RUnlock()
	if !hasUser {
		return false
	}
	if sm.tokens.IsValid() {
		return true
	}
	_, hasRefresh := sm.tokens.GetRefreshToken()
	return hasRefresh
}

// OnLogout registers fn for every session teardown
func (sm *SessionManager) OnLogout(fn func(LogoutEvent)) func() {
	return sm.logoutEvents.Subscribe(fn)
}

// TokenSource adapts the session to golang.org/x/oauth2. Every Token call
// goes through EnsureValidToken, so it refreshes ahead of expiry.
func (sm *SessionManager) TokenSource() oauth2.TokenSource {
	return sessionTokenSource{sm: sm}
}

// HTTPClient returns a client that attaches the current bearer token to each request
func (sm *SessionManager) HTTPClient(ctx context.Context) *http.Client {
	base := sm.api.HTTPClient()
	if c, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && c != nil {
		base = c
	}
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: sm.TokenSource(),
			Base:   base.Transport,
		},
		Timeout: base.Timeout,
	}
}

type sessionTokenSource struct {
	sm *SessionManager
}

func (s sessionTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.sm.EnsureValidToken(context.Background())
	if err != nil {
		return nil, err
	}
	pair := s.sm.tokens.Pair()
	pair.AccessToken = token
	return pair.OAuth2Token(), nil
}

// StartRefreshKeeper refreshes the access token shortly before it expires
// until ctx is cancelled, so long-lived channels reconnect with a fresh token
func (sm *SessionManager) StartRefreshKeeper(ctx context.Context) {
	sm.logger.Info("Refresh keeper started",
		"function", "StartRefreshKeeper")

	go func() {
		timer := time.NewTimer(sm.nextRefreshIn())
		defer timer.Stop()

		reset := func(d time.Duration) {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
		}

		for {
			select {
			case <-ctx.Done():
				sm.logger.Info("Refresh keeper stopped",
					"function", "StartRefreshKeeper")
				return

			case <-sm.tokenUpdated:
				next := sm.nextRefreshIn()
				sm.logger.Debug("Token updated, rescheduling refresh",
					"function", "StartRefreshKeeper",
					"next_refresh_in", next)
				reset(next)

			case <-timer.C:
				if !sm.IsAuthenticated() {
					timer.Reset(keeperIdleInterval)
					continue
				}
				if _, err := sm.EnsureValidToken(ctx); err != nil {
					sm.logger.Warn("Scheduled refresh failed",
						"function", "StartRefreshKeeper",
						"error", err)
					timer.Reset(keeperRetryInterval)
					continue
				}
				timer.Reset(sm.nextRefreshIn())
			}
		}
	}()
}

func (sm *SessionManager) nextRefreshIn() time.Duration {
	exp := sm.tokens.ExpiresAt()
	if exp.IsZero() {
		return keeperIdleInterval
	}
	d := exp.Add(-earlyRefreshTime).Sub(sm.tokens.now())
	if d <= 0 {
		return time.Second
	}
	return d
}

func (sm *SessionManager) doRefresh(ctx context.Context) (string, error) {
	sm.mu.RLock()
	gen := sm.generation
	sm.mu.RUnlock()

	refresh, ok := sm.tokens.GetRefreshToken()
	if !ok {
		sm.expire(gen)
		return "", ErrSessionExpired
	}

	sm.logger.Debug("Refreshing access token",
		"function", "doRefresh",
		"expires_at", sm.tokens.ExpiresAt())

	pair, err := sm.api.Refresh(ctx, refresh)
	if err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			sm.logger.Warn("Refresh request failed",
				"function", "doRefresh",
				"error", err)
			return "", err
		}
		sm.logger.Info("Refresh token rejected, ending session",
			"function", "doRefresh",
			"error", err)
		sm.expire(gen)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	sm.mu.Lock()
	if sm.generation != gen {
		sm.mu.Unlock()
		sm.logger.Info("Discarding refresh result for a superseded session",
			"function", "doRefresh")
		return "", ErrSessionExpired
	}
	if pair.RefreshToken != "" {
		err = sm.tokens.SetTokens(pair.AccessToken, pair.RefreshToken)
	} else {
		err = sm.tokens.SetAccessToken(pair.AccessToken)
	}
	sm.mu.Unlock()

	if err != nil {
		sm.logger.Warn("Unable to persist refreshed token",
			"function", "doRefresh",
			"error", err)
	}
	sm.signalTokenUpdated()

	sm.logger.Info("Access token refreshed",
		"function", "doRefresh",
		"expires_at", sm.tokens.ExpiresAt())
	return pair.AccessToken, nil
}

// establish installs a login/registration result as the current session
func (sm *SessionManager) establish(ctx context.Context, res *AuthResult) error {
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		return &NetworkError{Op: "login", Err: errors.New("response carries no token pair")}
	}

	user := res.User
	sm.mu.Lock()
	sm.generation++
	sm.user = &user
	err := sm.tokens.SetTokens(res.Tokens.AccessToken, res.Tokens.RefreshToken)
	sm.mu.Unlock()

	if err != nil {
		sm.logger.Warn("Unable to persist tokens",
			"function", "establish",
			"error", err)
	}
	if err := sm.saveUser(ctx, &user); err != nil {
		sm.logger.Warn("Unable to persist user profile",
			"function", "establish",
			"error", err)
	}

	res.Tokens.ExpiresAt = sm.tokens.ExpiresAt()
	sm.signalTokenUpdated()
	return nil
}

// expire ends the session for a failed refresh, unless a newer session replaced it
func (sm *SessionManager) expire(gen uint64) {
	sm.mu.RLock()
	current := sm.generation
	sm.mu.RUnlock()
	if current != gen {
		return
	}
	sm.teardown(LogoutExpired, true)
}

// teardown clears user and tokens and broadcasts. persist is false when
// another handle already removed the stored session.
func (sm *SessionManager) teardown(reason LogoutReason, persist bool) {
	sm.mu.Lock()
	hadSession := sm.user != nil
	if _, ok := sm.tokens.GetRefreshToken(); ok {
		hadSession = true
	}
	userID := ""
	if sm.user != nil {
		userID = sm.user.ID
	}
	sm.user = nil
	sm.generation++

	if persist {
		if err := sm.tokens.Clear(); err != nil {
			sm.logger.Warn("Unable to remove persisted tokens",
				"function", "teardown",
				"error", err)
		}
	} else {
		sm.tokens.setMemory(tokenRecord{})
	}
	sm.mu.Unlock()

	if persist && sm.storage != nil {
		if err := sm.storage.Remove(context.Background(), UserKey); err != nil {
			sm.logger.Warn("Unable to remove persisted user",
				"function", "teardown",
				"error", err)
		}
	}

	if !hadSession {
		return
	}

	sm.logger.Info("Session ended",
		"function", "teardown",
		"reason", reason,
		"user_id", userID)
	sm.logoutEvents.Emit(LogoutEvent{Reason: reason, UserID: userID, At: sm.tokens.now()})
}

func (sm *SessionManager) handleStorageEvent(ev StorageEvent) {
	ctx := context.Background()

	switch ev.Key {
	case TokensKey:
		if ev.Op == StorageRemove {
			sm.teardown(LogoutRemote, false)
			return
		}
		sm.mu.Lock()
		err := sm.tokens.Reload(ctx)
		sm.mu.Unlock()
		if err != nil {
			sm.logger.Warn("Unable to reload tokens changed elsewhere",
				"function", "handleStorageEvent",
				"error", err)
			return
		}
		sm.signalTokenUpdated()

	case UserKey:
		if ev.Op == StorageRemove {
			return
		}
		user, err := sm.loadUser(ctx)
		if err != nil {
			sm.logger.Warn("Unable to reload user changed elsewhere",
				"function", "handleStorageEvent",
				"error", err)
			return
		}
		sm.mu.Lock()
		if user != nil && (sm.user == nil || sm.user.ID != user.ID) {
			sm.generation++
		}
		sm.user = user
		sm.mu.Unlock()
	}
}

func (sm *SessionManager) saveUser(ctx context.Context, user *User) error {
	if sm.storage == nil {
		return nil
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	return sm.storage.Set(ctx, UserKey, string(data))
}

func (sm *SessionManager) loadUser(ctx context.Context) (*User, error) {
	if sm.storage == nil {
		return nil, nil
	}
	raw, ok, err := sm.storage.Get(ctx, UserKey)
	if err != nil || !ok {
		return nil, err
	}
	var user User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

func (sm *SessionManager) signalTokenUpdated() {
	select {
	case sm.tokenUpdated <- struct{}{}:
	default:
	}
}

// mapAuthError folds raw status errors into the error taxonomy.
// unauthorized is what a 401/403 means for this call (nil keeps the status error).
func (sm *SessionManager) mapAuthError(err error, unauthorized error) error {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return err // NetworkError and ValidationError pass through
	}

	switch statusErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		if unauthorized != nil {
			if statusErr.Message != "" {
				return fmt.Errorf("%w: %s", unauthorized, statusErr.Message)
			}
			return unauthorized
		}
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return &ValidationError{Message: statusErr.Message, Fields: statusErr.Fields}
	}
	return err
}
