package storefront

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// validityBuffer absorbs clock skew and request latency
	validityBuffer = 30 * time.Second
	// earlyRefreshTime is how far ahead of expiry callers should refresh
	earlyRefreshTime = 5 * time.Minute
)

// tokenRecord is the single storage value holding the pair and its decoded expiry
type tokenRecord struct {
	Access    string `json:"access"`
	Refresh   string `json:"refresh"`
	ExpiresAt int64  `json:"expires_at"` // epoch seconds, 0 when the access token could not be decoded
}

// TokenStore holds the access/refresh pair and its decoded expiry.
// Both tokens are written as one storage record so readers never observe half a pair.
type TokenStore struct {
	storage Storage
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	access    string
	refresh   string
	expiresAt time.Time
}

// TokenStoreOption configures a TokenStore
type TokenStoreOption func(*TokenStore)

// WithClock replaces time.Now, for simulated clocks in tests
func WithClock(now func() time.Time) TokenStoreOption {
	return func(ts *TokenStore) { ts.now = now }
}

// NewTokenStore creates a store over storage and loads any persisted pair
func NewTokenStore(storage Storage, logger *slog.Logger, opts ...TokenStoreOption) *TokenStore {
	if logger == nil {
		logger = DiscardLogger()
	}
	ts := &TokenStore{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(ts)
	}

	if err := ts.Reload(context.Background()); err != nil {
		ts.logger.Warn("Discarding unreadable persisted tokens",
			"function", "NewTokenStore",
			"error", err)
	}
	return ts
}

// SetTokens replaces the whole pair and recomputes expiry from access
func (ts *TokenStore) SetTokens(access, refresh string) error {
	expiresAt := tokenExpiry(access)

	ts.mu.Lock()
	ts.access = access
	ts.refresh = refresh
	ts.expiresAt = expiresAt
	ts.mu.Unlock()

	if expiresAt.IsZero() {
		ts.logger.Warn("Access token has no decodable expiry, treating as expired",
			"function", "SetTokens",
			"token_length", len(access))
	}
	return ts.persist(access, refresh, expiresAt)
}

// SetAccessToken replaces the access token and keeps the refresh token
func (ts *TokenStore) SetAccessToken(access string) error {
	expiresAt := tokenExpiry(access)

	ts.mu.Lock()
	ts.access = access
	ts.expiresAt = expiresAt
	refresh := ts.refresh
	ts.mu.Unlock()

	return ts.persist(access, refresh, expiresAt)
}

// GetAccessToken returns the access token, ok false when none is stored
func (ts *TokenStore) GetAccessToken() (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.access, ts.access != ""
}

// GetRefreshToken returns the refresh token, ok false when none is stored
func (ts *TokenStore) GetRefreshToken() (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.refresh, ts.refresh != ""
}

// ExpiresAt returns the decoded expiry of the access token (zero when unknown)
func (ts *TokenStore) ExpiresAt() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.expiresAt
}

// Pair returns a snapshot of the stored pair
func (ts *TokenStore) Pair() TokenPair {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return TokenPair{AccessToken: ts.access, RefreshToken: ts.refresh, ExpiresAt: ts.expiresAt}
}

// IsValid reports an access token that is at least validityBuffer away from expiry
func (ts *TokenStore) IsValid() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.access == "" || ts.expiresAt.IsZero() {
		return false
	}
	return ts.now().Before(ts.expiresAt.Add(-validityBuffer))
}

// IsExpiringSoon reports that the access token expires within earlyRefreshTime.
// A missing or undecodable token counts as expiring.
func (ts *TokenStore) IsExpiringSoon() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.access == "" || ts.expiresAt.IsZero() {
		return true
	}
	return ts.now().After(ts.expiresAt.Add(-earlyRefreshTime))
}

// Clear removes both tokens and the expiry. Calling it twice is fine.
func (ts *TokenStore) Clear() error {
	ts.mu.Lock()
	ts.access = ""
	ts.refresh = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()

	if ts.storage == nil {
		return nil
	}
	if err := ts.storage.Remove(context.Background(), TokensKey); err != nil {
		return fmt.Errorf("failed to remove persisted tokens: %w", err)
	}
	return nil
}

// Reload replaces the in-memory pair with the persisted record.
// A missing record clears the in-memory pair.
func (ts *TokenStore) Reload(ctx context.Context) error {
	if ts.storage == nil {
		return nil
	}

	raw, ok, err := ts.storage.Get(ctx, TokensKey)
	if err != nil {
		return fmt.Errorf("failed to read persisted tokens: %w", err)
	}
	if !ok {
		ts.setMemory(tokenRecord{})
		return nil
	}

	var rec tokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		ts.setMemory(tokenRecord{})
		return fmt.Errorf("failed to unmarshal persisted tokens: %w", err)
	}

	// the token itself is the source of truth for expiry
	if exp := tokenExpiry(rec.Access); !exp.IsZero() {
		rec.ExpiresAt = exp.Unix()
	} else {
		rec.ExpiresAt = 0
	}
	ts.setMemory(rec)
	return nil
}

func (ts *TokenStore) setMemory(rec tokenRecord) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.access = rec.Access
	ts.refresh = rec.Refresh
	if rec.ExpiresAt > 0 {
		ts.expiresAt = time.Unix(rec.ExpiresAt, 0)
	} else {
		ts.expiresAt = time.Time{}
	}
}

func (ts *TokenStore) persist(access, refresh string, expiresAt time.Time) error {
	if ts.storage == nil {
		return nil
	}

	rec := tokenRecord{Access: access, Refresh: refresh}
	if !expiresAt.IsZero() {
		rec.ExpiresAt = expiresAt.Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	if err := ts.storage.Set(context.Background(), TokensKey, string(data)); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}
	return nil
}
