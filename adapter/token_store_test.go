package storefront

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeToken signs a throwaway JWT; the client never verifies signatures
func makeToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 42,
		"role":    "client",
		"exp":     exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestTokenStore_ValidToken(t *testing.T) {
	now := time.Now()
	ts := NewTokenStore(NewMemoryStorage(), nil, WithClock(func() time.Time { return now }))

	require.NoError(t, ts.SetTokens(makeToken(t, now.Add(time.Hour)), "refresh-1"))

	assert.True(t, ts.IsValid())
	assert.False(t, ts.IsExpiringSoon())
	assert.Equal(t, now.Add(time.Hour).Unix(), ts.ExpiresAt().Unix())

	access, ok := ts.GetAccessToken()
	assert.True(t, ok)
	assert.NotEmpty(t, access)
	refresh, ok := ts.GetRefreshToken()
	assert.True(t, ok)
	assert.Equal(t, "refresh-1", refresh)
}

func TestTokenStore_ExpiryWindows(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	tests := []struct {
		name         string
		expiresIn    time.Duration
		wantValid    bool
		wantExpiring bool
	}{
		{"an hour left", time.Hour, true, false},
		{"four minutes left", 4 * time.Minute, true, true},
		{"inside the skew buffer", 20 * time.Second, false, true},
		{"already expired", -time.Minute, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := NewTokenStore(nil, nil, WithClock(clock))
			require.NoError(t, ts.SetTokens(makeToken(t, now.Add(tt.expiresIn)), "r"))
			assert.Equal(t, tt.wantValid, ts.IsValid())
			assert.Equal(t, tt.wantExpiring, ts.IsExpiringSoon())
		})
	}
}

func TestTokenStore_MalformedTokenIsExpired(t *testing.T) {
	ts := NewTokenStore(NewMemoryStorage(), nil)

	require.NoError(t, ts.SetTokens("not-a-jwt", "refresh"))

	assert.True(t, ts.ExpiresAt().IsZero())
	assert.False(t, ts.IsValid())
	assert.True(t, ts.IsExpiringSoon())
}

func TestTokenStore_EmptyStore(t *testing.T) {
	ts := NewTokenStore(NewMemoryStorage(), nil)

	_, ok := ts.GetAccessToken()
	assert.False(t, ok)
	_, ok = ts.GetRefreshToken()
	assert.False(t, ok)
	assert.False(t, ts.IsValid())
	assert.True(t, ts.IsExpiringSoon())
}

func TestTokenStore_ClearIsIdempotent(t *testing.T) {
	storage := NewMemoryStorage()
	ts := NewTokenStore(storage, nil)
	require.NoError(t, ts.SetTokens(makeToken(t, time.Now().Add(time.Hour)), "r"))

	require.NoError(t, ts.Clear())
	require.NoError(t, ts.Clear())

	_, ok := ts.GetAccessToken()
	assert.False(t, ok)
	assert.True(t, ts.ExpiresAt().IsZero())

	_, stored, err := storage.Get(context.Background(), TokensKey)
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestTokenStore_PersistsAsOneRecord(t *testing.T) {
	storage := NewMemoryStorage()
	exp := time.Now().Add(time.Hour)
	access := makeToken(t, exp)

	ts := NewTokenStore(storage, nil)
	require.NoError(t, ts.SetTokens(access, "refresh-1"))

	raw, ok, err := storage.Get(context.Background(), TokensKey)
	require.NoError(t, err)
	require.True(t, ok)

	var rec tokenRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, access, rec.Access)
	assert.Equal(t, "refresh-1", rec.Refresh)
	assert.Equal(t, exp.Unix(), rec.ExpiresAt)

	// a second store over the same data sees the same pair
	restored := NewTokenStore(storage.Attach(), nil)
	assert.Equal(t, ts.Pair(), restored.Pair())
}

func TestTokenStore_SetAccessTokenKeepsRefresh(t *testing.T) {
	ts := NewTokenStore(NewMemoryStorage(), nil)
	require.NoError(t, ts.SetTokens(makeToken(t, time.Now().Add(time.Minute)), "refresh-1"))

	next := makeToken(t, time.Now().Add(time.Hour))
	require.NoError(t, ts.SetAccessToken(next))

	access, _ := ts.GetAccessToken()
	refresh, _ := ts.GetRefreshToken()
	assert.Equal(t, next, access)
	assert.Equal(t, "refresh-1", refresh)
	assert.False(t, ts.IsExpiringSoon())
}

func TestTokenStore_ReloadDiscardsCorruptRecord(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Set(context.Background(), TokensKey, "{broken"))

	ts := NewTokenStore(storage, nil)

	_, ok := ts.GetAccessToken()
	assert.False(t, ok)
	assert.Error(t, ts.Reload(context.Background()))
}

func TestDecodeClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	claims, ok := DecodeClaims(makeToken(t, exp))
	require.True(t, ok)
	assert.Equal(t, exp.Unix(), claims.Expiry().Unix())
	assert.Equal(t, "client", claims.Role)

	for _, bad := range []string{"", "abc", "a.b", "a.%%%.c"} {
		_, ok := DecodeClaims(bad)
		assert.False(t, ok, "token %q", bad)
	}
}
