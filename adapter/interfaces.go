package storefront

import (
	"context"
	"io"
	"net/http"
)

// ============================================================================
// INTERFACES - contracts between the session core, storage and channel layers
// ============================================================================

// Storage is the persistence boundary for tokens and the user profile.
// Subscribe reports changes made through other handles on the same backing
// store (another tab, another process); a handle never sees its own writes.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Subscribe(fn func(StorageEvent)) (unsubscribe func())
	io.Closer
}

// TokenReader is the read-only view of the token store used by the channel layer
type TokenReader interface {
	GetAccessToken() (string, bool)
}

// UserReader exposes the current user for subscription scoping and role guards
type UserReader interface {
	CurrentUser() (*User, bool)
}

// SessionClient is what feature code depends on for authentication
type SessionClient interface {
	UserReader
	Login(ctx context.Context, email, password string) (*AuthResult, error)
	RegisterClient(ctx context.Context, data ClientRegistration) (*AuthResult, error)
	RegisterAdmin(ctx context.Context, data AdminRegistration, invitationToken string) (*AuthResult, error)
	Logout(ctx context.Context) error
	Refresh(ctx context.Context) (string, error)
	EnsureValidToken(ctx context.Context) (string, error)
	IsAuthenticated() bool
	HTTPClient(ctx context.Context) *http.Client
	OnLogout(fn func(LogoutEvent)) (unsubscribe func())
}

var (
	_ Storage       = (*MemoryStorage)(nil)
	_ Storage       = (*FileStorage)(nil)
	_ Storage       = (*RedisStorage)(nil)
	_ TokenReader   = (*TokenStore)(nil)
	_ SessionClient = (*SessionManager)(nil)
)
