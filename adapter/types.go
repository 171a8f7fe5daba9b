package storefront

import (
	"encoding/json"
	"time"

	"golang.org/x/oauth2"
)

// Role is the account role carried on the user profile
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
)

// User is the profile returned by the auth endpoints.
// Fields the client does not know about are kept in Extra.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// IsAdmin reports whether the user carries the admin role
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
// Numeric ids are accepted and stored as their decimal text.
func (u *User) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*u = User{}
	for key, value := range raw {
		var err error
		switch key {
		case "id":
			u.ID = decodeID(value)
		case "email":
			err = json.Unmarshal(value, &u.Email)
		case "role":
			err = json.Unmarshal(value, &u.Role)
		case "first_name":
			err = json.Unmarshal(value, &u.FirstName)
		case "last_name":
			err = json.Unmarshal(value, &u.LastName)
		case "phone":
			err = json.Unmarshal(value, &u.Phone)
		default:
			if u.Extra == nil {
				u.Extra = make(map[string]json.RawMessage)
			}
			u.Extra[key] = value
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON writes known fields plus Extra back out
func (u User) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 6+len(u.Extra))
	for k, v := range u.Extra {
		out[k] = v
	}
	out["id"] = u.ID
	out["email"] = u.Email
	out["role"] = u.Role
	if u.FirstName != "" {
		out["first_name"] = u.FirstName
	}
	if u.LastName != "" {
		out["last_name"] = u.LastName
	}
	if u.Phone != "" {
		out["phone"] = u.Phone
	}
	return json.Marshal(out)
}

func decodeID(value json.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(value, &n); err == nil {
		return n.String()
	}
	return ""
}

// TokenPair is the access/refresh pair issued by the backend
type TokenPair struct {
	AccessToken  string    `json:"access"`
	RefreshToken string    `json:"refresh"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// OAuth2Token converts the pair for use with golang.org/x/oauth2 transports
func (p TokenPair) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       p.ExpiresAt,
	}
}

// AuthResult is the success body of login and registration
type AuthResult struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// LoginRequest is the body of POST /auth/login/
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ClientRegistration is the body of POST /auth/register/client/
type ClientRegistration struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm,omitempty"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	Phone           string `json:"phone,omitempty"`
}

// AdminRegistration is the body of POST /auth/register/admin/.
// InvitationToken is filled in by RegisterAdmin.
type AdminRegistration struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm,omitempty"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	InvitationToken string `json:"invitation_token"`
}

// Invitation is the body returned by GET /auth/invitations/validate/:token/
type Invitation struct {
	Valid     bool      `json:"valid"`
	Email     string    `json:"email,omitempty"`
	Role      Role      `json:"role,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// LogoutReason tells listeners why a session ended
type LogoutReason string

const (
	LogoutUser    LogoutReason = "user"    // explicit Logout call
	LogoutExpired LogoutReason = "expired" // refresh failed
	LogoutRemote  LogoutReason = "remote"  // another handle on the same storage cleared the session
)

// LogoutEvent is broadcast when a session is torn down
type LogoutEvent struct {
	Reason LogoutReason
	UserID string
	At     time.Time
}
