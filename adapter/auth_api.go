package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Auth endpoint paths, relative to the API base URL
const (
	loginPath              = "/auth/login/"
	registerClientPath     = "/auth/register/client/"
	registerAdminPath      = "/auth/register/admin/"
	logoutPath             = "/auth/logout/"
	refreshPath            = "/auth/token/refresh/"
	validateInvitationPath = "/auth/invitations/validate/"
)

// AuthAPI performs the raw HTTP calls against the auth endpoints.
// It holds no session state; SessionManager owns that.
type AuthAPI struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAuthAPI creates the auth endpoint client. A nil httpClient uses http.DefaultClient.
func NewAuthAPI(baseURL string, httpClient *http.Client, logger *slog.Logger) *AuthAPI {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = DiscardLogger()
	}
	return &AuthAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// BaseURL returns the API root
func (a *AuthAPI) BaseURL() string { return a.baseURL }

// HTTPClient returns the unauthenticated base client
func (a *AuthAPI) HTTPClient() *http.Client { return a.httpClient }

// refreshResponse accepts both {access, refresh} and {tokens:{access, refresh}}
type refreshResponse struct {
	Access  string     `json:"access"`
	Refresh string     `json:"refresh"`
	Tokens  *TokenPair `json:"tokens"`
}

// Login posts credentials to the login endpoint
func (a *AuthAPI) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	var out AuthResult
	if err := a.doJSON(ctx, "login", http.MethodPost, loginPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterClient creates a client account
func (a *AuthAPI) RegisterClient(ctx context.Context, req ClientRegistration) (*AuthResult, error) {
	var out AuthResult
	if err := a.doJSON(ctx, "register client", http.MethodPost, registerClientPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterAdmin creates an admin account. The invitation must be validated first.
func (a *AuthAPI) RegisterAdmin(ctx context.Context, req AdminRegistration) (*AuthResult, error) {
	var out AuthResult
	if err := a.doJSON(ctx, "register admin", http.MethodPost, registerAdminPath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateInvitation looks up an admin invitation token
func (a *AuthAPI) ValidateInvitation(ctx context.Context, token string) (*Invitation, error) {
	var out Invitation
	path := validateInvitationPath + url.PathEscape(token) + "/"
	if err := a.doJSON(ctx, "validate invitation", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout blacklists the refresh token on the server
func (a *AuthAPI) Logout(ctx context.Context, refreshToken, accessToken string) error {
	body := map[string]string{"refresh": refreshToken}
	return a.do(ctx, "logout", http.MethodPost, logoutPath, body, nil, accessToken)
}

// Refresh exchanges a refresh token. The returned pair has an empty
// RefreshToken when the backend does not rotate it.
func (a *AuthAPI) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var out refreshResponse
	body := map[string]string{"refresh": refreshToken}
	if err := a.doJSON(ctx, "refresh", http.MethodPost, refreshPath, body, &out); err != nil {
		return TokenPair{}, err
	}

	if out.Tokens != nil && out.Tokens.AccessToken != "" {
		return *out.Tokens, nil
	}
	if out.Access == "" {
		return TokenPair{}, &NetworkError{Op: "refresh", Err: errors.New("response carries no access token")}
	}
	return TokenPair{AccessToken: out.Access, RefreshToken: out.Refresh}, nil
}

func (a *AuthAPI) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	return a.do(ctx, op, method, path, body, out, "")
}

func (a *AuthAPI) do(ctx context.Context, op, method, path string, body, out any, bearer string) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("Auth request failed",
			"function", "AuthAPI.do",
			"op", op,
			"request_id", requestID,
			"error", err)
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	a.logger.Debug("Auth request completed",
		"function", "AuthAPI.do",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"request_id", requestID)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return a.handleErrorResponse(op, resp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// StatusError is the raw non-2xx answer; SessionManager maps it onto the taxonomy
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
	Fields     map[string][]string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

func (a *AuthAPI) handleErrorResponse(op string, status int, body []byte) error {
	message, fields := parseErrorBody(body)

	if status >= 500 {
		return &NetworkError{Op: op, StatusCode: status, Err: errors.New(firstNonEmpty(message, http.StatusText(status)))}
	}
	if status == http.StatusBadRequest && len(fields) > 0 {
		return &ValidationError{Message: message, Fields: fields}
	}
	return &StatusError{Op: op, StatusCode: status, Message: message, Fields: fields}
}

// parseErrorBody understands {"detail": "..."}, {"message": "..."},
// {"errors": {...}} and bare DRF field maps {"email": ["..."]}
func parseErrorBody(body []byte) (string, map[string][]string) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return strings.TrimSpace(string(body)), nil
	}

	if nested, ok := raw["errors"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(nested, &inner) == nil {
			for k, v := range inner {
				raw[k] = v
			}
			delete(raw, "errors")
		}
	}

	var message string
	fields := make(map[string][]string)
	for key, value := range raw {
		msgs := decodeMessages(value)
		if len(msgs) == 0 {
			continue
		}
		switch key {
		case "detail", "message", "error":
			message = msgs[0]
		case "non_field_errors":
			message = strings.Join(msgs, "; ")
			fields[key] = msgs
		case "code", "status":
		default:
			fields[key] = msgs
		}
	}
	if len(fields) == 0 {
		fields = nil
	}
	return message, fields
}

func decodeMessages(value json.RawMessage) []string {
	var s string
	if json.Unmarshal(value, &s) == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var list []string
	if json.Unmarshal(value, &list) == nil {
		return list
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
