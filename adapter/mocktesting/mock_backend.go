// Package mocktesting provides an in-process storefront backend for tests and
// local runs: the auth REST endpoints and the /ws/<endpoint>/ websocket feeds.
package mocktesting

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

// Default token lifetimes, matching a typical SimpleJWT setup
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour
)

// MockBackend is a storefront backend double. Zero configuration gives a
// backend that accepts registered users and issues HS256 tokens.
type MockBackend struct {
	server   *httptest.Server
	engine   *gin.Engine
	upgrader websocket.Upgrader
	secret   []byte

	mu            sync.Mutex
	users         map[string]*mockUser // by email
	invitations   map[string]string    // token -> email
	refreshTokens map[string]string    // live refresh jti -> email
	accessTTL     time.Duration
	refreshTTL    time.Duration
	refreshStatus int
	refreshDelay  time.Duration
	logoutStatus  int
	rejectSockets int
	autoConfirm   bool

	loginCalls         atomic.Int64
	refreshCalls       atomic.Int64
	logoutCalls        atomic.Int64
	registerAdminCalls atomic.Int64

	sockets *socketHub
}

type mockUser struct {
	ID           string
	Email        string
	PasswordHash []byte
	Role         string
	FirstName    string
	LastName     string
	Phone        string
}

// Claims are the JWT claims the backend issues
type Claims struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// NewMockBackend starts the backend on a local port. Close it when done.
func NewMockBackend() *MockBackend {
	gin.SetMode(gin.TestMode)

	m := &MockBackend{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		secret:        []byte("mock-backend-" + uuid.NewString()),
		users:         make(map[string]*mockUser),
		invitations:   make(map[string]string),
		refreshTokens: make(map[string]string),
		accessTTL:     DefaultAccessTTL,
		refreshTTL:    DefaultRefreshTTL,
		autoConfirm:   true,
		sockets:       newSocketHub(),
	}

	m.engine = gin.New()
	m.engine.Use(gin.Recovery())
	m.registerRoutes(m.engine)
	m.server = httptest.NewServer(m.engine)
	return m
}

func (m *MockBackend) registerRoutes(r *gin.Engine) {
	api := r.Group("/api")
	api.POST("/auth/login/", m.handleLogin)
	api.POST("/auth/register/client/", m.handleRegisterClient)
	api.POST("/auth/register/admin/", m.handleRegisterAdmin)
	api.POST("/auth/logout/", m.handleLogout)
	api.POST("/auth/token/refresh/", m.handleRefresh)
	api.GET("/auth/invitations/validate/:token/", m.handleValidateInvitation)
	api.GET("/orders/", m.requireBearer, m.handleListOrders)

	r.GET("/ws/:endpoint/", m.handleWebSocket)
}

// Close shuts down the server and every websocket connection
func (m *MockBackend) Close() {
	m.sockets.closeAll()
	m.server.Close()
}

// URL is the server root, e.g. http://127.0.0.1:54321
func (m *MockBackend) URL() string { return m.server.URL }

// APIBaseURL is the REST root the client is configured with
func (m *MockBackend) APIBaseURL() string { return m.server.URL + "/api" }

// Client returns an HTTP client for the test server
func (m *MockBackend) Client() *http.Client { return m.server.Client() }

// AddUser registers a user with a bcrypt-hashed password and returns its id
func (m *MockBackend) AddUser(email, password, role string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("mocktesting: hash password: %v", err))
	}
	u := &mockUser{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(email),
		PasswordHash: hash,
		Role:         role,
		FirstName:    "Test",
		LastName:     "User",
	}
	m.mu.Lock()
	m.users[u.Email] = u
	m.mu.Unlock()
	return u.ID
}

// AddInvitation makes token a valid admin invitation for email
func (m *MockBackend) AddInvitation(token, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invitations[token] = strings.ToLower(email)
}

// SetAccessTTL changes the lifetime of newly issued access tokens
func (m *MockBackend) SetAccessTTL(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessTTL = d
}

// SetRefreshFailure makes the refresh endpoint answer status. 0 restores normal behaviour.
func (m *MockBackend) SetRefreshFailure(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshStatus = status
}

// SetRefreshDelay slows the refresh endpoint down, to widen concurrency windows in tests
func (m *MockBackend) SetRefreshDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshDelay = d
}

// SetLogoutFailure makes the logout endpoint answer status. 0 restores normal behaviour.
func (m *MockBackend) SetLogoutFailure(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logoutStatus = status
}

// RejectWebSockets makes upgrades fail with status. 0 accepts again.
func (m *MockBackend) RejectWebSockets(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectSockets = status
}

// SetAutoConfirm controls whether subscribe messages are answered with subscription_confirmed
func (m *MockBackend) SetAutoConfirm(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoConfirm = on
}

// Request counters, for asserting how often an endpoint was hit
func (m *MockBackend) LoginCalls() int64         { return m.loginCalls.Load() }
func (m *MockBackend) RefreshCalls() int64       { return m.refreshCalls.Load() }
func (m *MockBackend) LogoutCalls() int64        { return m.logoutCalls.Load() }
func (m *MockBackend) RegisterAdminCalls() int64 { return m.registerAdminCalls.Load() }

// IssueAccessToken mints an access token for userID that expires after ttl (negative for expired)
func (m *MockBackend) IssueAccessToken(userID, role string, ttl time.Duration) string {
	token, err := m.sign(userID, role, "access", ttl)
	if err != nil {
		panic(fmt.Sprintf("mocktesting: sign token: %v", err))
	}
	return token
}

func (m *MockBackend) sign(userID, role, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		Role:      role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// parse validates signature, expiry and token type
func (m *MockBackend) parse(token, tokenType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("expected %s token, got %s", tokenType, claims.TokenType)
	}
	return claims, nil
}

type tokensBody struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// issuePair signs a new pair for u and records the refresh token as live
func (m *MockBackend) issuePair(u *mockUser) (tokensBody, error) {
	m.mu.Lock()
	accessTTL, refreshTTL := m.accessTTL, m.refreshTTL
	m.mu.Unlock()

	access, err := m.sign(u.ID, u.Role, "access", accessTTL)
	if err != nil {
		return tokensBody{}, err
	}
	refresh, err := m.sign(u.ID, u.Role, "refresh", refreshTTL)
	if err != nil {
		return tokensBody{}, err
	}
	claims, err := m.parse(refresh, "refresh")
	if err != nil {
		return tokensBody{}, err
	}

	m.mu.Lock()
	m.refreshTokens[claims.ID] = u.Email
	m.mu.Unlock()
	return tokensBody{Access: access, Refresh: refresh}, nil
}

func userBody(u *mockUser) gin.H {
	return gin.H{
		"id":         u.ID,
		"email":      u.Email,
		"role":       u.Role,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
		"phone":      u.Phone,
	}
}

func (m *MockBackend) authResponse(c *gin.Context, status int, u *mockUser) {
	tokens, err := m.issuePair(u)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(status, gin.H{"user": userBody(u), "tokens": tokens})
}

type loginBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (m *MockBackend) handleLogin(c *gin.Context) {
	m.loginCalls.Add(1)

	var req loginBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid JSON body"})
		return
	}
	if fields := requiredFields(map[string]string{"email": req.Email, "password": req.Password}); fields != nil {
		c.JSON(http.StatusBadRequest, fields)
		return
	}

	m.mu.Lock()
	u, ok := m.users[strings.ToLower(req.Email)]
	m.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "No active account found with the given credentials"})
		return
	}
	m.authResponse(c, http.StatusOK, u)
}

type registerBody struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Phone           string `json:"phone"`
	InvitationToken string `json:"invitation_token"`
}

func (m *MockBackend) register(c *gin.Context, req registerBody, role string) {
	if fields := requiredFields(map[string]string{"email": req.Email, "password": req.Password}); fields != nil {
		c.JSON(http.StatusBadRequest, fields)
		return
	}
	if len(req.Password) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{"password": []string{"Ensure this field has at least 8 characters."}})
		return
	}

	email := strings.ToLower(req.Email)
	m.mu.Lock()
	_, exists := m.users[email]
	m.mu.Unlock()
	if exists {
		c.JSON(http.StatusBadRequest, gin.H{"email": []string{"A user with this email already exists."}})
		return
	}

	m.AddUser(email, req.Password, role)
	m.mu.Lock()
	u := m.users[email]
	u.FirstName, u.LastName, u.Phone = req.FirstName, req.LastName, req.Phone
	m.mu.Unlock()

	m.authResponse(c, http.StatusCreated, u)
}

func (m *MockBackend) handleRegisterClient(c *gin.Context) {
	var req registerBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid JSON body"})
		return
	}
	m.register(c, req, "client")
}

func (m *MockBackend) handleRegisterAdmin(c *gin.Context) {
	m.registerAdminCalls.Add(1)

	var req registerBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid JSON body"})
		return
	}

	m.mu.Lock()
	invited, ok := m.invitations[req.InvitationToken]
	if ok {
		delete(m.invitations, req.InvitationToken)
	}
	m.mu.Unlock()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"invitation_token": []string{"Invalid or expired invitation."}})
		return
	}
	if req.Email == "" {
		req.Email = invited
	}
	m.register(c, req, "admin")
}

func (m *MockBackend) handleValidateInvitation(c *gin.Context) {
	token := c.Param("token")

	m.mu.Lock()
	email, ok := m.invitations[token]
	m.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Invitation not found.", "valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":      true,
		"email":      email,
		"role":       "admin",
		"expires_at": time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
	})
}

type refreshBody struct {
	Refresh string `json:"refresh"`
}

func (m *MockBackend) handleLogout(c *gin.Context) {
	m.logoutCalls.Add(1)

	m.mu.Lock()
	status := m.logoutStatus
	m.mu.Unlock()
	if status != 0 {
		c.JSON(status, gin.H{"detail": "logout failed"})
		return
	}

	var req refreshBody
	if err := c.ShouldBindJSON(&req); err == nil {
		if claims, err := m.parse(req.Refresh, "refresh"); err == nil {
			m.mu.Lock()
			delete(m.refreshTokens, claims.ID)
			m.mu.Unlock()
		}
	}
	c.Status(http.StatusResetContent)
}

func (m *MockBackend) handleRefresh(c *gin.Context) {
	m.refreshCalls.Add(1)

	m.mu.Lock()
	status, delay := m.refreshStatus, m.refreshDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Request.Context().Done():
			return
		}
	}
	if status != 0 {
		c.JSON(status, gin.H{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}

	var req refreshBody
	if err := c.ShouldBindJSON(&req); err != nil || req.Refresh == "" {
		c.JSON(http.StatusBadRequest, gin.H{"refresh": []string{"This field is required."}})
		return
	}

	claims, err := m.parse(req.Refresh, "refresh")
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}

	m.mu.Lock()
	email, live := m.refreshTokens[claims.ID]
	if live {
		delete(m.refreshTokens, claims.ID) // rotation
	}
	u := m.users[email]
	m.mu.Unlock()
	if !live || u == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Token is blacklisted", "code": "token_not_valid"})
		return
	}

	tokens, err := m.issuePair(u)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// requireBearer validates the access token and stores its claims on the context
func (m *MockBackend) requireBearer(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
		return
	}
	claims, err := m.parse(token, "access")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Given token not valid for any token type"})
		return
	}
	c.Set("claims", claims)
	c.Next()
}

func (m *MockBackend) handleListOrders(c *gin.Context) {
	claims := c.MustGet("claims").(*Claims)
	c.JSON(http.StatusOK, gin.H{
		"user_id": claims.UserID,
		"results": []gin.H{},
	})
}

func requiredFields(values map[string]string) gin.H {
	out := gin.H{}
	for k, v := range values {
		if v == "" {
			out[k] = []string{"This field is required."}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
