package e2e_test

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/sessiond/internal/authapi"
	"github.com/alexjbarnes/sessiond/internal/keeper"
	"github.com/alexjbarnes/sessiond/internal/session"
	"github.com/alexjbarnes/sessiond/internal/state"
)

const (
	testEmail  = "alex@example.com"
	testOTP    = "424242"
	testDevice = "e2e-device"
)

// backendSession is one issued session on the fake auth backend.
type backendSession struct {
	id           string
	device       string
	refreshToken string
	revoked      bool
	createdAt    time.Time
}

// authBackend is an in-memory stand-in for the remote auth service. It
// issues unsigned JWTs, rotates refresh tokens on every refresh, and
// supports failure injection for retry tests.
type authBackend struct {
	mu       sync.Mutex
	sessions map[string]*backendSession
	seq      int

	// tokenTTL controls the expiry of issued access tokens.
	tokenTTL time.Duration

	// failRefreshes makes the next n refresh calls return 500.
	failRefreshes int

	refreshCalls int
	otpSends     int
}

func newAuthBackend() *authBackend {
	return &authBackend{
		sessions: make(map[string]*backendSession),
		tokenTTL: time.Hour,
	}
}

func (b *authBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/otp/send", b.handleSendOTP)
	mux.HandleFunc("POST /auth/otp/verify", b.handleVerifyOTP)
	mux.HandleFunc("POST /auth/refresh", b.handleRefresh)
	mux.HandleFunc("GET /auth/sessions", b.handleSessions)
	mux.HandleFunc("POST /auth/sessions/revoke", b.handleRevoke)
	mux.HandleFunc("POST /auth/logout", b.handleLogout)
	mux.HandleFunc("POST /auth/logout/all", b.handleLogoutAll)

	return mux
}

func (b *authBackend) mintToken(sessionID string) string {
	enc := func(v map[string]any) string {
		data, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(data)
	}

	now := time.Now()
	header := enc(map[string]any{"alg": "HS256", "typ": "JWT"})
	claims := enc(map[string]any{
		"sub":   "user-1",
		"email": testEmail,
		"iat":   float64(now.Unix()),
		"exp":   float64(now.Add(b.tokenTTL).Unix()),
		"sid":   sessionID,
	})

	return fmt.Sprintf("%s.%s.sig", header, claims)
}

// newSession creates a session and returns its grant. Caller must hold mu.
func (b *authBackend) newSession(device string) (*backendSession, string) {
	b.seq++
	s := &backendSession{
		id:           fmt.Sprintf("sess-%d", b.seq),
		device:       device,
		refreshToken: fmt.Sprintf("rt-%d", b.seq),
		createdAt:    time.Now(),
	}
	b.sessions[s.id] = s

	return s, b.mintToken(s.id)
}

func (b *authBackend) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req authapi.SendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email required")
		return
	}

	b.mu.Lock()
	b.otpSends++
	b.mu.Unlock()

	writeJSON(w, authapi.SendOTPResponse{
		Sent:      true,
		ExpiresAt: time.Now().Add(10 * time.Minute).Unix(),
	})
}

func (b *authBackend) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req authapi.VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	if req.Email != testEmail || req.Code != testOTP {
		writeError(w, http.StatusUnauthorized, "invalid code")
		return
	}

	b.mu.Lock()
	s, access := b.newSession(req.DeviceName)
	b.mu.Unlock()

	writeJSON(w, authapi.TokenGrant{
		AccessToken:          access,
		RefreshToken:         s.refreshToken,
		AccessTokenExpiresAt: time.Now().Add(b.tokenTTL).Unix(),
		User:                 authapi.User{ID: "user-1", Email: testEmail, Name: "Alex"},
	})
}

func (b *authBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req authapi.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshCalls++

	if b.failRefreshes > 0 {
		b.failRefreshes--
		writeError(w, http.StatusInternalServerError, "temporarily unavailable")

		return
	}

	var target *backendSession

	for _, s := range b.sessions {
		if s.refreshToken == req.RefreshToken && !s.revoked {
			target = s
			break
		}
	}

	if target == nil {
		writeError(w, http.StatusUnauthorized, "refresh token invalid")
		return
	}

	// Rotate on every refresh, the strictest mode a backend can run in.
	b.seq++
	target.refreshToken = fmt.Sprintf("rt-%d", b.seq)

	writeJSON(w, authapi.RefreshResponse{
		AccessToken:          b.mintToken(target.id),
		RefreshToken:         target.refreshToken,
		AccessTokenExpiresAt: time.Now().Add(b.tokenTTL).Unix(),
	})
}

// sessionFromAuth resolves the bearer token to a live session. Tokens
// are unsigned in the test backend, so only the sid claim is checked.
func (b *authBackend) sessionFromAuth(r *http.Request) *backendSession {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}

	var claims struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}

	s := b.sessions[claims.SID]
	if s == nil || s.revoked {
		return nil
	}

	return s
}

func (b *authBackend) handleSessions(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.sessionFromAuth(r)
	if current == nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	resp := authapi.SessionListResponse{}

	for _, s := range b.sessions {
		if s.revoked {
			continue
		}

		resp.Sessions = append(resp.Sessions, authapi.SessionInfo{
			SessionID:    s.id,
			Device:       s.device,
			CreatedAt:    s.createdAt.Unix(),
			LastActivity: time.Now().Unix(),
			Current:      s.id == current.id,
		})
	}

	writeJSON(w, resp)
}

func (b *authBackend) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req authapi.RevokeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessionFromAuth(r) == nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	s := b.sessions[req.SessionID]
	if s == nil {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}

	s.revoked = true
	w.WriteHeader(http.StatusNoContent)
}

func (b *authBackend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s := b.sessionFromAuth(r); s != nil {
		s.revoked = true
	}

	w.WriteHeader(http.StatusNoContent)
}

func (b *authBackend) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sessionFromAuth(r) == nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	for _, s := range b.sessions {
		s.revoked = true
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// harness wires the real client, store, manager and keeper against the
// fake backend.
type harness struct {
	backend   *authBackend
	server    *httptest.Server
	store     *state.Store
	manager   *session.Manager
	keeper    *keeper.Keeper
	statePath string
}

func newHarness(t *testing.T, opts session.Options) *harness {
	t.Helper()

	backend := newAuthBackend()
	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	statePath := filepath.Join(t.TempDir(), "state.db")

	h := &harness{
		backend:   backend,
		server:    server,
		statePath: statePath,
	}
	h.start(t, opts)

	return h
}

// start builds the client-side stack. Called again by restart to model
// a daemon restart against the same state database.
func (h *harness) start(t *testing.T, opts session.Options) {
	t.Helper()

	store, err := state.LoadAt(h.statePath, "e2e-passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := authapi.NewClient(h.server.URL, h.server.Client())

	manager := session.NewManager(opts, logger)
	t.Cleanup(manager.Dispose)

	h.store = store
	h.manager = manager
	h.keeper = keeper.New(client, store, manager, testDevice, logger)

	require.NoError(t, h.keeper.Restore())
}

// restart tears down the client-side stack and rebuilds it from disk.
func (h *harness) restart(t *testing.T, opts session.Options) {
	t.Helper()

	h.manager.Dispose()
	require.NoError(t, h.store.Close())

	h.start(t, opts)
}

// login runs the OTP flow to an authenticated session.
func (h *harness) login(t *testing.T) {
	t.Helper()

	require.NoError(t, h.keeper.RequestOTP(t.Context(), testEmail))
	require.NoError(t, h.keeper.LoginOTP(t.Context(), testEmail, testOTP))
}
