// Package keeper owns the session aggregate: the current credentials,
// who they belong to, and whether they are still good. It glues the
// auth API client, the refresh manager, and the on-disk store together
// and is the only writer of all three.
package keeper

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/sessiond/internal/authapi"
	apperrors "github.com/alexjbarnes/sessiond/internal/errors"
	"github.com/alexjbarnes/sessiond/internal/session"
	"github.com/alexjbarnes/sessiond/internal/state"
	"github.com/alexjbarnes/sessiond/internal/token"
)

//go:generate mockgen -source=keeper.go -destination=mock_backend_test.go -package=keeper

// backend is the subset of the auth API client the keeper needs.
// Extracted for testability.
type backend interface {
	BeginOAuth(ctx context.Context, redirectURI, deviceName string) (*authapi.BeginOAuthResponse, error)
	CompleteOAuth(ctx context.Context, req authapi.CompleteOAuthRequest) (*authapi.TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*authapi.RefreshResponse, error)
	SendOTP(ctx context.Context, email string) (*authapi.SendOTPResponse, error)
	VerifyOTP(ctx context.Context, email, code, deviceName string) (*authapi.TokenGrant, error)
	Sessions(ctx context.Context, accessToken string) ([]authapi.SessionInfo, error)
	RevokeSession(ctx context.Context, accessToken, sessionID string) error
	Logout(ctx context.Context, accessToken string) error
	LogoutAll(ctx context.Context, accessToken string) error
}

// State is a snapshot of the session aggregate.
type State struct {
	AccessToken   string
	RefreshToken  string
	Claims        *token.Claims
	Authenticated bool
	LastActivity  time.Time
	PendingErr    error
}

// Keeper keeps one session alive: it restores persisted credentials on
// startup, refreshes ahead of expiry through the manager, and clears
// everything on logout or unrecoverable failure.
type Keeper struct {
	client  backend
	store   *state.Store
	manager *session.Manager
	logger  *slog.Logger
	device  string

	mu sync.Mutex
	st State
}

// New creates a Keeper. The device name is what this client reports to
// the backend for session listings.
func New(client backend, store *state.Store, manager *session.Manager, device string, logger *slog.Logger) *Keeper {
	return &Keeper{
		client:  client,
		store:   store,
		manager: manager,
		logger:  logger,
		device:  device,
	}
}

// State returns a snapshot of the session aggregate.
func (k *Keeper) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.st
}

// Authenticated reports whether a live, unexpired access token is held.
func (k *Keeper) Authenticated() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.st.Authenticated
}

// HasCredentials reports whether a refresh is possible without a fresh
// login.
func (k *Keeper) HasCredentials() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.st.RefreshToken != ""
}

// Restore loads the persisted session. Access tokens are never
// persisted, so a restored session always starts unauthenticated and
// the first EnsureFresh goes through a full refresh. A persisted expiry
// cursor in the past is logged but changes nothing: the refresh path is
// the same either way.
func (k *Keeper) Restore() error {
	ps, err := k.store.Session()
	if err != nil {
		return fmt.Errorf("restoring session: %w", err)
	}

	rt, err := k.store.RefreshCredential()
	if err != nil {
		// An unsealable credential (changed passphrase, corrupt store)
		// is unrecoverable; drop it and require a fresh login.
		k.logger.Warn("dropping unreadable refresh credential", slog.String("error", err.Error()))

		if derr := k.store.DeleteRefreshCredential(); derr != nil {
			return fmt.Errorf("deleting unreadable refresh credential: %w", derr)
		}

		rt = ""
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.st = State{RefreshToken: rt}

	if ps == nil {
		return nil
	}

	k.st.LastActivity = time.Unix(ps.LastActivity, 0)

	if ps.TokenExpiresAt <= time.Now().Unix() {
		k.logger.Info("persisted session expired, refresh required",
			slog.String("subject", ps.Subject),
			slog.Int64("expired_at", ps.TokenExpiresAt),
		)
	} else {
		k.logger.Info("session restored, refresh required",
			slog.String("subject", ps.Subject),
		)
	}

	return nil
}

// RequestOTP asks the backend to email a one-time code.
func (k *Keeper) RequestOTP(ctx context.Context, email string) error {
	resp, err := k.client.SendOTP(ctx, email)
	if err != nil {
		return err
	}

	if !resp.Sent {
		return fmt.Errorf("%w: backend did not send otp", apperrors.ErrAPIResponse)
	}

	return nil
}

// LoginOTP exchanges an emailed one-time code for a session.
func (k *Keeper) LoginOTP(ctx context.Context, email, code string) error {
	grant, err := k.client.VerifyOTP(ctx, email, code, k.device)
	if err != nil {
		return err
	}

	return k.adopt(grant)
}

// BeginOAuth starts the OAuth flow and returns the URL to open.
func (k *Keeper) BeginOAuth(ctx context.Context, redirectURI string) (*authapi.BeginOAuthResponse, error) {
	return k.client.BeginOAuth(ctx, redirectURI, k.device)
}

// CompleteOAuth finishes the OAuth flow with the provider callback.
func (k *Keeper) CompleteOAuth(ctx context.Context, code, stateToken, userAgent string) error {
	grant, err := k.client.CompleteOAuth(ctx, authapi.CompleteOAuthRequest{
		Code:       code,
		State:      stateToken,
		DeviceName: k.device,
		UserAgent:  userAgent,
	})
	if err != nil {
		return err
	}

	return k.adopt(grant)
}

// adopt installs a fresh token grant as the current session and
// persists it.
func (k *Keeper) adopt(grant *authapi.TokenGrant) error {
	claims := token.Parse(grant.AccessToken)
	if claims == nil {
		return fmt.Errorf("%w: unparseable access token in grant", apperrors.ErrAPIResponse)
	}

	now := time.Now()

	k.mu.Lock()
	k.st = State{
		AccessToken:   grant.AccessToken,
		RefreshToken:  grant.RefreshToken,
		Claims:        claims,
		Authenticated: true,
		LastActivity:  now,
	}
	k.mu.Unlock()

	if err := k.persist(claims, now); err != nil {
		return err
	}

	if err := k.store.SetRefreshCredential(grant.RefreshToken); err != nil {
		return err
	}

	if k.manager.AutoRefresh() {
		k.manager.ScheduleRefresh(grant.AccessToken, grant.RefreshToken, k.refreshFunc)
	}

	k.logger.Info("session established",
		slog.String("subject", claims.Subject),
		slog.Int64("expires_at", claims.ExpiresAt),
	)

	return nil
}

// persist writes the non-secret session fields. Never the access token.
func (k *Keeper) persist(claims *token.Claims, lastActivity time.Time) error {
	return k.store.SetSession(state.PersistedSession{
		Subject:        claims.Subject,
		Email:          claims.Email,
		Name:           claims.Name,
		SessionID:      claims.SessionID,
		TokenExpiresAt: claims.ExpiresAt,
		LastActivity:   lastActivity.Unix(),
	})
}

// refreshFunc adapts the API client for the session manager and applies
// successful results to the aggregate. It runs on both caller-driven
// and timer-driven refreshes, so state updates live here rather than in
// EnsureFresh.
func (k *Keeper) refreshFunc(ctx context.Context, refreshToken string) (*session.Refreshed, error) {
	resp, err := k.client.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	claims := token.Parse(resp.AccessToken)
	if claims == nil {
		return nil, fmt.Errorf("%w: unparseable access token in refresh response", apperrors.ErrAPIResponse)
	}

	now := time.Now()

	k.mu.Lock()
	k.st.AccessToken = resp.AccessToken
	k.st.Claims = claims
	k.st.Authenticated = true
	k.st.LastActivity = now
	k.st.PendingErr = nil
	if resp.RefreshToken != "" {
		k.st.RefreshToken = resp.RefreshToken
	}
	k.mu.Unlock()

	if err := k.persist(claims, now); err != nil {
		k.logger.Warn("failed to persist refreshed session", slog.String("error", err.Error()))
	}

	if resp.RefreshToken != "" {
		if err := k.store.SetRefreshCredential(resp.RefreshToken); err != nil {
			k.logger.Warn("failed to persist rotated refresh credential", slog.String("error", err.Error()))
		}
	}

	return &session.Refreshed{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    claims.ExpiresAt,
	}, nil
}

// EnsureFresh refreshes the access token if it is absent or inside the
// renewal window. An exhausted or impossible refresh clears the session
// locally; the caller should treat that as "signed out".
func (k *Keeper) EnsureFresh(ctx context.Context) error {
	k.mu.Lock()
	accessToken := k.st.AccessToken
	refreshToken := k.st.RefreshToken
	k.mu.Unlock()

	if accessToken != "" && !token.ShouldRefresh(accessToken, k.manager.Threshold()) {
		return nil
	}

	_, err := k.manager.Refresh(ctx, refreshToken, k.refreshFunc)
	if err == nil {
		return nil
	}

	if stderrors.Is(err, apperrors.ErrRefreshExhausted) || stderrors.Is(err, apperrors.ErrNoRefreshCredential) {
		k.logger.Warn("session unrecoverable, clearing local state", slog.String("error", err.Error()))
		k.clearLocal(err)
	}

	return err
}

// Sessions lists the server-side sessions for this account.
func (k *Keeper) Sessions(ctx context.Context) ([]authapi.SessionInfo, error) {
	k.mu.Lock()
	accessToken := k.st.AccessToken
	k.mu.Unlock()

	return k.client.Sessions(ctx, accessToken)
}

// RevokeSession invalidates one server-side session.
func (k *Keeper) RevokeSession(ctx context.Context, sessionID string) error {
	k.mu.Lock()
	accessToken := k.st.AccessToken
	k.mu.Unlock()

	return k.client.RevokeSession(ctx, accessToken, sessionID)
}

// Logout invalidates the current session on the backend and clears all
// local state. The backend call is best effort: local state is cleared
// even when it fails, otherwise a dead backend would pin a session on
// disk forever.
func (k *Keeper) Logout(ctx context.Context) error {
	k.mu.Lock()
	accessToken := k.st.AccessToken
	k.mu.Unlock()

	if accessToken != "" {
		if err := k.client.Logout(ctx, accessToken); err != nil {
			k.logger.Warn("backend logout failed", slog.String("error", err.Error()))
		}
	}

	k.clearLocal(nil)

	return nil
}

// LogoutAll invalidates every session of the account, then clears local
// state.
func (k *Keeper) LogoutAll(ctx context.Context) error {
	k.mu.Lock()
	accessToken := k.st.AccessToken
	k.mu.Unlock()

	if accessToken != "" {
		if err := k.client.LogoutAll(ctx, accessToken); err != nil {
			k.logger.Warn("backend logout-all failed", slog.String("error", err.Error()))
		}
	}

	k.clearLocal(nil)

	return nil
}

// Dispose stops background renewal. The persisted session is left
// intact; this is shutdown, not logout.
func (k *Keeper) Dispose() {
	k.manager.Dispose()
}

// clearLocal wipes the aggregate and the on-disk session, cancelling
// any scheduled refresh.
func (k *Keeper) clearLocal(pendingErr error) {
	k.manager.ClearScheduledRefresh()

	k.mu.Lock()
	k.st = State{PendingErr: pendingErr}
	k.mu.Unlock()

	if err := k.store.Clear(); err != nil {
		k.logger.Warn("failed to clear persisted session", slog.String("error", err.Error()))
	}
}
