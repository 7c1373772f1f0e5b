// Package authapi is the HTTP client for the remote authentication
// backend: OAuth initiation and completion, OTP login, token refresh,
// and session listing/revocation. All calls are JSON over HTTPS against
// a configurable base URL; non-2xx responses are failures carrying the
// response body as error detail.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/alexjbarnes/sessiond/internal/errors"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Client talks to the auth backend REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client for the given base URL.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// do sends a JSON request and decodes the response into result. bearer,
// body, and result may each be empty/nil. Every request carries a fresh
// correlation ID so backend logs can be matched to client attempts.
func (c *Client) do(ctx context.Context, method, endpoint, bearer string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("X-Request-ID", uuid.NewString())

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s (%d): %s",
			apperrors.ErrAPIRequest, method, endpoint, resp.StatusCode, errorDetail(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %v", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// errorDetail pulls a human-readable message out of an error body.
// The backend uses either {"error": ...} or {"message": ...}; anything
// else is returned verbatim.
func errorDetail(body []byte) string {
	if v := gjson.GetBytes(body, "error"); v.Exists() && v.Str != "" {
		return v.Str
	}

	if v := gjson.GetBytes(body, "message"); v.Exists() && v.Str != "" {
		return v.Str
	}

	return string(body)
}

// BeginOAuth starts the OAuth flow, returning the URL to send the user
// to and the CSRF state token.
func (c *Client) BeginOAuth(ctx context.Context, redirectURI, deviceName string) (*BeginOAuthResponse, error) {
	req := BeginOAuthRequest{
		RedirectURI: redirectURI,
		DeviceName:  deviceName,
	}

	var resp BeginOAuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/oauth/begin", "", req, &resp); err != nil {
		return nil, fmt.Errorf("beginning oauth: %w", err)
	}

	return &resp, nil
}

// CompleteOAuth exchanges the provider callback code for a token grant.
func (c *Client) CompleteOAuth(ctx context.Context, req CompleteOAuthRequest) (*TokenGrant, error) {
	var resp TokenGrant
	if err := c.do(ctx, http.MethodPost, "/auth/oauth/complete", "", req, &resp); err != nil {
		return nil, fmt.Errorf("completing oauth: %w", err)
	}

	return &resp, nil
}

// Refresh exchanges a refresh credential for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	req := RefreshRequest{RefreshToken: refreshToken}

	var resp RefreshResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", req, &resp); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	return &resp, nil
}

// SendOTP asks the backend to email a one-time code.
func (c *Client) SendOTP(ctx context.Context, email string) (*SendOTPResponse, error) {
	req := SendOTPRequest{Email: email}

	var resp SendOTPResponse
	if err := c.do(ctx, http.MethodPost, "/auth/otp/send", "", req, &resp); err != nil {
		return nil, fmt.Errorf("sending otp: %w", err)
	}

	return &resp, nil
}

// VerifyOTP exchanges an emailed one-time code for a token grant.
func (c *Client) VerifyOTP(ctx context.Context, email, code, deviceName string) (*TokenGrant, error) {
	req := VerifyOTPRequest{
		Email:      email,
		Code:       code,
		DeviceName: deviceName,
	}

	var resp TokenGrant
	if err := c.do(ctx, http.MethodPost, "/auth/otp/verify", "", req, &resp); err != nil {
		return nil, fmt.Errorf("verifying otp: %w", err)
	}

	return &resp, nil
}

// Sessions lists the server-side sessions of the authenticated user.
func (c *Client) Sessions(ctx context.Context, accessToken string) ([]SessionInfo, error) {
	var resp SessionListResponse
	if err := c.do(ctx, http.MethodGet, "/auth/sessions", accessToken, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	return resp.Sessions, nil
}

// RevokeSession invalidates a single server-side session.
func (c *Client) RevokeSession(ctx context.Context, accessToken, sessionID string) error {
	req := RevokeSessionRequest{SessionID: sessionID}

	if err := c.do(ctx, http.MethodPost, "/auth/sessions/revoke", accessToken, req, nil); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}

	return nil
}

// Logout invalidates the current session.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout", accessToken, nil, nil); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	return nil
}

// LogoutAll invalidates every session of the user.
func (c *Client) LogoutAll(ctx context.Context, accessToken string) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout/all", accessToken, nil, nil); err != nil {
		return fmt.Errorf("logging out all sessions: %w", err)
	}

	return nil
}
