package authapi

// BeginOAuthRequest is the payload for POST /auth/oauth/begin.
type BeginOAuthRequest struct {
	RedirectURI string `json:"redirect_uri"`
	DeviceName  string `json:"device_name"`
}

// BeginOAuthResponse is returned from POST /auth/oauth/begin.
type BeginOAuthResponse struct {
	AuthURL    string `json:"auth_url"`
	StateToken string `json:"state_token"`
	ExpiresAt  int64  `json:"expires_at"`
}

// CompleteOAuthRequest is the payload for POST /auth/oauth/complete.
type CompleteOAuthRequest struct {
	Code       string `json:"code"`
	State      string `json:"state"`
	DeviceName string `json:"device_name"`
	UserAgent  string `json:"user_agent"`
}

// User identifies the authenticated account.
type User struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	PictureURL string `json:"picture_url,omitempty"`
}

// TokenGrant is the common response shape of the login-completing
// endpoints (OAuth completion and OTP verification).
type TokenGrant struct {
	AccessToken          string `json:"access_token"`
	RefreshToken         string `json:"refresh_token"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at"`
	User                 User   `json:"user"`
}

// RefreshRequest is the payload for POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is returned from POST /auth/refresh. RefreshToken is
// set only when the backend rotates the refresh credential.
type RefreshResponse struct {
	AccessToken          string `json:"access_token"`
	RefreshToken         string `json:"refresh_token,omitempty"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at"`
}

// SendOTPRequest is the payload for POST /auth/otp/send.
type SendOTPRequest struct {
	Email string `json:"email"`
}

// SendOTPResponse is returned from POST /auth/otp/send.
type SendOTPResponse struct {
	Sent      bool  `json:"sent"`
	ExpiresAt int64 `json:"expires_at"`
}

// VerifyOTPRequest is the payload for POST /auth/otp/verify.
type VerifyOTPRequest struct {
	Email      string `json:"email"`
	Code       string `json:"code"`
	DeviceName string `json:"device_name"`
}

// SessionInfo is one entry from GET /auth/sessions.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	Device       string `json:"device"`
	CreatedAt    int64  `json:"created_at"`
	LastActivity int64  `json:"last_activity"`
	Current      bool   `json:"current"`
}

// SessionListResponse is returned from GET /auth/sessions.
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// RevokeSessionRequest is the payload for POST /auth/sessions/revoke.
type RevokeSessionRequest struct {
	SessionID string `json:"session_id"`
}
