package errors

import "errors"

// Credential errors. Token parsing and validation report failures as
// values, never panics; callers branch with errors.Is.
var (
	ErrNoToken      = errors.New("no token provided")
	ErrTokenFormat  = errors.New("invalid token format")
	ErrTokenExpired = errors.New("token expired")
)

// Refresh errors.
var (
	ErrNoRefreshCredential = errors.New("no refresh credential available")
	ErrRefreshExhausted    = errors.New("refresh attempts exhausted")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
