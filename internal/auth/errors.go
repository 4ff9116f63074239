package auth

import "errors"

// Sentinel errors for the auth layer.
var (
	// ErrInvalidCredentials is the single generic login failure; it never
	// reveals whether the account exists.
	ErrInvalidCredentials = errors.New("invalid email or password")

	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrTokenRevoked        = errors.New("refresh token revoked")
	ErrInvalidVerification = errors.New("invalid or expired verification token")
	ErrWeakPassword        = errors.New("password is too short")
	ErrInvalidEmail        = errors.New("invalid email address")
	ErrEmailExists         = errors.New("email is already registered")
	ErrNotFound            = errors.New("account not found")
	ErrNotAuthCollection   = errors.New("collection does not hold identities")
)
