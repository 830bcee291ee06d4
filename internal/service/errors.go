package service

import "errors"

// Input/authorization errors. Always surfaced, never retried.
var (
	ErrConsentRequired           = errors.New("CONSENT_REQUIRED")
	ErrAccountNotFound           = errors.New("ACCOUNT_NOT_FOUND")
	ErrAccountOwnershipViolation = errors.New("ACCOUNT_OWNERSHIP_VIOLATION")
)

// Session read errors.
var (
	ErrSessionNotFound      = errors.New("SESSION_NOT_FOUND")
	ErrSessionExpired       = errors.New("SESSION_EXPIRED")
	ErrSessionInvalid       = errors.New("SESSION_INVALID")
	ErrSessionDecryptFailed = errors.New("SESSION_DECRYPT_FAILED")
)
