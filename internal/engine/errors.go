package engine

import "errors"

// Flow-level failures. Storage and token packages keep their own sentinels;
// these cover what only the orchestrator can decide. Credential failures
// never reveal whether the email exists.
var (
	ErrInvalidCredentials = errors.New("engine: invalid credentials")
	ErrRateLimited        = errors.New("engine: too many attempts")
	ErrAccountDisabled    = errors.New("engine: account disabled")
	ErrWeakPassword       = errors.New("engine: password does not meet requirements")
	ErrInvalidEmail       = errors.New("engine: invalid email address")
	ErrFederationDisabled = errors.New("engine: no federation providers configured")
)
