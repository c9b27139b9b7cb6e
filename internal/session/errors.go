package session

import "errors"

// ErrInvalidInput is returned for bad parameters caught before any engine
// call: zero or multiple auth modes, a nonexistent mount path, a blank id.
var ErrInvalidInput = errors.New("invalid input")

// ErrPreconditionFailed is returned when the environment is not ready to
// proceed, such as a missing AWS credential store under Bedrock auth.
var ErrPreconditionFailed = errors.New("precondition failed")

// ErrEngineFailure is returned when the container engine rejected or failed
// an operation. The engine's own status is wrapped, never swallowed.
var ErrEngineFailure = errors.New("engine operation failed")

// ErrReadinessTimeout is returned when a created session never reached the
// running state within the readiness bound. The session may still be coming
// up; the caller decides whether to retain or stop it.
var ErrReadinessTimeout = errors.New("session not ready within deadline")

// ErrConfirmationRequired is returned by an unforced StopAndRemove on an
// existing session. Confirmation is a caller concern; the core only exposes
// the forced and unforced paths.
var ErrConfirmationRequired = errors.New("session exists, confirmation required")
