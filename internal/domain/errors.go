package domain

import "errors"

// Configuration errors. A reload that hits one of these leaves the
// previously active configuration in effect.
var (
	ErrUnknownExerciseKind = errors.New("unknown exercise kind")
	ErrDuplicateExerciseID = errors.New("duplicate exercise id")
	ErrMissingField        = errors.New("missing required field")
)

// Usage errors: the caller referenced something that does not exist or
// combined a state with a definition of a different kind.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrExerciseNotFound = errors.New("exercise not found")
	ErrKindMismatch     = errors.New("exercise kind mismatch")
)

// ErrExternalGrading signals that an input cannot be validated in-process
// and must be routed through the grading dispatcher.
var ErrExternalGrading = errors.New("exercise must be graded externally")

// Grading/execution errors, distinct from a graded "failed" result.
var (
	ErrExecutorUnavailable = errors.New("grading executor unavailable")
	ErrScriptPathEmpty     = errors.New("grading script path is empty")
	ErrInitScriptMissing   = errors.New("init script not configured")
)
