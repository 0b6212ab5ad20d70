package domain

import "errors"

var (
	// ErrPermissionDenied means a process's log stream cannot be read (sandboxed or cross-user).
	ErrPermissionDenied = errors.New("permission denied reading log stream")

	// ErrStreamUnavailable means the process vanished between discovery and attach.
	ErrStreamUnavailable = errors.New("log stream unavailable")

	// ErrToolNotFound means the remediation binary is not installed or not in PATH.
	ErrToolNotFound = errors.New("remediation tool not found")

	// ErrExecution covers any other failure to launch a remediation step.
	ErrExecution = errors.New("remediation execution error")

	// ErrToolFailed means the remediation tool exited non-zero.
	ErrToolFailed = errors.New("remediation tool failed")

	// ErrMissingPrefix means a descriptor has no target WINEPREFIX.
	ErrMissingPrefix = errors.New("WINEPREFIX not specified in the action plan")

	// ErrNothingApplied means every action of a plan was skipped.
	ErrNothingApplied = errors.New("no remediation step was applied")

	// ErrConfigLoad means external configuration was malformed; defaults are used.
	ErrConfigLoad = errors.New("configuration load error")

	// ErrDuplicateSignature is returned when a rule signature already exists.
	ErrDuplicateSignature = errors.New("duplicate rule signature")

	// ErrInvalidRule is returned for rules with an empty signature or out-of-range confidence.
	ErrInvalidRule = errors.New("invalid rule")
)
