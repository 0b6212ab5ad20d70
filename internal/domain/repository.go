package domain

import "context"

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// Terminate sends SIGTERM, waits up to the grace period, then SIGKILL.
	Terminate(pid int) error

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// ProcessDiscoverer produces one snapshot of the Wine processes currently running.
type ProcessDiscoverer interface {
	// Discover enumerates live processes of interest.
	// Processes that exit or deny access mid-scan are skipped, not reported.
	Discover(ctx context.Context) ([]ProcessRecord, error)
}

// LogTailer attaches to a process's live stderr.
type LogTailer interface {
	// Tail returns a channel of newly appended lines. The channel is closed
	// when the process no longer exists or ctx is done.
	// Returns ErrPermissionDenied or ErrStreamUnavailable when the stream cannot be opened.
	Tail(ctx context.Context, pid int) (<-chan string, error)
}

// RuleStore provides the ordered rule table.
// Read-only from the core's perspective.
type RuleStore interface {
	// Rules returns all rules in insertion order.
	Rules() []Rule
}

// RuleMatcher turns a log line into a remediation suggestion.
type RuleMatcher interface {
	// Match returns the descriptor of the first matching rule, or nil.
	Match(line, prefix string) *RemediationDescriptor
}

// OutputSink receives human-readable progress lines.
type OutputSink func(line string)

// Remediator runs remediation plans.
type Remediator interface {
	// Execute runs every action of the descriptor in order. nil means success.
	Execute(ctx context.Context, d *RemediationDescriptor, sink OutputSink) error
}

// RemediationTool describes how one ToolKind is invoked.
// Implementations: winetricks (PackageFix), regedit (RegistryFix).
type RemediationTool interface {
	// Kind returns the tool kind this strategy handles.
	Kind() ToolKind

	// Binary returns the executable name or path.
	Binary() string

	// Prepare returns the command arguments for an action, plus a cleanup
	// func that must be called once the command has finished.
	Prepare(argument string) (args []string, cleanup func(), err error)
}

// SnapshotObserver consumes the liveness snapshot published after every cycle.
type SnapshotObserver interface {
	Publish(ctx context.Context, s Snapshot) error
}

// StatusStore persists and reads the liveness snapshot for external viewers.
type StatusStore interface {
	SnapshotObserver

	// Read returns the last published snapshot. A missing file yields an
	// empty snapshot and no error.
	Read() (*Snapshot, error)

	// Clear removes the status file.
	Clear() error

	// Path returns the status file path.
	Path() string
}

// RuleRepository is the persistent rule knowledge base.
type RuleRepository interface {
	// List returns every rule in insertion order.
	List(ctx context.Context) ([]Rule, error)

	// Insert appends a rule. Returns ErrDuplicateSignature if the signature exists.
	Insert(ctx context.Context, r Rule) error

	// Import appends rules in order, skipping existing signatures.
	// Returns the number inserted.
	Import(ctx context.Context, rules []Rule) (int, error)
}

// PIDStore records the pid of the running service from the moment it is spawned.
type PIDStore interface {
	// Read returns the recorded pid, 0 when none is recorded.
	Read() (int, error)

	// Write records pid, replacing any previous value.
	Write(pid int) error

	// Remove deletes the record. Removing a missing record is not an error.
	Remove() error

	// Lock serializes start and stop across processes until unlock is called.
	Lock() (unlock func(), err error)
}
