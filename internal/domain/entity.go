// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"strings"
	"time"
)

// ToolKind identifies which external remediation tool a fix uses.
type ToolKind string

const (
	// KindPackageFix installs a runtime component through winetricks.
	KindPackageFix ToolKind = "winetricks"
	// KindRegistryFix imports a registry patch through regedit.
	KindRegistryFix ToolKind = "regedit"
)

// Known reports whether k is one of the supported tool kinds.
func (k ToolKind) Known() bool {
	return k == KindPackageFix || k == KindRegistryFix
}

// ProcessRecord is a snapshot of a discovered Wine process.
// Not refreshed unless the process is rediscovered.
type ProcessRecord struct {
	PID        int
	Name       string
	Cmdline    []string
	Environ    map[string]string
	WinePrefix string
	// CreateTime is the process start in ms since the epoch, 0 if unknown.
	CreateTime int64
}

// SameProcess reports whether o may be the same process as p. Records
// with an unknown create time are assumed to match.
func (p ProcessRecord) SameProcess(o ProcessRecord) bool {
	if p.PID != o.PID {
		return false
	}
	if p.CreateTime == 0 || o.CreateTime == 0 {
		return true
	}
	return p.CreateTime == o.CreateTime
}

// CommandLine joins the argv with spaces (as shown in the status file).
func (p ProcessRecord) CommandLine() string {
	return strings.Join(p.Cmdline, " ")
}

// DisplayName returns a short label for logs: the argv[0] basename, else the process name.
func (p ProcessRecord) DisplayName() string {
	if len(p.Cmdline) > 0 && p.Cmdline[0] != "" {
		arg0 := strings.ReplaceAll(p.Cmdline[0], "\\", "/")
		if i := strings.LastIndex(arg0, "/"); i >= 0 {
			arg0 = arg0[i+1:]
		}
		if arg0 != "" {
			return arg0
		}
	}
	if p.Name != "" {
		return p.Name
	}
	return "unknown"
}

// Rule maps an error signature to a remediation.
type Rule struct {
	Signature  string   `yaml:"signature"`
	Kind       ToolKind `yaml:"tool"`
	Argument   string   `yaml:"argument"`
	Confidence float64  `yaml:"confidence"`
}

// Action is a single step of a remediation plan.
type Action struct {
	Kind     ToolKind
	Argument string
}

// FixIdentity is the deduplication key of a remediation.
type FixIdentity struct {
	Kind     ToolKind
	Argument string
}

// RemediationDescriptor is created per successful rule match and consumed once by the executor.
type RemediationDescriptor struct {
	MatchedSignature string
	Source           string
	Description      string
	Confidence       float64
	TargetPrefix     string
	Actions          []Action
}

// Kind returns the tool kind of the first action.
func (d *RemediationDescriptor) Kind() ToolKind {
	if len(d.Actions) == 0 {
		return ""
	}
	return d.Actions[0].Kind
}

// Argument returns the argument of the first action.
func (d *RemediationDescriptor) Argument() string {
	if len(d.Actions) == 0 {
		return ""
	}
	return d.Actions[0].Argument
}

// Identity returns the FixIdentity of the descriptor's first action.
func (d *RemediationDescriptor) Identity() FixIdentity {
	return FixIdentity{Kind: d.Kind(), Argument: d.Argument()}
}

// MonitoredProcess is one entry of the published liveness snapshot.
type MonitoredProcess struct {
	PID     int    `json:"pid"`
	Cmdline string `json:"cmdline"`
}

// Snapshot is the liveness state published after every scan cycle.
type Snapshot struct {
	ServicePID int                `json:"service_pid"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Processes  []MonitoredProcess `json:"processes"`
}

// AnalysisResult summarizes a finished worker, for logs and tests.
type AnalysisResult struct {
	PID          int
	StartedAt    time.Time
	LinesSeen    int
	Suggestions  int
	AppliedFixes []FixIdentity
	FailedFixes  []FixIdentity
	Err          error
}
