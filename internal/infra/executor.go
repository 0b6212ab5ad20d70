package infra

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/winmend/internal/domain"
)

// outputDrainTimeout bounds how long output is read after the tool exits.
// Daemonized children (e.g. wineserver) may keep the pipe open.
const outputDrainTimeout = 2 * time.Second

// Executor implements domain.Remediator by running external tools.
type Executor struct {
	tools   ToolSet
	environ func() []string
	logger  *zap.Logger
}

// NewExecutor creates an executor for the given tool strategies.
func NewExecutor(tools ToolSet, logger *zap.Logger) *Executor {
	return &Executor{
		tools:   tools,
		environ: os.Environ,
		logger:  logger,
	}
}

// Execute runs every action of d in order against d.TargetPrefix.
// The first failing step aborts the plan. Unknown tool kinds are skipped.
func (e *Executor) Execute(ctx context.Context, d *domain.RemediationDescriptor, sink domain.OutputSink) error {
	if sink == nil {
		sink = func(string) {}
	}
	if d == nil || d.TargetPrefix == "" {
		sink("Execution failed: WINEPREFIX not specified in the action plan.")
		return domain.ErrMissingPrefix
	}

	sink(fmt.Sprintf("Executing action for WINEPREFIX: %s", d.TargetPrefix))

	applied := 0
	for i, action := range d.Actions {
		sink(fmt.Sprintf("Step %d/%d: Running '%s' with argument '%s'...",
			i+1, len(d.Actions), action.Kind, firstLine(action.Argument)))

		tool, ok := e.tools[action.Kind]
		if !ok {
			sink(fmt.Sprintf("Warning: Unknown tool type '%s' in action plan. Skipping.", action.Kind))
			e.logger.Warn("unknown remediation tool kind", zap.String("kind", string(action.Kind)))
			continue
		}

		if err := e.runStep(ctx, tool, action, d.TargetPrefix, sink); err != nil {
			return err
		}
		applied++
	}

	if applied == 0 {
		sink("No remediation step was applied.")
		return domain.ErrNothingApplied
	}

	sink("Action plan completed successfully. Please RESTART the Windows application for changes to take effect.")
	return nil
}

// runStep launches one tool and streams its merged output to sink.
func (e *Executor) runStep(ctx context.Context, tool domain.RemediationTool, action domain.Action, prefix string, sink domain.OutputSink) error {
	label := fmt.Sprintf("%s %s", tool.Binary(), firstLine(action.Argument))

	args, cleanup, err := tool.Prepare(action.Argument)
	if err != nil {
		sink(fmt.Sprintf("Error preparing '%s': %v", action.Kind, err))
		return fmt.Errorf("%w: %w", domain.ErrExecution, err)
	}
	// Temporary files go away on every exit path
	defer cleanup()

	binary, err := exec.LookPath(tool.Binary())
	if err != nil {
		sink(fmt.Sprintf("Error: '%s' command not found. Please make sure it is installed and in your PATH.", tool.Binary()))
		return fmt.Errorf("%w: %s", domain.ErrToolNotFound, tool.Binary())
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		sink(fmt.Sprintf("An unexpected error occurred while running %s: %v", action.Kind, err))
		return fmt.Errorf("%w: %w", domain.ErrExecution, err)
	}
	defer pr.Close()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = envWithPrefix(e.environ(), prefix)
	cmd.Stdin = nil
	cmd.Stdout = pw
	cmd.Stderr = pw

	e.logger.Debug("running remediation tool",
		zap.String("binary", binary),
		zap.Strings("args", args),
		zap.String("prefix", prefix))

	if err := cmd.Start(); err != nil {
		pw.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			sink(fmt.Sprintf("Error: '%s' command not found. Please make sure it is installed and in your PATH.", tool.Binary()))
			return fmt.Errorf("%w: %s", domain.ErrToolNotFound, tool.Binary())
		}
		sink(fmt.Sprintf("An unexpected error occurred while running %s: %v", action.Kind, err))
		return fmt.Errorf("%w: %w", domain.ErrExecution, err)
	}
	// The child holds its own copy of the write end
	pw.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			sink(fmt.Sprintf("  [%s] %s", action.Kind, strings.TrimRight(scanner.Text(), "\r")))
		}
	}()

	waitErr := cmd.Wait()
	select {
	case <-done:
	case <-time.After(outputDrainTimeout):
		pr.Close()
		<-done
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			sink(fmt.Sprintf("Command '%s' failed with exit code %d.", label, exitErr.ExitCode()))
			return fmt.Errorf("%w: %s exited with code %d", domain.ErrToolFailed, tool.Binary(), exitErr.ExitCode())
		}
		sink(fmt.Sprintf("An unexpected error occurred while running %s: %v", action.Kind, waitErr))
		return fmt.Errorf("%w: %w", domain.ErrExecution, waitErr)
	}

	sink(fmt.Sprintf("Command '%s' completed successfully.", label))
	return nil
}

// envWithPrefix returns environ with WINEPREFIX replaced by prefix.
func envWithPrefix(environ []string, prefix string) []string {
	out := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		if strings.HasPrefix(kv, winePrefixKey+"=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, winePrefixKey+"="+prefix)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// Ensure Executor implements domain.Remediator.
var _ domain.Remediator = (*Executor)(nil)
