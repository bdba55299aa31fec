package apply

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/shared/logger"
)

// ToolResult is the outcome of a single apply-tool invocation.
type ToolResult struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ApplyTool is the collaborator that actually drives interface state on
// the host: bringing interfaces up or down and reloading the whole
// configuration. A shellApplyTool shells out to ifupdown2; a
// FakeApplyTool used in tests implements the same contract in memory.
type ApplyTool interface {
	BringUp(ctx context.Context, iface string) (ToolResult, error)
	BringDown(ctx context.Context, iface string) (ToolResult, error)
	Reload(ctx context.Context) (ToolResult, error)
}

// shellApplyTool drives ifupdown2's ifup/ifdown binaries via os/exec.
// The command line is quoted with go-shellquote only for the debug log;
// the arguments are passed to the process unquoted.
type shellApplyTool struct {
	ifupPath   string
	ifdownPath string
	verbose    bool
}

// NewShellApplyTool returns an ApplyTool that shells out to the given
// ifup/ifdown binaries.
func NewShellApplyTool(ifupPath, ifdownPath string, verbose bool) ApplyTool {
	return &shellApplyTool{ifupPath: ifupPath, ifdownPath: ifdownPath, verbose: verbose}
}

func (t *shellApplyTool) BringUp(ctx context.Context, iface string) (ToolResult, error) {
	args := []string{iface, "--force"}
	if t.verbose {
		args = append(args, "--verbose")
	}

	return t.run(ctx, t.ifupPath, args, "bring up interface "+iface)
}

func (t *shellApplyTool) BringDown(ctx context.Context, iface string) (ToolResult, error) {
	args := []string{iface, "--force"}
	if t.verbose {
		args = append(args, "--verbose")
	}

	return t.run(ctx, t.ifdownPath, args, "bring down interface "+iface)
}

func (t *shellApplyTool) Reload(ctx context.Context) (ToolResult, error) {
	args := []string{"--all", "--force"}
	if t.verbose {
		args = append(args, "--verbose")
	}

	return t.run(ctx, t.ifupPath, args, "reload configuration")
}

func (t *shellApplyTool) run(ctx context.Context, path string, args []string, operation string) (ToolResult, error) {
	quoted := shellquote.Join(append([]string{path}, args...)...)
	logger.Debug("running apply-tool command", logger.Ctx{"operation": operation, "command": quoted})

	start := time.Now()

	cmd := exec.CommandContext(ctx, path, args...)

	var stderr []byte
	stdout, err := cmd.Output()
	if exitErr, ok := err.(*exec.ExitError); ok {
		stderr = exitErr.Stderr
	}

	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return ToolResult{Duration: duration}, errs.New(errs.KindApplyToolTimeout, "%s timed out", operation).
			WithField("operation", operation)
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}

		logger.Warn("apply-tool command failed", logger.Ctx{
			"operation": operation, "exit_code": exitCode, "stderr": string(stderr),
		})

		return ToolResult{ExitCode: exitCode, Stdout: string(stdout), Stderr: string(stderr), Duration: duration},
			errs.New(errs.KindApplyToolFailed, "%s failed: %s", operation, string(stderr)).
				WithField("operation", operation).WithField("exit_code", exitCode)
	}

	return ToolResult{Success: true, Stdout: string(stdout), Duration: duration}, nil
}

// FakeApplyTool is a deterministic, in-memory ApplyTool used by tests: it
// records every invocation and returns a canned failure for names in
// Failing, so tests can exercise the rollback path without a real
// ifupdown2 binary.
type FakeApplyTool struct {
	mu       sync.Mutex
	Failing  map[string]bool
	Timeouts map[string]bool
	Calls    []string
}

// NewFakeApplyTool returns a FakeApplyTool with no configured failures.
func NewFakeApplyTool() *FakeApplyTool {
	return &FakeApplyTool{Failing: map[string]bool{}, Timeouts: map[string]bool{}}
}

func (t *FakeApplyTool) BringUp(ctx context.Context, iface string) (ToolResult, error) {
	return t.call(ctx, "bring_up "+iface)
}

func (t *FakeApplyTool) BringDown(ctx context.Context, iface string) (ToolResult, error) {
	return t.call(ctx, "bring_down "+iface)
}

func (t *FakeApplyTool) Reload(ctx context.Context) (ToolResult, error) {
	return t.call(ctx, "reload")
}

// CallCount returns how many times operation was invoked.
func (t *FakeApplyTool) CallCount(operation string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, call := range t.Calls {
		if call == operation {
			count++
		}
	}

	return count
}

func (t *FakeApplyTool) call(ctx context.Context, operation string) (ToolResult, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, operation)
	t.mu.Unlock()

	if t.Timeouts[operation] {
		return ToolResult{}, errs.New(errs.KindApplyToolTimeout, "%s timed out", operation).WithField("operation", operation)
	}

	if t.Failing[operation] {
		return ToolResult{ExitCode: 1}, errs.New(errs.KindApplyToolFailed, "%s failed", operation).
			WithField("operation", operation).WithField("exit_code", 1)
	}

	return ToolResult{Success: true}, nil
}
