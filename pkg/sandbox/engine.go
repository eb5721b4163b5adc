package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"bugfixd/pkg/logx"
	"bugfixd/pkg/task"
)

// Output tails stored on the task record are bounded so a chatty test
// suite cannot bloat the database.
const maxOutputTail = 16 * 1024

// EngineConfig tunes the validation engine.
//
//nolint:govet // Configuration struct, logical grouping preferred
type EngineConfig struct {
	// Limits apply to every sandbox container.
	Limits ResourceLimits

	// CloneTimeout bounds the repository checkout.
	CloneTimeout time.Duration

	// TestTimeout bounds one test run inside the container.
	TestTimeout time.Duration

	// WorkspaceRoot is where per-run workspaces are created. Empty means
	// the system temp directory.
	WorkspaceRoot string

	// SlotsObserver, when set, receives the pool occupancy after every
	// slot acquire and release.
	SlotsObserver func(inUse int)
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Limits: ResourceLimits{
			CPUs:   "1",
			Memory: "512m",
			PIDs:   256,
		},
		CloneTimeout: 2 * time.Minute,
		TestTimeout:  5 * time.Minute,
	}
}

// Engine validates a candidate patch: it checks out the repository, writes
// the patch and its dependency files into the workspace, and runs the test
// command inside an isolated container.
type Engine struct {
	executor Executor
	slots    *SlotPool
	logger   *logx.Logger
	cfg      EngineConfig
}

// NewEngine creates a validation engine on top of an executor and a slot pool.
func NewEngine(executor Executor, slots *SlotPool, cfg EngineConfig) *Engine {
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = DefaultEngineConfig().CloneTimeout
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = DefaultEngineConfig().TestTimeout
	}
	return &Engine{
		executor: executor,
		slots:    slots,
		logger:   logx.NewLogger("sandbox-engine"),
		cfg:      cfg,
	}
}

// Available reports whether the underlying runtime can run sandboxes.
func (e *Engine) Available() bool {
	return e.executor.Available()
}

// RunTests validates one attempt's patch. A returned error is always an
// infrastructure problem; a failing test suite comes back as a TestResult
// with Success=false and a nil error.
func (e *Engine) RunTests(ctx context.Context, t *task.Task, attempt *task.Attempt) (*task.TestResult, error) {
	if attempt.Patch == nil {
		return nil, fmt.Errorf("%w: attempt %d has no patch", ErrProvisioning, attempt.Index)
	}

	if err := e.slots.Acquire(ctx); err != nil {
		return nil, err
	}
	e.observeSlots()
	defer func() {
		e.slots.Release()
		e.observeSlots()
	}()

	workDir, err := os.MkdirTemp(e.cfg.WorkspaceRoot, "bugfixd-ws-")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create workspace: %v", ErrProvisioning, err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			e.logger.Warn("Failed to remove workspace %s: %v", workDir, err)
		}
	}()

	if err := e.cloneRepository(ctx, t, workDir); err != nil {
		return nil, err
	}
	filename, err := e.materializePatch(workDir, t, attempt.Patch)
	if err != nil {
		return nil, err
	}

	image, err := ImageFor(t.Language)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	cmd := TestCommand(t.Language, filename, t.TestCommand)

	opts := Opts{
		WorkDir:         workDir,
		Timeout:         e.cfg.TestTimeout,
		NetworkDisabled: true,
		ResourceLimits:  &e.cfg.Limits,
	}

	containerName := ContainerName(t.ID, attempt.Index)
	e.logger.Info("Running tests for task %s attempt %d in %s", t.ID, attempt.Index, image)

	result, err := e.executor.Run(ctx, containerName, image, cmd, &opts)
	if err != nil {
		return nil, err
	}

	return &task.TestResult{
		Success:  result.ExitCode == 0 && !result.TimedOut,
		ExitCode: result.ExitCode,
		Stdout:   tail(result.Stdout, maxOutputTail),
		Stderr:   tail(result.Stderr, maxOutputTail),
		Duration: result.Duration,
		TimedOut: result.TimedOut,
	}, nil
}

func (e *Engine) observeSlots() {
	if e.cfg.SlotsObserver != nil {
		e.cfg.SlotsObserver(e.slots.InUse())
	}
}

// cloneRepository checks out the task's branch at depth 1.
func (e *Engine) cloneRepository(ctx context.Context, t *task.Task, workDir string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, e.cfg.CloneTimeout)
	defer cancel()

	args := []string{"clone", "--depth", "1", "--branch", t.Branch, "--single-branch", t.RepositoryURL, "."}
	cmd := exec.CommandContext(cloneCtx, "git", args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: git clone failed: %s", ErrProvisioning, tail(string(out), 1024))
	}
	return nil
}

// materializePatch writes the patch file and any dependency files into the
// workspace and returns the workspace-relative patch filename.
func (e *Engine) materializePatch(workDir string, t *task.Task, patch *task.Patch) (string, error) {
	filename := patch.Filename
	if strings.TrimSpace(filename) == "" {
		filename = DefaultFilename(t.Language)
	}
	if err := writeWorkspaceFile(workDir, filename, patch.Code); err != nil {
		return "", err
	}
	for depName, content := range patch.Dependencies {
		if err := writeWorkspaceFile(workDir, depName, content); err != nil {
			return "", err
		}
	}
	return filename, nil
}

// writeWorkspaceFile writes one file, rejecting paths that escape the
// workspace.
func writeWorkspaceFile(workDir, name, content string) error {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("%w: refusing to write outside workspace: %q", ErrProvisioning, name)
	}
	dest := filepath.Join(workDir, cleaned)
	// A cloned repository may carry a symlink at the destination path;
	// writing through it would land outside the workspace on the host.
	if fi, err := os.Lstat(dest); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing to write through symlink: %q", ErrProvisioning, name)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	return nil
}

// tail returns the last max bytes of s.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
