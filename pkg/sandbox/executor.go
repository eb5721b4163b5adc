// Package sandbox provides isolated execution of candidate fixes inside
// Docker containers, plus the provisioning around it: workspace checkout,
// patch materialization, slot limiting, and stale container cleanup.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means the container runtime cannot be used right now.
	ErrUnavailable = errors.New("container runtime unavailable")
	// ErrSlotTimeout means no sandbox slot freed up within the acquire window.
	ErrSlotTimeout = errors.New("timed out waiting for a sandbox slot")
	// ErrProvisioning covers workspace setup failures (clone, file writes,
	// image problems). These are environmental, not verdicts on the patch.
	ErrProvisioning = errors.New("sandbox provisioning failed")
)

// ContainerPrefix namespaces every container this system starts, so a
// startup sweep can find strays from a previous crashed run.
const ContainerPrefix = "bugfixd-sbx-"

// Executor runs a command inside an isolated container.
type Executor interface {
	// Run executes cmd in a fresh container. A non-zero exit from the
	// command is reported in the Result, not as an error; errors are
	// reserved for failures to run at all.
	Run(ctx context.Context, containerName, image string, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor name for logging.
	Name() string

	// Available reports whether the runtime can be used right now.
	Available() bool
}

// Opts contains options for a sandboxed run.
//
//nolint:govet // Configuration struct, logical grouping preferred
type Opts struct {
	// Env contains environment variables (KEY=VALUE format)
	Env []string

	// ResourceLimits contains resource constraints.
	ResourceLimits *ResourceLimits

	// Timeout is the maximum duration for the run.
	Timeout time.Duration

	// WorkDir is the host directory mounted at /workspace.
	WorkDir string

	// User is the user to run as inside the container.
	User string

	// NetworkDisabled disables network access inside the container.
	NetworkDisabled bool
}

// ResourceLimits defines resource constraints for a sandboxed run.
type ResourceLimits struct {
	// CPUs is the number of CPU cores to allocate (e.g., "2" or "1.5")
	CPUs string

	// Memory is the memory limit (e.g., "2g", "512m")
	Memory string

	// PIDs is the maximum number of processes/threads.
	PIDs int64
}

// Result contains the outcome of a sandboxed run.
type Result struct {
	// Stdout contains the standard output.
	Stdout string

	// Stderr contains the standard error output.
	Stderr string

	// Duration is how long the run took.
	Duration time.Duration

	// ExitCode is the exit code of the command.
	ExitCode int

	// TimedOut is set when the run was killed at the timeout.
	TimedOut bool
}

// DefaultOpts returns default sandbox run options.
func DefaultOpts() Opts {
	return Opts{
		Timeout:         5 * time.Minute,
		NetworkDisabled: true,
		ResourceLimits: &ResourceLimits{
			CPUs:   "1",
			Memory: "512m",
			PIDs:   256,
		},
	}
}
