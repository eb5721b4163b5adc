package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"bugfixd/pkg/logx"
)

// DockerExec runs commands in throwaway Docker containers.
type DockerExec struct {
	logger            *logx.Logger
	runningContainers map[string]struct{}
	dockerCmd         string
	mu                sync.RWMutex
}

// NewDockerExec creates a Docker executor. Podman is used when it is
// installed and docker is not.
func NewDockerExec() *DockerExec {
	dockerCmd := "docker"
	if _, err := exec.LookPath("podman"); err == nil {
		if _, err := exec.LookPath("docker"); err != nil {
			dockerCmd = "podman"
		}
	}

	return &DockerExec{
		logger:            logx.NewLogger("docker-exec"),
		dockerCmd:         dockerCmd,
		runningContainers: make(map[string]struct{}),
	}
}

// Name returns the executor name.
func (d *DockerExec) Name() string {
	return "docker"
}

// Available checks whether the container runtime daemon responds.
func (d *DockerExec) Available() bool {
	if _, err := exec.LookPath(d.dockerCmd); err != nil {
		d.logger.Debug("Container runtime command not found: %v", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.dockerCmd, "ps", "-q")
	if err := cmd.Run(); err != nil {
		d.logger.Debug("Container runtime daemon not available: %v", err)
		return false
	}

	return true
}

// Run executes cmd in a fresh container named containerName. The container
// is always stopped and removed afterwards, including on cancellation.
func (d *DockerExec) Run(ctx context.Context, containerName, image string, cmd []string, opts *Opts) (Result, error) {
	start := time.Now()

	if len(cmd) == 0 {
		return Result{}, fmt.Errorf("%w: command cannot be empty", ErrProvisioning)
	}
	if image == "" {
		return Result{}, fmt.Errorf("%w: image cannot be empty", ErrProvisioning)
	}

	dockerArgs, err := d.buildDockerArgs(containerName, image, cmd, opts)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	execCtx := ctx
	if opts != nil && opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dockerCmd := exec.CommandContext(execCtx, d.dockerCmd, dockerArgs...)

	d.mu.Lock()
	d.runningContainers[containerName] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.runningContainers, containerName)
		d.mu.Unlock()
		d.cleanupContainer(containerName)
	}()

	var stdout, stderr strings.Builder
	dockerCmd.Stdout = &stdout
	dockerCmd.Stderr = &stderr

	d.logger.Debug("Executing container run: %s", strings.Join(dockerCmd.Args, " "))
	runErr := dockerCmd.Run()

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = -1
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return verdictFromExit(result, exitErr.ExitCode())
		}
		return result, fmt.Errorf("%w: %v", ErrUnavailable, runErr)
	}

	result.ExitCode = 0
	return result, nil
}

// Exit code reserved by docker run for its own failures (bad image,
// daemon error). 126 and 127 come from inside the container and stay
// test verdicts.
const dockerRunFailureExitCode = 125

// verdictFromExit maps a non-zero exit from the container runtime. When
// docker run itself failed the user's command never ran, so the failure
// is a provisioning error rather than a test verdict.
func verdictFromExit(result Result, code int) (Result, error) {
	if code == dockerRunFailureExitCode {
		return result, fmt.Errorf("%w: container runtime failed (exit %d): %s",
			ErrProvisioning, code, tail(result.Stderr, 1024))
	}
	result.ExitCode = code
	return result, nil
}

// buildDockerArgs constructs the docker run command arguments.
func (d *DockerExec) buildDockerArgs(containerName, image string, cmd []string, opts *Opts) ([]string, error) {
	args := []string{"run", "--rm", "--name", containerName}

	// Security hardening
	args = append(args, "--security-opt", "no-new-privileges")

	if opts == nil {
		defaults := DefaultOpts()
		opts = &defaults
	}

	if opts.NetworkDisabled {
		args = append(args, "--network", "none")
	}

	if opts.ResourceLimits != nil {
		if opts.ResourceLimits.CPUs != "" {
			args = append(args, "--cpus", opts.ResourceLimits.CPUs)
		}
		if opts.ResourceLimits.Memory != "" {
			args = append(args, "--memory", opts.ResourceLimits.Memory)
		}
		if opts.ResourceLimits.PIDs > 0 {
			args = append(args, "--pids-limit", strconv.FormatInt(opts.ResourceLimits.PIDs, 10))
		}
	}

	if opts.User != "" {
		args = append(args, "--user", opts.User)
	} else {
		args = append(args, "--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()))
	}

	if opts.WorkDir != "" {
		absWorkDir, err := filepath.Abs(opts.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		args = append(args, "--volume", fmt.Sprintf("%s:/workspace:rw", absWorkDir))
		args = append(args, "--workdir", "/workspace")
	}

	// Writable scratch space on an otherwise untouched image
	args = append(args, "--tmpfs", "/tmp:exec,nodev,nosuid,size=100m")

	for _, env := range opts.Env {
		args = append(args, "--env", env)
	}

	args = append(args, image)
	args = append(args, cmd...)

	return args, nil
}

// cleanupContainer removes the container if it is still around.
func (d *DockerExec) cleanupContainer(containerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopCmd := exec.CommandContext(ctx, d.dockerCmd, "stop", containerName)
	if err := stopCmd.Run(); err != nil {
		d.logger.Debug("Failed to stop container %s: %v", containerName, err)
	}

	rmCmd := exec.CommandContext(ctx, d.dockerCmd, "rm", "-f", containerName)
	if err := rmCmd.Run(); err != nil {
		d.logger.Debug("Failed to remove container %s: %v", containerName, err)
	}
}

// Shutdown stops all containers this executor still has running.
func (d *DockerExec) Shutdown(ctx context.Context) error {
	d.mu.RLock()
	containers := make([]string, 0, len(d.runningContainers))
	for name := range d.runningContainers {
		containers = append(containers, name)
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, containerName := range containers {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			d.cleanupContainer(name)
		}(containerName)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
