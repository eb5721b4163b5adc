package sandbox

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDockerArgs(t *testing.T) {
	d := NewDockerExec()
	selfUser := fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())

	tests := []struct {
		name     string
		opts     *Opts
		cmd      []string
		contains []string
		excludes []string
	}{
		{
			name: "network disabled",
			opts: &Opts{NetworkDisabled: true},
			cmd:  []string{"pytest"},
			contains: []string{
				"--network", "none",
				"--security-opt", "no-new-privileges",
			},
		},
		{
			name: "network enabled",
			opts: &Opts{NetworkDisabled: false},
			cmd:  []string{"pytest"},
			excludes: []string{
				"--network",
			},
		},
		{
			name: "resource limits",
			opts: &Opts{
				ResourceLimits: &ResourceLimits{CPUs: "1.5", Memory: "512m", PIDs: 128},
			},
			cmd: []string{"pytest"},
			contains: []string{
				"--cpus", "1.5",
				"--memory", "512m",
				"--pids-limit", "128",
			},
		},
		{
			name: "explicit user",
			opts: &Opts{User: "1000:1000"},
			cmd:  []string{"pytest"},
			contains: []string{
				"--user", "1000:1000",
			},
		},
		{
			name: "defaults to current user",
			opts: &Opts{},
			cmd:  []string{"pytest"},
			contains: []string{
				"--user", selfUser,
			},
		},
		{
			name: "environment variables",
			opts: &Opts{Env: []string{"PYTHONDONTWRITEBYTECODE=1"}},
			cmd:  []string{"pytest"},
			contains: []string{
				"--env", "PYTHONDONTWRITEBYTECODE=1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := d.buildDockerArgs("bugfixd-sbx-test", "python:3.9-slim", tt.cmd, tt.opts)
			require.NoError(t, err)

			assert.Equal(t, "run", args[0])
			assert.Contains(t, args, "--rm")
			assert.Contains(t, args, "bugfixd-sbx-test")
			assert.Contains(t, args, "python:3.9-slim")
			assert.Equal(t, "pytest", args[len(args)-1])

			for _, want := range tt.contains {
				assert.Contains(t, args, want)
			}
			for _, not := range tt.excludes {
				assert.NotContains(t, args, not)
			}
		})
	}
}

func TestBuildDockerArgsMountsWorkDir(t *testing.T) {
	d := NewDockerExec()
	dir := t.TempDir()

	args, err := d.buildDockerArgs("bugfixd-sbx-test", "python:3.9-slim",
		[]string{"pytest"}, &Opts{WorkDir: dir})
	require.NoError(t, err)

	assert.Contains(t, args, fmt.Sprintf("%s:/workspace:rw", dir))
	assert.Contains(t, args, "--workdir")
	assert.Contains(t, args, "/workspace")
}

func TestContainerName(t *testing.T) {
	name := ContainerName("abc-123", 2)
	assert.Equal(t, "bugfixd-sbx-abc-123-a2", name)
}

func TestVerdictFromExit(t *testing.T) {
	// Non-zero exits from inside the container are test verdicts, not
	// errors. 126 (not executable) and 127 (not found) included: the
	// container ran and the command's fate is the verdict.
	for _, code := range []int{1, 2, 126, 127, 137} {
		result, err := verdictFromExit(Result{Stderr: "boom"}, code)
		require.NoError(t, err, "exit %d", code)
		assert.Equal(t, code, result.ExitCode)
	}

	// 125 is docker run's own failure; the command never ran, so it is
	// a provisioning error rather than a verdict.
	_, err := verdictFromExit(Result{Stderr: "Unable to find image"}, 125)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Contains(t, err.Error(), "Unable to find image")
}
