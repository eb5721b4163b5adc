package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"bugfixd/pkg/logx"
)

// ContainerName returns the deterministic container name for one attempt
// of one task. Determinism is what lets a startup sweep find containers
// left behind by a crashed worker.
func ContainerName(taskID string, attemptIndex int) string {
	return fmt.Sprintf("%s%s-a%d", ContainerPrefix, taskID, attemptIndex)
}

// ReconcileStale removes containers carrying this system's name prefix
// that survived a previous process. Run once at worker startup, before
// any new sandbox is started.
func ReconcileStale(ctx context.Context) error {
	logger := logx.NewLogger("sandbox-sweep")

	dockerCmd := "docker"
	if _, err := exec.LookPath("podman"); err == nil {
		if _, err := exec.LookPath("docker"); err != nil {
			dockerCmd = "podman"
		}
	}
	if _, err := exec.LookPath(dockerCmd); err != nil {
		// Nothing to sweep if there is no runtime.
		return nil
	}

	listCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	listCmd := exec.CommandContext(listCtx, dockerCmd,
		"ps", "-aq", "--filter", "name="+ContainerPrefix)
	out, err := listCmd.Output()
	if err != nil {
		return fmt.Errorf("failed to list stale containers: %w", err)
	}

	ids := strings.Fields(strings.TrimSpace(string(out)))
	if len(ids) == 0 {
		return nil
	}

	logger.Warn("Removing %d stale sandbox container(s) from a previous run", len(ids))
	for _, id := range ids {
		rmCtx, rmCancel := context.WithTimeout(ctx, 10*time.Second)
		rmCmd := exec.CommandContext(rmCtx, dockerCmd, "rm", "-f", id)
		if err := rmCmd.Run(); err != nil {
			logger.Error("Failed to remove stale container %s: %v", id, err)
		}
		rmCancel()
	}
	return nil
}
