package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

const reapInterval = 2 * time.Minute

// StartReaper runs a background goroutine that removes judge containers
// older than maxAge. Judge normally removes its own container; the reaper
// covers process crashes between create and remove.
func (e *DockerExecutor) StartReaper(ctx context.Context, maxAge time.Duration) {
	ticker := time.NewTicker(reapInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Judge reaper started", "interval", reapInterval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				e.reap(ctx, maxAge, time.Now())
			case <-ctx.Done():
				slog.Info("Judge reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// reap removes stale judge containers and returns how many were removed.
func (e *DockerExecutor) reap(ctx context.Context, maxAge time.Duration, now time.Time) int {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", roleLabel+"="+roleJudge)),
	})
	if err != nil {
		slog.Error("Judge reaper failed to list containers", "error", err)
		return 0
	}

	removed := 0
	for _, c := range list {
		created := time.Unix(c.Created, 0)
		if now.Sub(created) < maxAge {
			continue
		}
		if err := e.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			if !errdefs.IsNotFound(err) {
				slog.Warn("Judge reaper failed to remove container", "container_id", c.ID, "error", err)
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Judge reaper cleanup completed", "removed", removed)
	}
	return removed
}
