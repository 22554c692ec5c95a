package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanupTask removes stale rows from one table and reports how many went.
type CleanupTask struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// CleanupManager periodically purges expired sessions, served lockouts and
// finished rate windows.
type CleanupManager struct {
	tasks    []CleanupTask
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(logger *slog.Logger, interval time.Duration, tasks ...CleanupTask) *CleanupManager {
	return &CleanupManager{
		tasks:    tasks,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs every task once, then again on each tick until ctx is cancelled
// or Stop is called.
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce executes each task with its own timeout. A failing task does not
// stop the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	for _, task := range cm.tasks {
		taskCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		rows, err := task.Run(taskCtx)
		cancel()

		if err != nil {
			cm.logger.Error("cleanup task failed", slog.String("task", task.Name), slog.Any("error", err))
			continue
		}
		if rows > 0 {
			cm.logger.Info("cleanup task completed", slog.String("task", task.Name), slog.Int64("rows_deleted", rows))
		}
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
