package engine

import (
	"context"
	"fmt"
	"time"

	"facet/internal/events"
)

func (e Engine) timeoutCutoff() (cutoff, now string) {
	n := e.now().UTC()
	c := n.Add(-time.Duration(e.Config.Tasks.TimeoutMinutes) * time.Minute)
	return c.Format(time.RFC3339), n.Format(time.RFC3339)
}

// ReapStuckTasks puts every expired active task back on the queue. The
// worker assignment is cleared so anyone can claim the retried task.
func (e Engine) ReapStuckTasks(ctx context.Context) (int64, error) {
	cutoff, now := e.timeoutCutoff()
	n, err := e.Repo.ReapStuckTasks(ctx, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("reap stuck tasks: %w", err)
	}
	if n > 0 {
		e.appendReapEvent(ctx, "task.reclaimed", n)
	}
	return n, nil
}

// ReapStuckWorkflowTasks resets expired active workflow tasks to pending.
// Unlike queue tasks, workflow tasks keep their owner: only the owning
// worker's poll can pick the retry up.
func (e Engine) ReapStuckWorkflowTasks(ctx context.Context) (int64, error) {
	cutoff, now := e.timeoutCutoff()
	n, err := e.Repo.ReapStuckWorkflowTasks(ctx, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("reap stuck workflow tasks: %w", err)
	}
	if n > 0 {
		e.appendReapEvent(ctx, "workflow_task.reclaimed", n)
	}
	return n, nil
}

func (e Engine) appendReapEvent(ctx context.Context, evtType string, count int64) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.eventWriter().Append(ctx, tx, evtType, "task", "", "scheduler", events.EventPayload{"count": count}); err != nil {
		return
	}
	tx.Commit()
}
