package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"facet/internal/domain"
	"facet/internal/events"
	"facet/internal/repo"
)

// TaskPayload is what a worker receives from a successful claim: the leased
// task plus a self-contained instruction blob and the sampling temperature
// for the task's type.
type TaskPayload struct {
	Task         domain.Task `json:"task"`
	TaskType     string      `json:"task_type"`
	Instructions string      `json:"instructions"`
	Temperature  float64     `json:"temperature"`
	OutputAmount int         `json:"output_amount,omitempty"`
}

// ClaimNextTask leases the lowest-id pending task to the worker. The lease is
// taken in a single conditional update, so two concurrent claims can never
// win the same task. Returns ErrNoTasks when the queue is empty.
func (e Engine) ClaimNextTask(ctx context.Context, workerID int64) (TaskPayload, error) {
	if _, err := e.Repo.GetWorker(ctx, workerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TaskPayload{}, fmt.Errorf("worker %d: %w", workerID, err)
		}
		return TaskPayload{}, err
	}
	t, err := e.Repo.ClaimNextTask(ctx, workerID, e.nowStr())
	if errors.Is(err, repo.ErrNotFound) {
		return TaskPayload{}, ErrNoTasks
	}
	if err != nil {
		return TaskPayload{}, fmt.Errorf("claim task: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TaskPayload{}, err
	}
	defer tx.Rollback()
	if err := e.eventWriter().Append(ctx, tx, "task.claimed", "task", fmt.Sprint(t.ID), fmt.Sprint(workerID), events.EventPayload{
		"worker_id": workerID,
	}); err != nil {
		return TaskPayload{}, err
	}
	if err := tx.Commit(); err != nil {
		return TaskPayload{}, err
	}

	// The claim already changed state, so subscribers get the fresh task
	// list whether or not the payload assembles.
	e.publishTasks(ctx)

	payload, err := e.buildTaskPayload(ctx, t)
	if err != nil {
		// The lease stands. The reaper puts the task back if the worker
		// never gets its payload.
		return TaskPayload{}, BrokenTaskError{TaskID: t.ID, Err: err}
	}
	return payload, nil
}

func (e Engine) buildTaskPayload(ctx context.Context, t domain.Task) (TaskPayload, error) {
	tt, err := e.Repo.GetTaskType(ctx, nil, t.TaskTypeID)
	if err != nil {
		return TaskPayload{}, fmt.Errorf("load task type: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\n", tt.Role)
	fmt.Fprintf(&b, "Task: %s\n", tt.Description)

	switch {
	case t.UserInputID != nil:
		in, err := e.Repo.GetUserInput(ctx, *t.UserInputID)
		if err != nil {
			return TaskPayload{}, fmt.Errorf("load user input: %w", err)
		}
		fmt.Fprintf(&b, "\nProblem statement: %s\n", in.IssueTitle)
		if in.IssueContext != "" {
			fmt.Fprintf(&b, "Context: %s\n", in.IssueContext)
		}
	case t.IssueID != nil:
		is, err := e.Repo.GetIssue(ctx, *t.IssueID)
		if err != nil {
			return TaskPayload{}, fmt.Errorf("load issue: %w", err)
		}
		fmt.Fprintf(&b, "\nIssue: %s\n", is.Name)
		if is.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", is.Description)
		}
		if is.Field != "" {
			fmt.Fprintf(&b, "Field: %s\n", is.Field)
		}
		if is.Context != "" {
			fmt.Fprintf(&b, "Context: %s\n", is.Context)
		}
	}

	if tt.Name == domain.TypeAnalysis && len(e.Config.Metrics.Catalog) > 0 {
		names := make([]string, 0, len(e.Config.Metrics.Catalog))
		for name := range e.Config.Metrics.Catalog {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\nEvaluation criteria:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %s\n", name, e.Config.Metrics.Catalog[name].Description)
		}
	}

	if neg := e.Config.Prompts.Negative; neg != "" {
		fmt.Fprintf(&b, "\nExclusions: %s\n", neg)
	}

	return TaskPayload{
		Task:         t,
		TaskType:     tt.Name,
		Instructions: b.String(),
		Temperature:  tt.Temperature,
	}, nil
}
