package engine

import (
	"context"
	"errors"
	"fmt"

	"facet/internal/domain"
	"facet/internal/events"
	"facet/internal/repo"
)

// GenerateNextTask advances the task pipeline by one step.
//
// Pending user inputs take priority: a generation task is created for every
// ungenerated input in a single transaction, so a crash can never leave an
// input half processed. Otherwise the active task types are walked in catalog
// order and the first type with an eligible issue gets exactly one new task.
// Issues already at the maximum granularity never receive a subdivision task.
//
// Returns nil when the pipeline is saturated. Repeated calls with no state
// change create nothing, so the scheduler can tick as often as it likes.
func (e Engine) GenerateNextTask(ctx context.Context) (*domain.Task, error) {
	genType, err := e.Repo.GetTaskTypeByName(ctx, nil, domain.TypeGeneration)
	if err != nil {
		return nil, fmt.Errorf("load generation type: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	inputs, err := e.Repo.PendingUserInputs(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("list pending inputs: %w", err)
	}
	if len(inputs) > 0 {
		var first *domain.Task
		now := e.nowStr()
		for _, in := range inputs {
			inputID := in.ID
			t := domain.Task{
				TaskTypeID:  genType.ID,
				UserInputID: &inputID,
				Status:      domain.StatusPending,
				CreatedDate: now,
				UpdatedDate: now,
			}
			id, err := e.Repo.InsertTask(ctx, tx, t)
			if err != nil {
				return nil, fmt.Errorf("insert generation task: %w", err)
			}
			t.ID = id
			if err := e.Repo.MarkUserInputGenerated(ctx, tx, inputID); err != nil {
				return nil, err
			}
			if err := e.eventWriter().Append(ctx, tx, "task.created", "task", fmt.Sprint(id), "scheduler", events.EventPayload{
				"task_type": genType.Name,
				"input_id":  inputID,
			}); err != nil {
				return nil, err
			}
			if first == nil {
				first = &t
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return first, nil
	}

	count, err := e.Repo.CountIssues(ctx, tx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	types, err := e.Repo.ActiveTaskTypes(ctx, tx, genType.ID)
	if err != nil {
		return nil, fmt.Errorf("load task types: %w", err)
	}
	maxGranularity := e.Config.Granularity.Max
	for _, tt := range types {
		issue, err := e.Repo.NextIssueForType(ctx, tx, tt, maxGranularity)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("next issue for %s: %w", tt.Name, err)
		}
		if tt.Name == domain.TypeSubdivision && issue.Granularity >= maxGranularity {
			// Leaf issues are never subdivided further.
			continue
		}
		issueID := issue.ID
		now := e.nowStr()
		t := domain.Task{
			TaskTypeID:  tt.ID,
			IssueID:     &issueID,
			Status:      domain.StatusPending,
			CreatedDate: now,
			UpdatedDate: now,
		}
		id, err := e.Repo.InsertTask(ctx, tx, t)
		if err != nil {
			return nil, fmt.Errorf("insert %s task: %w", tt.Name, err)
		}
		t.ID = id
		if err := e.eventWriter().Append(ctx, tx, "task.created", "task", fmt.Sprint(id), "scheduler", events.EventPayload{
			"task_type": tt.Name,
			"issue_id":  issueID,
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &t, nil
	}
	return nil, nil
}
