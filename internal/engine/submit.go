package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"facet/internal/domain"
	"facet/internal/events"
	"facet/internal/repo"
)

// SubmitResult reports a completed submission. RewardKey carries the
// plaintext of a freshly minted usage key when the submission crossed the
// reward threshold, and is empty otherwise.
type SubmitResult struct {
	Task      domain.Task `json:"task"`
	RewardKey string      `json:"reward_key,omitempty"`
}

// SubmitTaskResult applies a worker's output to the task it owns. The whole
// apply runs in one transaction: the parsed artifacts, the status flip to
// completed and the reward bookkeeping land together or not at all. A bad
// output rolls everything back, puts the task back on the queue with no
// owner, and surfaces as InvalidOutputError.
func (e Engine) SubmitTaskResult(ctx context.Context, taskID, workerID int64, raw []byte) (SubmitResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetOwnedTask(ctx, tx, taskID, workerID)
	if errors.Is(err, repo.ErrNotFound) {
		return SubmitResult{}, ErrNotOwner
	}
	if err != nil {
		return SubmitResult{}, err
	}
	// The lookup must ride the open transaction: the pool is capped at a
	// single connection, so a plain read here would wait on it forever.
	tt, err := e.Repo.GetTaskType(ctx, tx, t.TaskTypeID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("load task type: %w", err)
	}

	if err := e.applyOutput(ctx, tx, t, tt, raw); err != nil {
		tx.Rollback()
		e.releaseAfterBadOutput(ctx, t.ID)
		return SubmitResult{}, InvalidOutputError{Reason: tt.Name + " output rejected", Err: err}
	}

	now := e.nowStr()
	if err := e.Repo.SetTaskStatus(ctx, tx, t.ID, domain.StatusCompleted, now); err != nil {
		return SubmitResult{}, err
	}
	t.Status = domain.StatusCompleted
	t.UpdatedDate = now

	rewardKey, err := e.creditWorker(ctx, tx, workerID)
	if err != nil {
		return SubmitResult{}, err
	}

	if err := e.eventWriter().Append(ctx, tx, "task.completed", "task", fmt.Sprint(t.ID), fmt.Sprint(workerID), events.EventPayload{
		"task_type": tt.Name,
		"worker_id": workerID,
	}); err != nil {
		return SubmitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}

	// A finished generation task means a brand new issue exists; give the
	// pipeline a head start instead of waiting for the next tick.
	if tt.Name == domain.TypeGeneration {
		if _, err := e.GenerateNextTask(ctx); err != nil {
			return SubmitResult{Task: t, RewardKey: rewardKey}, fmt.Errorf("follow-up generation: %w", err)
		}
	}
	e.publishSnapshots(ctx)
	return SubmitResult{Task: t, RewardKey: rewardKey}, nil
}

// releaseAfterBadOutput runs in its own transaction because the submission
// transaction has already been rolled back.
func (e Engine) releaseAfterBadOutput(ctx context.Context, taskID int64) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Repo.ReleaseTask(ctx, tx, taskID, e.nowStr()); err != nil {
		return
	}
	tx.Commit()
}

func (e Engine) creditWorker(ctx context.Context, tx *sql.Tx, workerID int64) (string, error) {
	w, err := e.Repo.GetWorkerTx(ctx, tx, workerID)
	if err != nil {
		return "", err
	}
	counter := w.TaskCounter + 1
	if counter < e.Config.Rewards.Threshold {
		return "", e.Repo.SetWorkerTaskCounter(ctx, tx, workerID, counter)
	}
	if err := e.Repo.SetWorkerTaskCounter(ctx, tx, workerID, 0); err != nil {
		return "", err
	}
	key, err := e.mintKeyTx(ctx, tx, workerID)
	if err != nil {
		return "", err
	}
	if err := e.eventWriter().Append(ctx, tx, "worker.rewarded", "worker", fmt.Sprint(workerID), fmt.Sprint(workerID), events.EventPayload{
		"completed": e.Config.Rewards.Threshold,
	}); err != nil {
		return "", err
	}
	return key, nil
}

func (e Engine) applyOutput(ctx context.Context, tx *sql.Tx, t domain.Task, tt domain.TaskType, raw []byte) error {
	switch tt.Name {
	case domain.TypeGeneration:
		return e.applyGeneration(ctx, tx, t, raw)
	case domain.TypeSubdivision:
		return e.applySubdivision(ctx, tx, t, raw)
	case domain.TypeAnalysis:
		return e.applyAnalysis(ctx, tx, t, raw)
	case domain.TypeEvaluation:
		return e.applyEvaluation(ctx, tx, t, raw)
	case domain.TypeProposition:
		return e.applyProposition(ctx, tx, t, raw)
	case domain.TypeExtrapolation:
		return e.applyExtrapolation(ctx, tx, t, raw)
	default:
		return fmt.Errorf("no handler for task type %q", tt.Name)
	}
}

type issueOutput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Field       string `json:"field"`
	Context     string `json:"context"`
}

func (o issueOutput) validate() error {
	if strings.TrimSpace(o.Name) == "" {
		return errors.New("issue name is empty")
	}
	return nil
}

func (e Engine) applyGeneration(ctx context.Context, tx *sql.Tx, t domain.Task, raw []byte) error {
	if t.UserInputID == nil {
		return errors.New("generation task has no user input")
	}
	var out issueOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := out.validate(); err != nil {
		return err
	}
	is := domain.Issue{
		Granularity:     1,
		Name:            out.Name,
		Description:     out.Description,
		Field:           out.Field,
		Context:         out.Context,
		ComplexityScore: domain.UnscoredRoot,
		ScopeScore:      domain.UnscoredRoot,
		CreatedDate:     e.nowStr(),
	}
	id, err := e.Repo.InsertIssue(ctx, tx, is)
	if err != nil {
		return err
	}
	return e.eventWriter().Append(ctx, tx, "issue.created", "issue", fmt.Sprint(id), fmt.Sprint(*t.UserInputID), events.EventPayload{
		"name":        out.Name,
		"granularity": 1,
	})
}

func (e Engine) applySubdivision(ctx context.Context, tx *sql.Tx, t domain.Task, raw []byte) error {
	if t.IssueID == nil {
		return errors.New("subdivision task has no issue")
	}
	parent, err := e.Repo.GetIssueTx(ctx, tx, *t.IssueID)
	if err != nil {
		return fmt.Errorf("load parent issue: %w", err)
	}
	var outs []issueOutput
	if err := json.Unmarshal(raw, &outs); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(outs) == 0 {
		return errors.New("subdivision produced no sub-issues")
	}
	parentID := parent.ID
	for _, out := range outs {
		if err := out.validate(); err != nil {
			return err
		}
		is := domain.Issue{
			ParentID:        &parentID,
			Granularity:     parent.Granularity + 1,
			Name:            out.Name,
			Description:     out.Description,
			Field:           out.Field,
			Context:         out.Context,
			ComplexityScore: domain.UnscoredChild,
			ScopeScore:      domain.UnscoredChild,
			CreatedDate:     e.nowStr(),
		}
		id, err := e.Repo.InsertIssue(ctx, tx, is)
		if err != nil {
			return err
		}
		if err := e.eventWriter().Append(ctx, tx, "issue.created", "issue", fmt.Sprint(id), fmt.Sprint(parentID), events.EventPayload{
			"name":        out.Name,
			"granularity": parent.Granularity + 1,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) applyAnalysis(ctx context.Context, tx *sql.Tx, t domain.Task, raw []byte) error {
	if t.IssueID == nil {
		return errors.New("analysis task has no issue")
	}
	var outs []struct {
		Description string `json:"description"`
		Field       string `json:"field"`
	}
	if err := json.Unmarshal(raw, &outs); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(outs) == 0 {
		return errors.New("analysis produced no insights")
	}
	for _, out := range outs {
		if strings.TrimSpace(out.Description) == "" {
			return errors.New("insight description is empty")
		}
		if _, err := e.Repo.InsertInsight(ctx, tx, domain.Insight{
			IssueID:     *t.IssueID,
			Description: out.Description,
			Field:       out.Field,
			CreatedDate: e.nowStr(),
		}); err != nil {
			return err
		}
	}
	return e.Repo.SetIssueAnalysisDone(ctx, tx, *t.IssueID)
}

func (e Engine) applyEvaluation(ctx context.Context, tx *sql.Tx, t domain.Task, raw []byte) error {
	if t.IssueID == nil {
		return errors.New("evaluation task has no issue")
	}
	var out struct {
		Complexity *int `json:"complexity"`
		Scope      *int `json:"scope"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if out.Complexity == nil || out.Scope == nil {
		return errors.New("evaluation needs complexity and scope")
	}
	if *out.Complexity < 1 || *out.Complexity > 100 || *out.Scope < 1 || *out.Scope > 100 {
		return errors.New("scores must be between 1 and 100")
	}
	return e.Repo.SetIssueScores(ctx, tx, *t.IssueID, *out.Complexity, *out.Scope)
}

type namedOutput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Field       string `json:"field"`
}

func decodeNamedOutputs(raw []byte, what string) ([]namedOutput, error) {
	var outs []namedOutput
	if err := json.Unmarshal(raw, &outs); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if len(outs) == 0 {
		return nil, fmt.Errorf("%s produced no items", what)
	}
	for _, out := range outs {
		if strings.TrimSpace(out.Name) == "" {
			return nil, fmt.Errorf("%s item has no name", what)
		}
	}
	return outs, nil
}

func (e Engine) applyProposition(ctx context.Context, tx *sql.Tx, t domain.Task, raw []byte) error {
	if t.IssueID == nil {
		return errors.New("proposition task has no issue")
	}
	outs, err := decodeNamedOutputs(raw, "proposition")
	if err != nil {
		return err
	}
	for _, out := range outs {
		if _, err := e.Repo.InsertProposal(ctx, tx, domain.Proposal{
			IssueID:     *t.IssueID,
			Name:        out.Name,
			Description: out.Description,
			Field:       out.Field,
			CreatedDate: e.nowStr(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) applyExtrapolation(ctx context.Context, tx *sql.Tx, t domain.Task, raw []byte) error {
	if t.IssueID == nil {
		return errors.New("extrapolation task has no issue")
	}
	outs, err := decodeNamedOutputs(raw, "extrapolation")
	if err != nil {
		return err
	}
	for _, out := range outs {
		if _, err := e.Repo.InsertExtrapolation(ctx, tx, domain.Extrapolation{
			IssueID:     *t.IssueID,
			Name:        out.Name,
			Description: out.Description,
			Field:       out.Field,
			CreatedDate: e.nowStr(),
		}); err != nil {
			return err
		}
	}
	return nil
}
