package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"facet/internal/config"
	"facet/internal/domain"
	"facet/internal/engine/auth"
	"facet/internal/events"
	"facet/internal/repo"
)

// ErrNoTasks is the first-class "no more work" signal returned by the claim
// operations. It is not an error condition for the caller.
var ErrNoTasks = errors.New("no more tasks")

// ErrNotOwner is returned when a submission references a task the worker
// does not currently own (wrong id, or the task was reclaimed).
var ErrNotOwner = errors.New("task not owned by worker")

// InvalidOutputError wraps a worker output that failed to parse or apply.
// The task has already been put back on the queue when this is returned.
type InvalidOutputError struct {
	Reason string
	Err    error
}

func (e InvalidOutputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid output: %s: %v", e.Reason, e.Err)
	}
	return "invalid output: " + e.Reason
}

func (e InvalidOutputError) Unwrap() error { return e.Err }

// BrokenTaskError reports a claimed task whose instruction payload could not
// be assembled. The lease stays in place; the reaper recycles the task.
type BrokenTaskError struct {
	TaskID int64
	Err    error
}

func (e BrokenTaskError) Error() string {
	return fmt.Sprintf("build payload for task %d: %v", e.TaskID, e.Err)
}

func (e BrokenTaskError) Unwrap() error { return e.Err }

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Sink   events.Sink
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db, Now: time.Now},
		Auth:   auth.Service{Repo: r, AllowedScriptHashes: cfg.Scripts.Allowed},
		Config: cfg,
		Sink:   events.NopSink{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// eventWriter stamps appended events with the engine clock.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) publish(topic string, payload any) {
	if e.Sink != nil {
		e.Sink.Publish(topic, payload)
	}
}

// SubmitInput records a new user-submitted issue statement. The generation
// task for it is created by the next generator tick.
func (e Engine) SubmitInput(ctx context.Context, title, context_ string) (domain.UserInput, error) {
	if title == "" {
		return domain.UserInput{}, errors.New("issue title is required")
	}
	in := domain.UserInput{
		IssueTitle:   title,
		IssueContext: context_,
		CreatedDate:  e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return in, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertUserInput(ctx, tx, in)
	if err != nil {
		return in, fmt.Errorf("insert user input: %w", err)
	}
	in.ID = id
	if err := e.eventWriter().Append(ctx, tx, "input.submitted", "user_input", fmt.Sprint(id), "user", events.EventPayload{"title": title}); err != nil {
		return in, err
	}
	if err := tx.Commit(); err != nil {
		return in, err
	}
	return in, nil
}

// RegisterWorker creates a worker and mints its initial usage key. The
// worker's client script must hash to an allow-listed value.
func (e Engine) RegisterWorker(ctx context.Context, name, script string) (domain.Worker, string, error) {
	if name == "" {
		return domain.Worker{}, "", errors.New("worker name is required")
	}
	if err := e.Auth.VerifyScript(script); err != nil {
		return domain.Worker{}, "", err
	}
	w := domain.Worker{Name: name, CreatedDate: e.nowStr()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, "", err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertWorker(ctx, tx, w)
	if err != nil {
		return w, "", fmt.Errorf("insert worker: %w", err)
	}
	w.ID = id
	key, err := e.mintKeyTx(ctx, tx, id)
	if err != nil {
		return w, "", err
	}
	if err := e.eventWriter().Append(ctx, tx, "worker.registered", "worker", fmt.Sprint(id), name, nil); err != nil {
		return w, "", err
	}
	if err := tx.Commit(); err != nil {
		return w, "", err
	}
	return w, key, nil
}

// MintWorkerKey creates a fresh single-use key for an existing worker and
// returns the plaintext, which is never stored.
func (e Engine) MintWorkerKey(ctx context.Context, workerID int64) (string, error) {
	if _, err := e.Repo.GetWorker(ctx, workerID); err != nil {
		return "", err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	key, err := e.mintKeyTx(ctx, tx, workerID)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return key, nil
}

func (e Engine) mintKeyTx(ctx context.Context, tx *sql.Tx, workerID int64) (string, error) {
	plaintext := "fct_" + uuid.NewString()
	wk := domain.WorkerKey{
		ID:          uuid.NewString(),
		WorkerID:    workerID,
		KeyHash:     repo.HashWorkerKey(plaintext),
		CreatedDate: e.nowStr(),
	}
	if err := e.Repo.InsertWorkerKey(ctx, tx, wk); err != nil {
		return "", fmt.Errorf("insert worker key: %w", err)
	}
	return plaintext, nil
}

// Tick runs one scheduler cycle: generate the next missing task, reclaim
// stuck work on both queues, then push fresh snapshots to the sink.
// Store errors abandon the cycle; the next tick retries from scratch.
func (e Engine) Tick(ctx context.Context) error {
	if _, err := e.GenerateNextTask(ctx); err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if _, err := e.ReapStuckTasks(ctx); err != nil {
		return fmt.Errorf("reap tasks: %w", err)
	}
	if _, err := e.ReapStuckWorkflowTasks(ctx); err != nil {
		return fmt.Errorf("reap workflow tasks: %w", err)
	}
	e.publishSnapshots(ctx)
	return nil
}

func (e Engine) publishSnapshots(ctx context.Context) {
	e.publishTasks(ctx)
	if issues, err := e.Repo.ListIssues(ctx); err == nil {
		e.publish("issues", issues)
	}
}

func (e Engine) publishTasks(ctx context.Context) {
	if tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{}); err == nil {
		e.publish("tasks", tasks)
	}
}

// IssueNode is one node of the decomposition tree.
type IssueNode struct {
	domain.Issue
	Children []*IssueNode `json:"children,omitempty"`
}

// IssueTree assembles the flat issue list into root-anchored trees.
func (e Engine) IssueTree(ctx context.Context) ([]*IssueNode, error) {
	issues, err := e.Repo.ListIssues(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*IssueNode, len(issues))
	for _, is := range issues {
		byID[is.ID] = &IssueNode{Issue: is}
	}
	var roots []*IssueNode
	for _, is := range issues {
		node := byID[is.ID]
		if is.ParentID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := byID[*is.ParentID]
		if !ok {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	return roots, nil
}
