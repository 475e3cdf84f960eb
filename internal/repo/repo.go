package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"facet/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier abstracts *sql.DB and *sql.Tx so reads can run inside or outside
// a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- user inputs ---

func (r Repo) InsertUserInput(ctx context.Context, tx *sql.Tx, in domain.UserInput) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO user_inputs(issue_title,issue_context,generated,created_date) VALUES (?,?,?,?)`,
		in.IssueTitle, in.IssueContext, boolInt(in.Generated), in.CreatedDate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUserInput(ctx context.Context, id int64) (domain.UserInput, error) {
	var in domain.UserInput
	var generated int
	err := r.DB.QueryRowContext(ctx, `SELECT id,issue_title,issue_context,generated,created_date FROM user_inputs WHERE id=?`, id).
		Scan(&in.ID, &in.IssueTitle, &in.IssueContext, &generated, &in.CreatedDate)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	in.Generated = generated != 0
	return in, err
}

// PendingUserInputs returns inputs with generated=false in id order. Must run
// inside the same transaction that flips the flag, so a concurrent tick
// cannot double-generate.
func (r Repo) PendingUserInputs(ctx context.Context, tx *sql.Tx) ([]domain.UserInput, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,issue_title,issue_context,generated,created_date FROM user_inputs WHERE generated=0 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UserInput
	for rows.Next() {
		var in domain.UserInput
		var generated int
		if err := rows.Scan(&in.ID, &in.IssueTitle, &in.IssueContext, &generated, &in.CreatedDate); err != nil {
			return nil, err
		}
		in.Generated = generated != 0
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) MarkUserInputGenerated(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE user_inputs SET generated=1 WHERE id=? AND generated=0`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListUserInputs(ctx context.Context) ([]domain.UserInput, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_title,issue_context,generated,created_date FROM user_inputs ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UserInput
	for rows.Next() {
		var in domain.UserInput
		var generated int
		if err := rows.Scan(&in.ID, &in.IssueTitle, &in.IssueContext, &generated, &in.CreatedDate); err != nil {
			return nil, err
		}
		in.Generated = generated != 0
		res = append(res, in)
	}
	return res, rows.Err()
}

// --- issues ---

const issueColumns = `id,parent_id,granularity,name,description,field,context,complexity_score,scope_score,analysis_done,created_date`

func scanIssue(scan func(dest ...any) error) (domain.Issue, error) {
	var is domain.Issue
	var parent sql.NullInt64
	var analysisDone int
	err := scan(&is.ID, &parent, &is.Granularity, &is.Name, &is.Description, &is.Field, &is.Context,
		&is.ComplexityScore, &is.ScopeScore, &analysisDone, &is.CreatedDate)
	if err != nil {
		return is, err
	}
	if parent.Valid {
		is.ParentID = &parent.Int64
	}
	is.AnalysisDone = analysisDone != 0
	return is, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO issues(parent_id,granularity,name,description,field,context,complexity_score,scope_score,analysis_done,created_date)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		nullableInt64Ptr(is.ParentID), is.Granularity, is.Name, is.Description, is.Field, is.Context,
		is.ComplexityScore, is.ScopeScore, boolInt(is.AnalysisDone), is.CreatedDate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetIssue(ctx context.Context, id int64) (domain.Issue, error) {
	return r.GetIssueTx(ctx, nil, id)
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Issue, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	is, err := scanIssue(row.Scan)
	if err == sql.ErrNoRows {
		return is, ErrNotFound
	}
	return is, err
}

func (r Repo) ListIssues(ctx context.Context) ([]domain.Issue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

func (r Repo) CountIssues(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT count(*) FROM issues`).Scan(&n)
	return n, err
}

// NextIssueForType returns the earliest issue that still lacks a task of the
// given type and passes the granularity gates: granularity <= maxGranularity
// always, and granularity > 1 when the type is deep-only.
func (r Repo) NextIssueForType(ctx context.Context, tx *sql.Tx, tt domain.TaskType, maxGranularity int) (domain.Issue, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues i
WHERE i.granularity <= ?
  AND (? = 0 OR i.granularity > 1)
  AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.issue_id = i.id AND t.task_type_id = ?)
ORDER BY i.id ASC LIMIT 1`, maxGranularity, boolInt(tt.DeepOnly), tt.ID)
	is, err := scanIssue(row.Scan)
	if err == sql.ErrNoRows {
		return is, ErrNotFound
	}
	return is, err
}

func (r Repo) SetIssueScores(ctx context.Context, tx *sql.Tx, id int64, complexity, scope int) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE issues SET complexity_score=?, scope_score=? WHERE id=?`, complexity, scope, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetIssueAnalysisDone(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE issues SET analysis_done=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- task types ---

const taskTypeColumns = `id,name,role,description,temperature,skip,deep_only`

func scanTaskType(scan func(dest ...any) error) (domain.TaskType, error) {
	var tt domain.TaskType
	var skip, deepOnly int
	err := scan(&tt.ID, &tt.Name, &tt.Role, &tt.Description, &tt.Temperature, &skip, &deepOnly)
	if err != nil {
		return tt, err
	}
	tt.Skip = skip != 0
	tt.DeepOnly = deepOnly != 0
	return tt, nil
}

func (r Repo) GetTaskType(ctx context.Context, tx *sql.Tx, id int64) (domain.TaskType, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+taskTypeColumns+` FROM task_types WHERE id=?`, id)
	tt, err := scanTaskType(row.Scan)
	if err == sql.ErrNoRows {
		return tt, ErrNotFound
	}
	return tt, err
}

func (r Repo) GetTaskTypeByName(ctx context.Context, tx *sql.Tx, name string) (domain.TaskType, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+taskTypeColumns+` FROM task_types WHERE name=?`, name)
	tt, err := scanTaskType(row.Scan)
	if err == sql.ErrNoRows {
		return tt, ErrNotFound
	}
	return tt, err
}

// ActiveTaskTypes returns the skip=false catalog excluding the generation
// type, ordered by id ascending (shallower pipeline stages first).
func (r Repo) ActiveTaskTypes(ctx context.Context, tx *sql.Tx, generationTypeID int64) ([]domain.TaskType, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+taskTypeColumns+` FROM task_types WHERE skip=0 AND id<>? ORDER BY id ASC`, generationTypeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskType
	for rows.Next() {
		tt, err := scanTaskType(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, tt)
	}
	return res, rows.Err()
}

// --- tasks ---

const taskColumns = `id,task_type_id,issue_id,user_input_id,worker_id,status,created_date,updated_date`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var issueID, userInputID, workerID sql.NullInt64
	err := scan(&t.ID, &t.TaskTypeID, &issueID, &userInputID, &workerID, &t.Status, &t.CreatedDate, &t.UpdatedDate)
	if err != nil {
		return t, err
	}
	if issueID.Valid {
		t.IssueID = &issueID.Int64
	}
	if userInputID.Valid {
		t.UserInputID = &userInputID.Int64
	}
	if workerID.Valid {
		t.WorkerID = &workerID.Int64
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(task_type_id,issue_id,user_input_id,worker_id,status,created_date,updated_date)
VALUES (?,?,?,?,?,?,?)`,
		t.TaskTypeID, nullableInt64Ptr(t.IssueID), nullableInt64Ptr(t.UserInputID), nullableInt64Ptr(t.WorkerID),
		t.Status, t.CreatedDate, t.UpdatedDate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// GetOwnedTask looks a task up by id AND worker AND active status. A
// reclaimed task no longer matches its former owner, which is what rejects
// late, stale submissions; the status guard rejects double submission.
func (r Repo) GetOwnedTask(ctx context.Context, tx *sql.Tx, id, workerID int64) (domain.Task, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND worker_id=? AND status='active'`, id, workerID)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ClaimNextTask atomically flips the lowest-id pending task to active and
// binds it to the worker. The guard repeats status='pending' on the outer
// UPDATE so two concurrent claimants can never both win the same row.
func (r Repo) ClaimNextTask(ctx context.Context, workerID int64, now string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `UPDATE tasks SET status='active', worker_id=?, updated_date=?
WHERE id = (SELECT id FROM tasks WHERE status='pending' ORDER BY id ASC LIMIT 1)
  AND status='pending'
RETURNING `+taskColumns, workerID, now)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) SetTaskStatus(ctx context.Context, tx *sql.Tx, id int64, status, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?, updated_date=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseTask puts a task back on the pending queue with no owner.
func (r Repo) ReleaseTask(ctx context.Context, tx *sql.Tx, id int64, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='pending', worker_id=NULL, updated_date=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReapStuckTasks releases every active task whose last transition is older
// than the cutoff. Staleness is inferred purely from updated_date; there is
// no heartbeat.
func (r Repo) ReapStuckTasks(ctx context.Context, cutoff, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status='pending', worker_id=NULL, updated_date=?
WHERE status='active' AND updated_date < ?`, now, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type TaskFilters struct {
	Status     string
	TaskTypeID int64
	IssueID    int64
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TaskTypeID != 0 {
		clauses = append(clauses, "task_type_id=?")
		args = append(args, f.TaskTypeID)
	}
	if f.IssueID != 0 {
		clauses = append(clauses, "issue_id=?")
		args = append(args, f.IssueID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- derived artifacts ---

func (r Repo) InsertInsight(ctx context.Context, tx *sql.Tx, in domain.Insight) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO insights(issue_id,description,field,created_date) VALUES (?,?,?,?)`,
		in.IssueID, in.Description, in.Field, in.CreatedDate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO proposals(issue_id,name,description,field,created_date) VALUES (?,?,?,?,?)`,
		p.IssueID, p.Name, p.Description, p.Field, p.CreatedDate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertExtrapolation(ctx context.Context, tx *sql.Tx, ex domain.Extrapolation) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO extrapolations(issue_id,name,description,field,created_date) VALUES (?,?,?,?,?)`,
		ex.IssueID, ex.Name, ex.Description, ex.Field, ex.CreatedDate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListInsights(ctx context.Context, issueID int64) ([]domain.Insight, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_id,description,field,created_date FROM insights WHERE issue_id=? ORDER BY id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Insight
	for rows.Next() {
		var in domain.Insight
		if err := rows.Scan(&in.ID, &in.IssueID, &in.Description, &in.Field, &in.CreatedDate); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) ListProposals(ctx context.Context, issueID int64) ([]domain.Proposal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_id,name,description,field,created_date FROM proposals WHERE issue_id=? ORDER BY id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		if err := rows.Scan(&p.ID, &p.IssueID, &p.Name, &p.Description, &p.Field, &p.CreatedDate); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListExtrapolations(ctx context.Context, issueID int64) ([]domain.Extrapolation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_id,name,description,field,created_date FROM extrapolations WHERE issue_id=? ORDER BY id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Extrapolation
	for rows.Next() {
		var ex domain.Extrapolation
		if err := rows.Scan(&ex.ID, &ex.IssueID, &ex.Name, &ex.Description, &ex.Field, &ex.CreatedDate); err != nil {
			return nil, err
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

// --- events ---

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// --- helpers ---

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
