package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"facet/internal/domain"
)

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, w domain.Workflow) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO workflows(worker_id,name,created_date) VALUES (?,?,?)`,
		w.WorkerID, w.Name, w.CreatedDate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetWorkflow(ctx context.Context, tx *sql.Tx, id int64) (domain.Workflow, error) {
	var w domain.Workflow
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,worker_id,name,created_date FROM workflows WHERE id=?`, id).
		Scan(&w.ID, &w.WorkerID, &w.Name, &w.CreatedDate)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorkflows(ctx context.Context, workerID int64) ([]domain.Workflow, error) {
	query := `SELECT id,worker_id,name,created_date FROM workflows`
	var args []any
	if workerID != 0 {
		query += ` WHERE worker_id=?`
		args = append(args, workerID)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var w domain.Workflow
		if err := rows.Scan(&w.ID, &w.WorkerID, &w.Name, &w.CreatedDate); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// --- workflow tasks ---

const workflowTaskColumns = `id,workflow_id,position,name,description,role,status,task_type,input_type,raw_data,input_dataset_id,output_dataset_id,output_amount,output_record_ids,created_date,updated_date`

func scanWorkflowTask(scan func(dest ...any) error) (domain.WorkflowTask, error) {
	var wt domain.WorkflowTask
	var inputDS, outputDS sql.NullInt64
	var recordIDs string
	err := scan(&wt.ID, &wt.WorkflowID, &wt.Position, &wt.Name, &wt.Description, &wt.Role, &wt.Status,
		&wt.TaskType, &wt.InputType, &wt.RawData, &inputDS, &outputDS, &wt.OutputAmount, &recordIDs,
		&wt.CreatedDate, &wt.UpdatedDate)
	if err != nil {
		return wt, err
	}
	if inputDS.Valid {
		wt.InputDatasetID = &inputDS.Int64
	}
	if outputDS.Valid {
		wt.OutputDatasetID = &outputDS.Int64
	}
	if recordIDs != "" {
		_ = json.Unmarshal([]byte(recordIDs), &wt.OutputRecordIDs)
	}
	return wt, nil
}

func (r Repo) InsertWorkflowTask(ctx context.Context, tx *sql.Tx, wt domain.WorkflowTask) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO workflow_tasks(workflow_id,position,name,description,role,status,task_type,input_type,raw_data,input_dataset_id,output_dataset_id,output_amount,output_record_ids,created_date,updated_date)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		wt.WorkflowID, wt.Position, wt.Name, wt.Description, wt.Role, wt.Status, wt.TaskType, wt.InputType,
		wt.RawData, nullableInt64Ptr(wt.InputDatasetID), nullableInt64Ptr(wt.OutputDatasetID), wt.OutputAmount,
		marshalRecordIDs(wt.OutputRecordIDs), wt.CreatedDate, wt.UpdatedDate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetWorkflowTask(ctx context.Context, tx *sql.Tx, id int64) (domain.WorkflowTask, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+workflowTaskColumns+` FROM workflow_tasks WHERE id=?`, id)
	wt, err := scanWorkflowTask(row.Scan)
	if err == sql.ErrNoRows {
		return wt, ErrNotFound
	}
	return wt, err
}

func (r Repo) ListWorkflowTasks(ctx context.Context, workflowID int64) ([]domain.WorkflowTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workflowTaskColumns+` FROM workflow_tasks WHERE workflow_id=? ORDER BY position ASC, id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowTask
	for rows.Next() {
		wt, err := scanWorkflowTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, wt)
	}
	return res, rows.Err()
}

// ClaimNextWorkflowTask atomically claims the earliest pending workflow task
// whose parent workflow belongs to the worker. No worker column is touched:
// ownership is already implied by the workflow.
func (r Repo) ClaimNextWorkflowTask(ctx context.Context, workerID int64, now string) (domain.WorkflowTask, error) {
	row := r.DB.QueryRowContext(ctx, `UPDATE workflow_tasks SET status='active', updated_date=?
WHERE id = (SELECT wt.id FROM workflow_tasks wt
            JOIN workflows w ON w.id = wt.workflow_id
            WHERE wt.status='pending' AND w.worker_id=?
            ORDER BY wt.id ASC LIMIT 1)
  AND status='pending'
RETURNING `+workflowTaskColumns, now, workerID)
	wt, err := scanWorkflowTask(row.Scan)
	if err == sql.ErrNoRows {
		return wt, ErrNotFound
	}
	return wt, err
}

func (r Repo) SetWorkflowTaskStatus(ctx context.Context, tx *sql.Tx, id int64, status, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflow_tasks SET status=?, updated_date=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteWorkflowTask records the inserted row ids and marks the task done.
func (r Repo) CompleteWorkflowTask(ctx context.Context, tx *sql.Tx, id int64, recordIDs []int64, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workflow_tasks SET status='completed', output_record_ids=?, updated_date=? WHERE id=?`,
		marshalRecordIDs(recordIDs), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReapStuckWorkflowTasks resets stale active workflow tasks to pending.
// Ownership is not cleared: a workflow task is permanently scoped to the
// workflow that defined it.
func (r Repo) ReapStuckWorkflowTasks(ctx context.Context, cutoff, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_tasks SET status='pending', updated_date=?
WHERE status='active' AND updated_date < ?`, now, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func marshalRecordIDs(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// --- datasets ---

// Dataset field names become column names in the backing table, so they are
// restricted to a safe identifier shape instead of being interpolated raw.
var validFieldName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func ValidFieldName(name string) bool {
	return name != "id" && validFieldName.MatchString(name)
}

func datasetTableName(datasetID int64) string {
	return fmt.Sprintf("dataset_rows_%d", datasetID)
}

func (r Repo) InsertDataset(ctx context.Context, tx *sql.Tx, ds domain.Dataset) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO datasets(worker_id,name,description,created_date) VALUES (?,?,?,?)`,
		ds.WorkerID, ds.Name, ds.Description, ds.CreatedDate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetDataset(ctx context.Context, tx *sql.Tx, id int64) (domain.Dataset, error) {
	var ds domain.Dataset
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,worker_id,name,description,created_date FROM datasets WHERE id=?`, id).
		Scan(&ds.ID, &ds.WorkerID, &ds.Name, &ds.Description, &ds.CreatedDate)
	if err == sql.ErrNoRows {
		return ds, ErrNotFound
	}
	return ds, err
}

func (r Repo) InsertDatasetField(ctx context.Context, tx *sql.Tx, f domain.DatasetField) (int64, error) {
	if !ValidFieldName(f.Name) {
		return 0, fmt.Errorf("invalid dataset field name %q", f.Name)
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO dataset_fields(dataset_id,name,description,data_type) VALUES (?,?,?,?)`,
		f.DatasetID, f.Name, f.Description, f.DataType)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListDatasetFields(ctx context.Context, tx *sql.Tx, datasetID int64) ([]domain.DatasetField, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,dataset_id,name,description,data_type FROM dataset_fields WHERE dataset_id=? ORDER BY id ASC`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DatasetField
	for rows.Next() {
		var f domain.DatasetField
		if err := rows.Scan(&f.ID, &f.DatasetID, &f.Name, &f.Description, &f.DataType); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// CreateDatasetTable creates the backing table for a dataset from its field
// catalog. Field names have already been validated on insert.
func (r Repo) CreateDatasetTable(ctx context.Context, tx *sql.Tx, datasetID int64, fields []domain.DatasetField) error {
	cols := []string{"id INTEGER PRIMARY KEY AUTOINCREMENT"}
	for _, f := range fields {
		if !ValidFieldName(f.Name) {
			return fmt.Errorf("invalid dataset field name %q", f.Name)
		}
		cols = append(cols, fmt.Sprintf("%q %s", f.Name, sqlType(f.DataType)))
	}
	_, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (%s)`, datasetTableName(datasetID), strings.Join(cols, ", ")))
	return err
}

// InsertDatasetRow inserts one typed row into a dataset's backing table and
// returns the generated row id. Values must already be coerced to the field
// catalog's declared types.
func (r Repo) InsertDatasetRow(ctx context.Context, tx *sql.Tx, datasetID int64, fields []domain.DatasetField, values map[string]any) (int64, error) {
	var cols []string
	var marks []string
	var args []any
	for _, f := range fields {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, fmt.Sprintf("%q", f.Name))
		marks = append(marks, "?")
		args = append(args, v)
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("no recognized fields in row")
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, datasetTableName(datasetID), strings.Join(cols, ","), strings.Join(marks, ","))
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListDatasetRows returns rows from the backing table as generic maps.
func (r Repo) ListDatasetRows(ctx context.Context, datasetID int64, fields []domain.DatasetField) ([]map[string]any, error) {
	var cols []string
	for _, f := range fields {
		cols = append(cols, fmt.Sprintf("%q", f.Name))
	}
	query := fmt.Sprintf(`SELECT id, %s FROM %s ORDER BY id ASC`, strings.Join(cols, ","), datasetTableName(datasetID))
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []map[string]any
	for rows.Next() {
		dest := make([]any, len(fields)+1)
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := map[string]any{"id": *(dest[0].(*any))}
		for i, f := range fields {
			row[f.Name] = *(dest[i+1].(*any))
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

func sqlType(dataType string) string {
	switch dataType {
	case "integer":
		return "INTEGER"
	case "real":
		return "REAL"
	default:
		return "TEXT"
	}
}
