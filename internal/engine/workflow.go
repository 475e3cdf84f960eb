package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"facet/internal/domain"
	"facet/internal/events"
	"facet/internal/repo"
)

// CreateDataset registers a dataset with its typed field schema and creates
// the backing row table. Field names are validated against the identifier
// pattern before they are ever interpolated into DDL.
func (e Engine) CreateDataset(ctx context.Context, workerID int64, name, description string, fields []domain.DatasetField) (domain.Dataset, error) {
	if name == "" {
		return domain.Dataset{}, errors.New("dataset name is required")
	}
	if len(fields) == 0 {
		return domain.Dataset{}, errors.New("dataset needs at least one field")
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if !repo.ValidFieldName(f.Name) {
			return domain.Dataset{}, fmt.Errorf("invalid field name %q", f.Name)
		}
		if seen[f.Name] {
			return domain.Dataset{}, fmt.Errorf("duplicate field name %q", f.Name)
		}
		seen[f.Name] = true
		switch f.DataType {
		case domain.FieldText, domain.FieldInteger, domain.FieldReal:
		default:
			return domain.Dataset{}, fmt.Errorf("invalid data type %q for field %q", f.DataType, f.Name)
		}
	}

	ds := domain.Dataset{WorkerID: workerID, Name: name, Description: description, CreatedDate: e.nowStr()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ds, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertDataset(ctx, tx, ds)
	if err != nil {
		return ds, fmt.Errorf("insert dataset: %w", err)
	}
	ds.ID = id
	for i := range fields {
		fields[i].DatasetID = id
		if _, err := e.Repo.InsertDatasetField(ctx, tx, fields[i]); err != nil {
			return ds, fmt.Errorf("insert field %q: %w", fields[i].Name, err)
		}
	}
	if err := e.Repo.CreateDatasetTable(ctx, tx, id, fields); err != nil {
		return ds, fmt.Errorf("create dataset table: %w", err)
	}
	if err := e.eventWriter().Append(ctx, tx, "dataset.created", "dataset", fmt.Sprint(id), fmt.Sprint(workerID), events.EventPayload{
		"name":   name,
		"fields": len(fields),
	}); err != nil {
		return ds, err
	}
	if err := tx.Commit(); err != nil {
		return ds, err
	}
	return ds, nil
}

// CreateWorkflow opens a new private workflow for the worker. Tasks are
// attached afterwards with AddWorkflowTask.
func (e Engine) CreateWorkflow(ctx context.Context, workerID int64, name string) (domain.Workflow, error) {
	if name == "" {
		return domain.Workflow{}, errors.New("workflow name is required")
	}
	w := domain.Workflow{WorkerID: workerID, Name: name, CreatedDate: e.nowStr()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertWorkflow(ctx, tx, w)
	if err != nil {
		return w, fmt.Errorf("insert workflow: %w", err)
	}
	w.ID = id
	if err := e.eventWriter().Append(ctx, tx, "workflow.created", "workflow", fmt.Sprint(id), fmt.Sprint(workerID), nil); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// AddWorkflowTask appends a step to a workflow the worker owns.
func (e Engine) AddWorkflowTask(ctx context.Context, workerID int64, wt domain.WorkflowTask) (domain.WorkflowTask, error) {
	wf, err := e.Repo.GetWorkflow(ctx, nil, wt.WorkflowID)
	if err != nil {
		return wt, err
	}
	if wf.WorkerID != workerID {
		return wt, ErrNotOwner
	}
	if wt.Name == "" {
		return wt, errors.New("workflow task name is required")
	}
	if wt.OutputAmount < 1 || wt.OutputAmount > 4 {
		return wt, errors.New("output amount must be between 1 and 4")
	}
	switch wt.TaskType {
	case "create", "update", "delete":
	default:
		return wt, fmt.Errorf("invalid task type %q", wt.TaskType)
	}
	switch wt.InputType {
	case domain.InputRaw, domain.InputDataset, domain.InputPreviousOutput:
	default:
		return wt, fmt.Errorf("invalid input type %q", wt.InputType)
	}
	if wt.InputType == domain.InputDataset && wt.InputDatasetID == nil {
		return wt, errors.New("dataset input needs an input dataset")
	}
	if wt.OutputDatasetID != nil {
		ds, err := e.Repo.GetDataset(ctx, nil, *wt.OutputDatasetID)
		if err != nil {
			return wt, fmt.Errorf("output dataset: %w", err)
		}
		if ds.WorkerID != workerID {
			return wt, ErrNotOwner
		}
	}

	now := e.nowStr()
	wt.Status = domain.StatusPending
	wt.CreatedDate = now
	wt.UpdatedDate = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wt, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertWorkflowTask(ctx, tx, wt)
	if err != nil {
		return wt, fmt.Errorf("insert workflow task: %w", err)
	}
	wt.ID = id
	if err := e.eventWriter().Append(ctx, tx, "workflow_task.created", "workflow_task", fmt.Sprint(id), fmt.Sprint(workerID), events.EventPayload{
		"workflow_id": wt.WorkflowID,
		"name":        wt.Name,
	}); err != nil {
		return wt, err
	}
	if err := tx.Commit(); err != nil {
		return wt, err
	}
	return wt, nil
}

// WorkflowTaskPayload is the claim response for a workflow step.
type WorkflowTaskPayload struct {
	WorkflowTask domain.WorkflowTask `json:"workflow_task"`
	Instructions string              `json:"instructions"`
	OutputAmount int                 `json:"output_amount"`
}

// ClaimNextWorkflowTask leases the worker's oldest pending workflow step.
// Workflow tasks stay private: the claim only ever considers workflows the
// worker owns. Returns ErrNoTasks when nothing is pending.
func (e Engine) ClaimNextWorkflowTask(ctx context.Context, workerID int64) (WorkflowTaskPayload, error) {
	wt, err := e.Repo.ClaimNextWorkflowTask(ctx, workerID, e.nowStr())
	if errors.Is(err, repo.ErrNotFound) {
		return WorkflowTaskPayload{}, ErrNoTasks
	}
	if err != nil {
		return WorkflowTaskPayload{}, fmt.Errorf("claim workflow task: %w", err)
	}
	instructions, err := e.buildWorkflowInstructions(ctx, wt)
	if err != nil {
		// The lease stands; the workflow reaper resets the step.
		return WorkflowTaskPayload{}, BrokenTaskError{TaskID: wt.ID, Err: err}
	}
	return WorkflowTaskPayload{
		WorkflowTask: wt,
		Instructions: instructions,
		OutputAmount: wt.OutputAmount,
	}, nil
}

func (e Engine) buildWorkflowInstructions(ctx context.Context, wt domain.WorkflowTask) (string, error) {
	var b strings.Builder
	if wt.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", wt.Role)
	}
	fmt.Fprintf(&b, "Task: %s\n", wt.Name)
	if wt.Description != "" {
		fmt.Fprintf(&b, "%s\n", wt.Description)
	}

	switch wt.InputType {
	case domain.InputRaw:
		if wt.RawData != "" {
			fmt.Fprintf(&b, "\nInput:\n%s\n", wt.RawData)
		}
	case domain.InputDataset:
		if wt.InputDatasetID != nil {
			if err := e.writeDatasetInput(ctx, &b, *wt.InputDatasetID); err != nil {
				return "", err
			}
		}
	case domain.InputPreviousOutput:
		if err := e.writePreviousOutput(ctx, &b, wt); err != nil {
			return "", err
		}
	}

	if wt.OutputDatasetID != nil {
		fields, err := e.datasetFields(ctx, *wt.OutputDatasetID)
		if err != nil {
			return "", err
		}
		b.WriteString("\nOutput schema:\n")
		for _, f := range fields {
			fmt.Fprintf(&b, "- %s (%s)", f.Name, f.DataType)
			if f.Description != "" {
				fmt.Fprintf(&b, ": %s", f.Description)
			}
			b.WriteString("\n")
		}
	}

	if wt.OutputAmount == 1 {
		b.WriteString("\nProduce exactly one record as a single JSON object.\n")
	} else {
		fmt.Fprintf(&b, "\nProduce exactly %d records as a JSON array of objects.\n", wt.OutputAmount)
	}
	return b.String(), nil
}

func (e Engine) datasetFields(ctx context.Context, datasetID int64) ([]domain.DatasetField, error) {
	return e.Repo.ListDatasetFields(ctx, nil, datasetID)
}

func (e Engine) writeDatasetInput(ctx context.Context, b *strings.Builder, datasetID int64) error {
	fields, err := e.datasetFields(ctx, datasetID)
	if err != nil {
		return err
	}
	rows, err := e.Repo.ListDatasetRows(ctx, datasetID, fields)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	fmt.Fprintf(b, "\nInput records:\n%s\n", data)
	return nil
}

// writePreviousOutput feeds the records produced by the preceding step of the
// same workflow into the instruction blob.
func (e Engine) writePreviousOutput(ctx context.Context, b *strings.Builder, wt domain.WorkflowTask) error {
	steps, err := e.Repo.ListWorkflowTasks(ctx, wt.WorkflowID)
	if err != nil {
		return err
	}
	var prev *domain.WorkflowTask
	for i := range steps {
		if steps[i].Position < wt.Position && (prev == nil || steps[i].Position > prev.Position) {
			prev = &steps[i]
		}
	}
	if prev == nil || prev.OutputDatasetID == nil || len(prev.OutputRecordIDs) == 0 {
		b.WriteString("\nInput records: none\n")
		return nil
	}
	fields, err := e.datasetFields(ctx, *prev.OutputDatasetID)
	if err != nil {
		return err
	}
	rows, err := e.Repo.ListDatasetRows(ctx, *prev.OutputDatasetID, fields)
	if err != nil {
		return err
	}
	wanted := make(map[int64]bool, len(prev.OutputRecordIDs))
	for _, id := range prev.OutputRecordIDs {
		wanted[id] = true
	}
	var selected []map[string]any
	for _, row := range rows {
		if id, ok := row["id"].(int64); ok && wanted[id] {
			selected = append(selected, row)
		}
	}
	data, err := json.Marshal(selected)
	if err != nil {
		return err
	}
	fmt.Fprintf(b, "\nInput records:\n%s\n", data)
	return nil
}

// SubmitWorkflowTaskResult applies a worker's output to an active workflow
// step it owns. The output must carry exactly the step's output amount:
// a single object for amount 1, an array of exactly N objects otherwise.
// Values are coerced to the output dataset's field types; any failure resets
// the step to pending with nothing stored.
func (e Engine) SubmitWorkflowTaskResult(ctx context.Context, taskID, workerID int64, raw []byte) (domain.WorkflowTask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowTask{}, err
	}
	defer tx.Rollback()

	wt, err := e.Repo.GetWorkflowTask(ctx, tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.WorkflowTask{}, ErrNotOwner
	}
	if err != nil {
		return domain.WorkflowTask{}, err
	}
	// Same transaction as the task load: the single-connection pool would
	// deadlock on a read that waits for its own submission tx.
	wf, err := e.Repo.GetWorkflow(ctx, tx, wt.WorkflowID)
	if err != nil {
		return wt, err
	}
	if wf.WorkerID != workerID || wt.Status != domain.StatusActive {
		return wt, ErrNotOwner
	}

	recordIDs, err := e.applyWorkflowOutput(ctx, tx, wt, raw)
	if err != nil {
		tx.Rollback()
		e.resetWorkflowTask(ctx, wt.ID)
		return wt, InvalidOutputError{Reason: "workflow output rejected", Err: err}
	}

	now := e.nowStr()
	if err := e.Repo.CompleteWorkflowTask(ctx, tx, wt.ID, recordIDs, now); err != nil {
		return wt, err
	}
	wt.Status = domain.StatusCompleted
	wt.OutputRecordIDs = recordIDs
	wt.UpdatedDate = now
	if err := e.eventWriter().Append(ctx, tx, "workflow_task.completed", "workflow_task", fmt.Sprint(wt.ID), fmt.Sprint(workerID), events.EventPayload{
		"workflow_id": wt.WorkflowID,
		"records":     len(recordIDs),
	}); err != nil {
		return wt, err
	}
	if err := tx.Commit(); err != nil {
		return wt, err
	}
	return wt, nil
}

func (e Engine) resetWorkflowTask(ctx context.Context, id int64) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Repo.SetWorkflowTaskStatus(ctx, tx, id, domain.StatusPending, e.nowStr()); err != nil {
		return
	}
	tx.Commit()
}

func (e Engine) applyWorkflowOutput(ctx context.Context, tx *sql.Tx, wt domain.WorkflowTask, raw []byte) ([]int64, error) {
	records, err := decodeWorkflowRecords(raw, wt.OutputAmount)
	if err != nil {
		return nil, err
	}
	if wt.OutputDatasetID == nil {
		// No destination dataset: a valid output completes the step with
		// nothing to store.
		return nil, nil
	}
	fields, err := e.Repo.ListDatasetFields(ctx, tx, *wt.OutputDatasetID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(records))
	for i, rec := range records {
		values, err := coerceRecord(rec, fields)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		id, err := e.Repo.InsertDatasetRow(ctx, tx, *wt.OutputDatasetID, fields, values)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func decodeWorkflowRecords(raw []byte, amount int) ([]map[string]json.RawMessage, error) {
	if amount == 1 {
		var rec map[string]json.RawMessage
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("expected a single JSON object: %w", err)
		}
		return []map[string]json.RawMessage{rec}, nil
	}
	var recs []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("expected a JSON array of objects: %w", err)
	}
	if len(recs) != amount {
		return nil, fmt.Errorf("expected exactly %d records, got %d", amount, len(recs))
	}
	return recs, nil
}

func coerceRecord(rec map[string]json.RawMessage, fields []domain.DatasetField) (map[string]any, error) {
	values := make(map[string]any, len(fields))
	for _, f := range fields {
		rawVal, ok := rec[f.Name]
		if !ok || string(rawVal) == "null" {
			continue
		}
		v, err := coerceValue(rawVal, f.DataType)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		values[f.Name] = v
	}
	if len(values) == 0 {
		return nil, errors.New("no recognized fields in record")
	}
	return values, nil
}

func coerceValue(raw json.RawMessage, dataType string) (any, error) {
	switch dataType {
	case domain.FieldText:
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		// Non-string scalars are stored in their literal form.
		return string(raw), nil
	case domain.FieldInteger:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, errors.New("not a number")
		}
		if f != math.Trunc(f) {
			return nil, errors.New("not an integer")
		}
		return int64(f), nil
	case domain.FieldReal:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, errors.New("not a number")
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown data type %q", dataType)
	}
}
