package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"facet/internal/domain"
)

// HashWorkerKey returns a stable SHA-256 hex digest for the provided key.
func HashWorkerKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertWorker(ctx context.Context, tx *sql.Tx, w domain.Worker) (int64, error) {
	if w.Name == "" {
		return 0, errors.New("name required")
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO workers(name,task_counter,created_date) VALUES (?,?,?)`,
		w.Name, w.TaskCounter, w.CreatedDate)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetWorker(ctx context.Context, id int64) (domain.Worker, error) {
	return r.GetWorkerTx(ctx, nil, id)
}

func (r Repo) GetWorkerTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Worker, error) {
	var w domain.Worker
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,task_counter,created_date FROM workers WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &w.TaskCounter, &w.CreatedDate)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,task_counter,created_date FROM workers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.Name, &w.TaskCounter, &w.CreatedDate); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) SetWorkerTaskCounter(ctx context.Context, tx *sql.Tx, id int64, counter int) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE workers SET task_counter=? WHERE id=?`, counter, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertWorkerKey stores a hashed usage key. KeyHash must already contain the
// hashed value.
func (r Repo) InsertWorkerKey(ctx context.Context, tx *sql.Tx, key domain.WorkerKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.WorkerID == 0 {
		return errors.New("worker_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO worker_keys(id,worker_id,key_hash,used,created_date) VALUES (?,?,?,?,?)`,
		key.ID, key.WorkerID, key.KeyHash, boolInt(key.Used), key.CreatedDate)
	return err
}

// GetWorkerKeyByHash returns a usage key by its hashed value.
func (r Repo) GetWorkerKeyByHash(ctx context.Context, hash string) (domain.WorkerKey, error) {
	var key domain.WorkerKey
	var used int
	err := r.DB.QueryRowContext(ctx, `SELECT id,worker_id,key_hash,used,created_date FROM worker_keys WHERE key_hash=? LIMIT 1`, hash).
		Scan(&key.ID, &key.WorkerID, &key.KeyHash, &used, &key.CreatedDate)
	if err == sql.ErrNoRows {
		return domain.WorkerKey{}, ErrNotFound
	}
	if err != nil {
		return domain.WorkerKey{}, err
	}
	key.Used = used != 0
	return key, nil
}

// MarkWorkerKeyUsed flags a key as used. The flag is informational; it does
// not consume the key.
func (r Repo) MarkWorkerKeyUsed(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE worker_keys SET used=1 WHERE id=?`, id)
	return err
}

// ListWorkerKeys returns usage keys, optionally filtered by worker.
func (r Repo) ListWorkerKeys(ctx context.Context, workerID int64) ([]domain.WorkerKey, error) {
	query := `SELECT id,worker_id,key_hash,used,created_date FROM worker_keys`
	var args []any
	if workerID != 0 {
		query += ` WHERE worker_id=?`
		args = append(args, workerID)
	}
	query += ` ORDER BY created_date DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.WorkerKey
	for rows.Next() {
		var key domain.WorkerKey
		var used int
		if err := rows.Scan(&key.ID, &key.WorkerID, &key.KeyHash, &used, &key.CreatedDate); err != nil {
			return nil, err
		}
		key.Used = used != 0
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
