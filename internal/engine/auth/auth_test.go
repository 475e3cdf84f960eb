package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"facet/internal/db"
	"facet/internal/domain"
	"facet/internal/engine/auth"
	"facet/internal/migrate"
	"facet/internal/repo"
)

func newService(t *testing.T) (auth.Service, repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	return auth.Service{Repo: r}, r, context.Background()
}

func seedKey(t *testing.T, r repo.Repo, ctx context.Context, plaintext string) int64 {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	workerID, err := r.InsertWorker(ctx, tx, domain.Worker{Name: "w", CreatedDate: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("insert worker: %v", err)
	}
	if err := r.InsertWorkerKey(ctx, tx, domain.WorkerKey{
		ID:          "key-1",
		WorkerID:    workerID,
		KeyHash:     repo.HashWorkerKey(plaintext),
		CreatedDate: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return workerID
}

func TestValidateKey(t *testing.T) {
	svc, r, ctx := newService(t)
	workerID := seedKey(t, r, ctx, "fct_valid")

	id, err := svc.ValidateKey(ctx, "fct_valid")
	if err != nil || id != workerID {
		t.Fatalf("validate: id=%d err=%v", id, err)
	}
	key, err := r.GetWorkerKeyByHash(ctx, repo.HashWorkerKey("fct_valid"))
	if err != nil {
		t.Fatal(err)
	}
	if !key.Used {
		t.Fatalf("expected key marked used")
	}
	// the used flag does not consume the key
	if id, err := svc.ValidateKey(ctx, "fct_valid"); err != nil || id != workerID {
		t.Fatalf("second validate: id=%d err=%v", id, err)
	}

	if _, err := svc.ValidateKey(ctx, "fct_wrong"); !errors.Is(err, auth.ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
	if _, err := svc.ValidateKey(ctx, "  "); !errors.Is(err, auth.ErrInvalidKey) {
		t.Fatalf("expected invalid key for blank input, got %v", err)
	}
}

func TestScriptHashNormalizesLineEndings(t *testing.T) {
	unix := "#!/bin/sh\necho hi\n"
	windows := strings.ReplaceAll(unix, "\n", "\r\n")
	if auth.ScriptHash(unix) != auth.ScriptHash(windows) {
		t.Fatalf("CRLF and LF scripts should hash identically")
	}
	if auth.ScriptHash(unix) == auth.ScriptHash(unix+"extra") {
		t.Fatalf("distinct scripts collided")
	}
}

func TestVerifyScript(t *testing.T) {
	script := "#!/bin/sh\necho hi\n"

	empty := auth.Service{}
	err := empty.VerifyScript(script)
	var se auth.ScriptRejectedError
	if !errors.As(err, &se) {
		t.Fatalf("empty allow-list must reject, got %v", err)
	}
	if se.Hash != auth.ScriptHash(script) {
		t.Fatalf("rejection carries wrong hash %s", se.Hash)
	}

	// hash comparison is case-insensitive
	svc := auth.Service{AllowedScriptHashes: []string{strings.ToUpper(auth.ScriptHash(script))}}
	if err := svc.VerifyScript(script); err != nil {
		t.Fatalf("allow-listed script rejected: %v", err)
	}
	if err := svc.VerifyScript(script + "tampered"); err == nil {
		t.Fatalf("tampered script accepted")
	}
}
