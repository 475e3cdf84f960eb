package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"facet/internal/repo"
)

// ErrInvalidKey indicates the presented usage key maps to no worker.
var ErrInvalidKey = errors.New("invalid worker key")

// ScriptRejectedError indicates a worker script hash is not on the allow-list.
type ScriptRejectedError struct {
	Hash string
}

func (e ScriptRejectedError) Error() string {
	return fmt.Sprintf("script hash %s not in allow-list", e.Hash)
}

// Service validates worker usage keys and client script integrity.
type Service struct {
	Repo repo.Repo
	// AllowedScriptHashes is the sha256 allow-list for worker scripts.
	// Empty list means no script passes; the check is a required control,
	// not an optional one.
	AllowedScriptHashes []string
}

// ValidateKey maps an opaque usage key to a worker id and flags the key as
// used. The flag is non-consuming: the key keeps authenticating afterwards.
func (s Service) ValidateKey(ctx context.Context, key string) (int64, error) {
	if strings.TrimSpace(key) == "" {
		return 0, ErrInvalidKey
	}
	wk, err := s.Repo.GetWorkerKeyByHash(ctx, repo.HashWorkerKey(key))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, ErrInvalidKey
		}
		return 0, err
	}
	if !wk.Used {
		if err := s.Repo.MarkWorkerKeyUsed(ctx, wk.ID); err != nil {
			return 0, err
		}
	}
	return wk.WorkerID, nil
}

// ScriptHash returns the sha256 hex digest of a script text, newline-normalized.
func ScriptHash(script string) string {
	normalized := strings.ReplaceAll(script, "\r\n", "\n")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// VerifyScript checks a worker script against the allow-list.
func (s Service) VerifyScript(script string) error {
	h := ScriptHash(script)
	for _, allowed := range s.AllowedScriptHashes {
		if strings.EqualFold(allowed, h) {
			return nil
		}
	}
	return ScriptRejectedError{Hash: h}
}
