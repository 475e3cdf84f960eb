package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"facet/internal/domain"
	"facet/internal/engine"
	"facet/internal/engine/auth"
	"facet/internal/events"
	"facet/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"no_more_tasks"`
	Message string         `json:"message" example:"no pending tasks"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Facet API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))

	// Route the engine's change notifications into the live stream. A fanout
	// installed by the caller is reused so scheduler ticks share the stream.
	fanout, ok := cfg.Engine.Sink.(*events.Fanout)
	if !ok {
		fanout = &events.Fanout{}
		cfg.Engine.Sink = fanout
	}

	hcfg := huma.DefaultConfig("Facet API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerInputs(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerWorkers(group, cfg.Engine)
	registerWorkerQueue(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerDatasets(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerWatch(router, basePath, fanout)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrNoTasks) {
		return newAPIError(http.StatusNotFound, "no_more_tasks", "no pending tasks", nil)
	}
	if errors.Is(err, engine.ErrNotOwner) {
		return newAPIError(http.StatusConflict, "not_task_owner", err.Error(), nil)
	}
	var oe engine.InvalidOutputError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_output", err.Error(), nil)
	}
	var se auth.ScriptRejectedError
	if errors.As(err, &se) {
		return newAPIError(http.StatusForbidden, "script_rejected", err.Error(), map[string]any{"hash": se.Hash})
	}
	if errors.Is(err, auth.ErrInvalidKey) {
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid worker key", nil)
	}
	// A claimed task with an unbuildable payload is a server-side fault, not
	// a missing resource: the lease stays active for the reaper.
	var be engine.BrokenTaskError
	if errors.As(err, &be) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": be.Error()})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be") || strings.Contains(lowered, "duplicate"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_output"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// registerWatch exposes the snapshot stream as server-sent events. Snapshots
// are pushed by the scheduler tick and by claim/submit operations.
func registerWatch(r chi.Router, basePath string, fanout *events.Fanout) {
	r.Get(path.Join(basePath, "watch"), func(w http.ResponseWriter, req *http.Request) {
		fl, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sub, cancel := fanout.Subscribe()
		defer cancel()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "event: ready\ndata: {}\n\n")
		fl.Flush()
		for {
			select {
			case <-req.Context().Done():
				return
			case msg := <-sub:
				data, err := json.Marshal(msg.Payload)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Topic, data)
				fl.Flush()
			}
		}
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Facet API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Workers authenticate with X-Worker-Key; admins with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Queue status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		issues, err := e.Repo.ListIssues(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{TaskCounts: counts, Issues: len(issues)}}, nil
	})
}

func registerInputs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-input",
		Method:        http.MethodPost,
		Path:          "/inputs",
		Summary:       "Submit an issue statement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body SubmitInputRequest `json:"body"`
	}) (*struct {
		Body domain.UserInput `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.IssueTitle) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issue_title is required", nil)
		}
		in, err := e.SubmitInput(ctx, input.Body.IssueTitle, input.Body.IssueContext)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UserInput `json:"body"`
		}{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inputs",
		Method:      http.MethodGet,
		Path:        "/inputs",
		Summary:     "List issue statements",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.UserInput `json:"body"`
	}, error) {
		items, err := e.Repo.ListUserInputs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.UserInput{}
		}
		return &struct {
			Body []domain.UserInput `json:"body"`
		}{Body: items}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		items, err := e.Repo.ListIssues(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Issue{}
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-tree",
		Method:      http.MethodGet,
		Path:        "/issues/tree",
		Summary:     "Issue decomposition tree",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []*engine.IssueNode `json:"body"`
	}, error) {
		roots, err := e.IssueTree(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if roots == nil {
			roots = []*engine.IssueNode{}
		}
		return &struct {
			Body []*engine.IssueNode `json:"body"`
		}{Body: roots}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get issue with artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body IssueDetailResponse `json:"body"`
	}, error) {
		is, err := e.Repo.GetIssue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		insights, err := e.Repo.ListInsights(ctx, is.ID)
		if err != nil {
			return nil, handleError(err)
		}
		proposals, err := e.Repo.ListProposals(ctx, is.ID)
		if err != nil {
			return nil, handleError(err)
		}
		extrapolations, err := e.Repo.ListExtrapolations(ctx, is.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueDetailResponse `json:"body"`
		}{Body: IssueDetailResponse{
			Issue:          is,
			Insights:       insights,
			Proposals:      proposals,
			Extrapolations: extrapolations,
		}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pending,active,completed,"`
		TaskTypeID int64  `query:"task_type_id"`
		IssueID    int64  `query:"issue_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			Status:     input.Status,
			TaskTypeID: input.TaskTypeID,
			IssueID:    input.IssueID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})
}

func registerWorkers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-worker",
		Method:        http.MethodPost,
		Path:          "/workers",
		Summary:       "Register a worker",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RegisterWorkerRequest `json:"body"`
	}) (*struct {
		Body RegisterWorkerResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		w, key, err := e.RegisterWorker(ctx, input.Body.Name, input.Body.Script)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisterWorkerResponse `json:"body"`
		}{Body: RegisterWorkerResponse{Worker: w, Key: key}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Worker `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListWorkers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Worker{}
		}
		return &struct {
			Body []domain.Worker `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mint-worker-key",
		Method:        http.MethodPost,
		Path:          "/workers/{id}/keys",
		Summary:       "Mint a usage key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body MintKeyResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		key, err := e.MintWorkerKey(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MintKeyResponse `json:"body"`
		}{Body: MintKeyResponse{WorkerID: input.ID, Key: key}}, nil
	})
}

func registerWorkerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/worker/tasks/claim",
		Summary:     "Claim the next pending task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.TaskPayload `json:"body"`
	}, error) {
		workerID, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, err := e.ClaimNextTask(ctx, workerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskPayload `json:"body"`
		}{Body: payload}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-task-result",
		Method:      http.MethodPost,
		Path:        "/worker/tasks/{id}/result",
		Summary:     "Submit a task result",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID      int64 `path:"id"`
		RawBody []byte
	}) (*struct {
		Body engine.SubmitResult `json:"body"`
	}, error) {
		workerID, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := input.RawBody
		if len(raw) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := e.SubmitTaskResult(ctx, input.ID, workerID, raw)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SubmitResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-workflow-task",
		Method:      http.MethodPost,
		Path:        "/worker/workflow-tasks/claim",
		Summary:     "Claim the next pending workflow task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.WorkflowTaskPayload `json:"body"`
	}, error) {
		workerID, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, err := e.ClaimNextWorkflowTask(ctx, workerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WorkflowTaskPayload `json:"body"`
		}{Body: payload}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-workflow-task-result",
		Method:      http.MethodPost,
		Path:        "/worker/workflow-tasks/{id}/result",
		Summary:     "Submit a workflow task result",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID      int64 `path:"id"`
		RawBody []byte
	}) (*struct {
		Body domain.WorkflowTask `json:"body"`
	}, error) {
		workerID, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := input.RawBody
		if len(raw) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		wt, err := e.SubmitWorkflowTaskResult(ctx, input.ID, workerID, raw)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowTask `json:"body"`
		}{Body: wt}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/worker/workflows",
		Summary:       "Create a workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.Workflow `json:"body"`
	}, error) {
		workerID, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.CreateWorkflow(ctx, workerID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workflow `json:"body"`
		}{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/worker/workflows",
		Summary:     "List the worker's workflows",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Workflow `json:"body"`
	}, error) {
		workerID, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListWorkflows(ctx, workerID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Workflow{}
		}
		return &struct {
			Body []domain.Workflow `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-workflow-task",
		Method:        http.MethodPost,
		Path:          "/worker/workflows/{id}/tasks",
		Summary:       "Append a step to a workflow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64                  `path:"id"`
		Body AddWorkflowTaskRequest `json:"body"`
	}) (*struct {
		Body domain.WorkflowTask `json:"body"`
	}, error) {
		workerID, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wt, err := e.AddWorkflowTask(ctx, workerID, domain.WorkflowTask{
			WorkflowID:      input.ID,
			Position:        input.Body.Position,
			Name:            input.Body.Name,
			Description:     input.Body.Description,
			Role:            input.Body.Role,
			TaskType:        input.Body.TaskType,
			InputType:       input.Body.InputType,
			RawData:         input.Body.RawData,
			InputDatasetID:  input.Body.InputDatasetID,
			OutputDatasetID: input.Body.OutputDatasetID,
			OutputAmount:    input.Body.OutputAmount,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowTask `json:"body"`
		}{Body: wt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflow-tasks",
		Method:      http.MethodGet,
		Path:        "/worker/workflows/{id}/tasks",
		Summary:     "List a workflow's steps",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []domain.WorkflowTask `json:"body"`
	}, error) {
		workerID, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.Repo.GetWorkflow(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if wf.WorkerID != workerID {
			return nil, handleError(engine.ErrNotOwner)
		}
		items, err := e.Repo.ListWorkflowTasks(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkflowTask{}
		}
		return &struct {
			Body []domain.WorkflowTask `json:"body"`
		}{Body: items}, nil
	})
}

func registerDatasets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-dataset",
		Method:        http.MethodPost,
		Path:          "/worker/datasets",
		Summary:       "Create a dataset",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateDatasetRequest `json:"body"`
	}) (*struct {
		Body domain.Dataset `json:"body"`
	}, error) {
		workerID, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fields := make([]domain.DatasetField, 0, len(input.Body.Fields))
		for _, f := range input.Body.Fields {
			fields = append(fields, domain.DatasetField{
				Name:        f.Name,
				Description: f.Description,
				DataType:    f.DataType,
			})
		}
		ds, err := e.CreateDataset(ctx, workerID, input.Body.Name, input.Body.Description, fields)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dataset `json:"body"`
		}{Body: ds}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dataset-rows",
		Method:      http.MethodGet,
		Path:        "/worker/datasets/{id}/rows",
		Summary:     "List dataset records",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []map[string]any `json:"body"`
	}, error) {
		workerID, authErr := workerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		ds, err := e.Repo.GetDataset(ctx, tx, input.ID)
		if err != nil {
			tx.Rollback()
			return nil, handleError(err)
		}
		fields, err := e.Repo.ListDatasetFields(ctx, tx, input.ID)
		tx.Rollback()
		if err != nil {
			return nil, handleError(err)
		}
		if ds.WorkerID != workerID {
			return nil, handleError(engine.ErrNotOwner)
		}
		rows, err := e.Repo.ListDatasetRows(ctx, input.ID, fields)
		if err != nil {
			return nil, handleError(err)
		}
		if rows == nil {
			rows = []map[string]any{}
		}
		return &struct {
			Body []map[string]any `json:"body"`
		}{Body: rows}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.EventsAfter(ctx, limit, input.After)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
