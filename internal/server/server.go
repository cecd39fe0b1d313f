package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/engine/auth"
	"reqline/internal/repo"
	"reqline/internal/scenarios"
	"reqline/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	BasePath    string
	Auth        AuthConfig
	CORSOrigins []string
	// ScenarioDir and ResultsDir back GET /scenarios/run.
	ScenarioDir string
	ResultsDir  string
	Logger      *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"text is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the pipeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema violations are the caller's fault
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.CORSOrigins))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("Requirement Triage API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerBanner(router)
	registerDocs(router, basePath)
	registerHealth(group)
	registerPipeline(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerScenarios(group, cfg)
	registerRuns(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth.Required)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, engine.ErrValidation) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var pe *session.PersistenceError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusInternalServerError, "session_persistence_failed", "session could not be saved", map[string]any{"error": err.Error()})
	}
	var ee *engine.ExecutionError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusInternalServerError, "pipeline_error", fmt.Sprintf("pipeline error: %v", ee), map[string]any{"stage": ee.Stage})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requirePermission(ctx context.Context, perm string) error {
	principal, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return auth.Require(principal.Permissions, perm)
}

// withActor copies the authenticated actor into the engine's audit context.
func withActor(ctx context.Context) context.Context {
	if p, ok := principalFromContext(ctx); ok {
		return engine.WithActor(ctx, p.ActorID)
	}
	return ctx
}

func registerBanner(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(BannerResponse{Message: "Requirement triage API running"})
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, authRequired bool) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			if authRequired {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Requirement Triage API Docs</title>
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

func registerPipeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-pipeline",
		Method:      http.MethodPost,
		Path:        "/pipeline",
		Summary:     "Analyze a requirement",
		Description: "Parses the text, detects conflicts and synthesizes an API description. With session_id the result is merged into that session.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body PipelineRequest `json:"body"`
	}) (*struct {
		Body domain.PipelineResult `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermPipelineRun); err != nil {
			return nil, handleError(err)
		}
		if err := engine.ValidateText(input.Body.Text); err != nil {
			return nil, handleError(err)
		}
		sessionID := ""
		if input.Body.SessionID != nil {
			sessionID = strings.TrimSpace(*input.Body.SessionID)
		}
		if sessionID != "" {
			if err := requirePermission(ctx, auth.PermSessionWrite); err != nil {
				return nil, handleError(err)
			}
		}
		res, err := e.Run(withActor(ctx), input.Body.Text, sessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PipelineResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	type sessionPath struct {
		SessionID string `path:"session_id"`
	}
	type recordBody struct {
		Body session.Record `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List session ids",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionListResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		ids, err := e.ListSessions()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionListResponse `json:"body"`
		}{Body: SessionListResponse{Sessions: ids}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get accumulated session record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*recordBody, error) {
		if err := requirePermission(ctx, auth.PermSessionRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.GetSession(input.SessionID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "session not found", map[string]any{"session_id": input.SessionID})
			}
			return nil, handleError(err)
		}
		return &recordBody{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-session",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}",
		Summary:     "Replace a session record",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		SessionID string         `path:"session_id"`
		Body      session.Record `json:"body"`
	}) (*recordBody, error) {
		if err := requirePermission(ctx, auth.PermSessionWrite); err != nil {
			return nil, handleError(err)
		}
		if err := e.SetSession(withActor(ctx), input.SessionID, input.Body); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.GetSession(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordBody{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-session",
		Method:      http.MethodPatch,
		Path:        "/sessions/{session_id}",
		Summary:     "Overwrite top-level keys of a session record",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		SessionID string         `path:"session_id"`
		Body      session.Record `json:"body"`
	}) (*recordBody, error) {
		if err := requirePermission(ctx, auth.PermSessionWrite); err != nil {
			return nil, handleError(err)
		}
		if err := e.MergeSession(withActor(ctx), input.SessionID, input.Body); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.GetSession(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordBody{Body: rec}, nil
	})
}

func registerScenarios(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "run-scenarios",
		Method:      http.MethodGet,
		Path:        "/scenarios/run",
		Summary:     "Run every scenario file and return the summary",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ScenarioRunResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermScenariosRun); err != nil {
			return nil, handleError(err)
		}
		d := scenarios.Driver{
			Runner:     cfg.Engine,
			Dir:        cfg.ScenarioDir,
			ResultsDir: cfg.ResultsDir,
			Logger:     cfg.Logger,
		}
		summary, err := d.RunAll(withActor(ctx))
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "scenario_run_failed", "scenario run failed", map[string]any{"error": err.Error()})
		}
		return &struct {
			Body ScenarioRunResponse `json:"body"`
		}{Body: ScenarioRunResponse{Summary: summary}}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recent pipeline runs",
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []RunSummary `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		if e.DB == nil {
			return nil, handleError(errors.New("run history not configured"))
		}
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{SessionID: input.SessionID, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunSummary `json:"body"`
		}{Body: mapRuns(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a pipeline run with its full result",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		if e.DB == nil {
			return nil, handleError(errors.New("run history not configured"))
		}
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit event log",
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type"`
		SessionID string `query:"session_id"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		if e.DB == nil {
			return nil, handleError(errors.New("run history not configured"))
		}
		evts, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := map[string]struct{}{}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		} else if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		if !allowAll && len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowed[origin]; ok || allowAll {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Add("Vary", "Origin")
				}
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Api-Key, X-Actor-Id")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
