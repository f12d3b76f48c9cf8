// Package server exposes the publishing orchestrator over HTTP.
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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"portalsync/internal/credentials"
	"portalsync/internal/domain"
	"portalsync/internal/engine"
	"portalsync/internal/metricsync"
	"portalsync/internal/portal"
	"portalsync/internal/repo"
)

// JobLister serves job list queries; the job cache or the repo itself.
type JobLister interface {
	ListJobs(ctx context.Context, f repo.JobFilter) ([]domain.PublishJob, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Creds    *credentials.Store
	Flow     credentials.Flow
	Metrics  *metricsync.Synchronizer
	Jobs     JobLister
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"an active job already exists"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"active_job_id\":\"job_1\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	Config
	log *zap.Logger
}

// New returns an HTTP handler exposing the portalsync API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Jobs == nil {
		cfg.Jobs = cfg.Engine.Repo
	}
	if cfg.Creds == nil {
		return nil, errors.New("credential store is required")
	}
	if cfg.Metrics == nil {
		return nil, errors.New("metrics synchronizer is required")
	}
	a := &api{Config: cfg, log: cfg.Logger}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = a.log
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("portalsync API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	hapi := humachi.New(router, hcfg)
	group := huma.NewGroup(hapi, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	a.registerPublishing(group)
	a.registerJobs(group)
	a.registerMetrics(group)
	a.registerOAuth(group)
	a.registerPortals(group)
	a.registerEvents(group)
	registerOpenAPI(router, hapi, basePath)

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

func (a *api) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"property_id": ce.PropertyID, "portal": ce.Portal, "active_job_id": ce.ActiveJobID,
		})
	}
	var te domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"state": string(te.From), "trigger": string(te.Trigger),
		})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var pe *portal.Error
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, credentials.ErrAuthRequired):
		return newAPIError(http.StatusPreconditionRequired, "auth_required", err.Error(), nil)
	case errors.Is(err, credentials.ErrUnknownState):
		return newAPIError(http.StatusBadRequest, "invalid_state", err.Error(), nil)
	case errors.Is(err, credentials.ErrNotConfigured), errors.Is(err, portal.ErrUnknownPortal):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.As(err, &pe):
		if pe.Kind == portal.KindAuth {
			return newAPIError(http.StatusPreconditionRequired, "auth_required", pe.Error(), map[string]any{"status_code": pe.StatusCode})
		}
		details := map[string]any{"status_code": pe.StatusCode}
		if pe.RetryAfter > 0 {
			details["retry_after_seconds"] = int(pe.RetryAfter.Seconds())
		}
		return newAPIError(http.StatusBadGateway, string(pe.JobKind()), pe.Error(), details)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		a.log.Error("request failed", zap.Error(err))
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusPreconditionRequired:
		return "auth_required"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>portalsync API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func (a *api) registerPublishing(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID:   "publish",
		Method:        http.MethodPost,
		Path:          "/publish",
		Summary:       "Create a publish job",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body PublishRequest `json:"body"`
	}) (*struct {
		Body JobStatusResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		j, err := a.Engine.Publish(ctx, engine.PublishOptions{
			TenantID:   tenant,
			PropertyID: strings.TrimSpace(input.Body.PropertyID),
			Portal:     strings.TrimSpace(input.Body.Portal),
		})
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body JobStatusResponse `json:"body"`
		}{Body: jobStatus(j)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "unpublish",
		Method:      http.MethodPost,
		Path:        "/unpublish",
		Summary:     "Remove a published listing from its portal",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusPreconditionRequired, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body UnpublishRequest `json:"body"`
	}) (*struct {
		Body JobStatusResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.JobID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "job_id is required", nil)
		}
		j, err := a.Engine.Unpublish(ctx, tenant, input.Body.JobID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body JobStatusResponse `json:"body"`
		}{Body: jobStatus(j)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "validate",
		Method:      http.MethodPost,
		Path:        "/validate",
		Summary:     "Validate a property against a portal schema without creating a job",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ValidateRequest `json:"body"`
	}) (*struct {
		Body domain.PortalValidation `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.PropertyID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "property_id is required", nil)
		}
		v, err := a.Engine.Preview(ctx, tenant, input.Body.PropertyID, input.Body.Portal)
		if err != nil {
			return nil, a.handleError(err)
		}
		v.Mappings = nonNilSlice(v.Mappings)
		return &struct {
			Body domain.PortalValidation `json:"body"`
		}{Body: v}, nil
	})
}

func (a *api) registerJobs(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List publish jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PropertyID string `query:"property_id"`
		Portal     string `query:"portal"`
		State      string `query:"state" enum:"pending,validating,publishing,published,failed,unpublished,expired,cancelled"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.JobFilter{TenantID: tenant, PropertyID: input.PropertyID, Portal: input.Portal, Limit: input.Limit}
		if input.State != "" {
			st, err := domain.ParseJobState(input.State)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			f.States = []domain.JobState{st}
		}
		items, err := a.Jobs.ListJobs(ctx, f)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: mapJobs(items)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get a publish job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := a.Engine.Repo.GetJob(ctx, tenant, input.JobID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(j)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/retry",
		Summary:     "Retry a failed job",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string        `path:"job_id"`
		Body  *RetryRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body JobStatusResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		force := input.Body != nil && input.Body.Force
		j, err := a.Engine.Retry(ctx, tenant, input.JobID, force)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body JobStatusResponse `json:"body"`
		}{Body: jobStatus(j)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel a pending job",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobStatusResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := a.Engine.Cancel(ctx, tenant, input.JobID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body JobStatusResponse `json:"body"`
		}{Body: jobStatus(j)}, nil
	})
}

func (a *api) registerMetrics(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "sync-metrics",
		Method:      http.MethodPost,
		Path:        "/metrics/sync",
		Summary:     "Run a metrics sweep now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.Metrics.Sync(ctx, tenant)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: SyncResponse{Synced: res.Synced, Errors: res.Errors, Total: res.Total}}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-metrics",
		Method:      http.MethodGet,
		Path:        "/metrics/{external_id}",
		Summary:     "Latest metrics of a portal listing",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExternalID string `path:"external_id"`
	}) (*struct {
		Body MetricsResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := a.Engine.Repo.MetricsByExternalID(ctx, tenant, input.ExternalID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body MetricsResponse `json:"body"`
		}{Body: metricsResponse(m)}, nil
	})
}

func (a *api) registerOAuth(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "oauth-authorize",
		Method:      http.MethodPost,
		Path:        "/{portal}/oauth/authorize",
		Summary:     "Start the portal OAuth flow",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Portal string            `path:"portal"`
		Body   *AuthorizeRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body AuthorizeResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body != nil && input.Body.Tenant != "" && input.Body.Tenant != tenant {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "tenant does not match the authenticated tenant", nil)
		}
		url, state, err := a.Flow.Authorize(ctx, tenant, input.Portal)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body AuthorizeResponse `json:"body"`
		}{Body: AuthorizeResponse{AuthorizationURL: url, State: state}}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "oauth-callback",
		Method:      http.MethodPost,
		Path:        "/{portal}/oauth/callback",
		Summary:     "Complete the portal OAuth flow",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusPreconditionRequired},
	}, func(ctx context.Context, input *struct {
		Portal string          `path:"portal"`
		Body   CallbackRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Code == "" || input.Body.State == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "code and state are required", nil)
		}
		c, err := a.Flow.Callback(ctx, input.Portal, input.Body.Code, input.Body.State)
		if err != nil {
			return nil, a.handleError(err)
		}
		if c.TenantID != tenant {
			a.log.Warn("oauth callback for another tenant", zap.String("tenant_id", tenant), zap.String("state_tenant", c.TenantID))
			return nil, newAPIError(http.StatusForbidden, "forbidden", "state belongs to another tenant", nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: tokenResponse(c)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "oauth-refresh",
		Method:      http.MethodPost,
		Path:        "/{portal}/oauth/refresh",
		Summary:     "Refresh the portal access token now",
		Errors:      []int{http.StatusPreconditionRequired, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Portal string `path:"portal"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := a.Creds.ForceRefresh(ctx, tenant, input.Portal)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: tokenResponse(c)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "portal-test",
		Method:      http.MethodPost,
		Path:        "/{portal}/test",
		Summary:     "Check that the stored credential works against the portal",
		Errors:      []int{http.StatusBadRequest, http.StatusPreconditionRequired, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Portal string `path:"portal"`
	}) (*struct {
		Body TestResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.Engine.TestConnection(ctx, tenant, input.Portal); err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body TestResponse `json:"body"`
		}{Body: TestResponse{Success: true}}, nil
	})
}

func tokenResponse(c domain.PortalCredential) TokenResponse {
	out := TokenResponse{Success: true}
	if !c.ExpiresAt.IsZero() {
		exp := c.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

func (a *api) registerPortals(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "list-portals",
		Method:      http.MethodGet,
		Path:        "/portals",
		Summary:     "Configured portals and their connection status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PortalResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		statuses, err := a.Creds.Statuses(ctx, tenant, a.Engine.Portals.IDs())
		if err != nil {
			return nil, a.handleError(err)
		}
		out := make([]PortalResponse, 0, len(statuses))
		for _, st := range statuses {
			out = append(out, PortalResponse{ID: st.Portal, Connected: st.Connected, ExpiresAt: st.ExpiresAt, AccountID: st.AccountID})
		}
		return &struct {
			Body []PortalResponse `json:"body"`
		}{Body: out}, nil
	})
}

func (a *api) registerEvents(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		JobID  string `query:"job_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.Engine.Repo.LatestEventsFrom(ctx, limit+1, cursorID, tenant, input.Type, input.JobID)
		if err != nil {
			return nil, a.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
