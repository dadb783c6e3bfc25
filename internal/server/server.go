package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"storyline/internal/apperr"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/logging"
	"storyline/internal/registry"
	"storyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Metrics, when set, is served unauthenticated at /metrics.
	Metrics http.Handler
	Log     *logging.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"invalid parent 0"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Storyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logging.Nop()
	}
	log = log.Named("server")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}

	huma.DefaultArrayNullable = false
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
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Storyline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	registerDocs(router, basePath)
	registerHealth(group)
	registerGeneration(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return router, nil
}

func requestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug(r.Context(), "http request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
		})
	}
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	switch apperr.KindOf(err) {
	case apperr.Config:
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case apperr.Validation:
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, nil)
	case apperr.Integrity:
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case apperr.Broker:
		return newAPIError(http.StatusServiceUnavailable, "queue_unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func lookupKind(kind string) (registry.Entry, huma.StatusError) {
	entry, ok := registry.Lookup(domain.Kind(kind))
	if !ok {
		return registry.Entry{}, newAPIError(http.StatusBadRequest, "unknown_task_type", fmt.Sprintf("unknown task type %q", kind), map[string]any{"task_type": kind})
	}
	return entry, nil
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

func registerGeneration(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate",
		Method:        http.MethodPost,
		Path:          "/generation/generate",
		Summary:       "Queue a generation request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body GenerateRequest
	}) (*struct {
		Body QueuedResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Submit(ctx, input.Body.submitOptions(actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueuedResponse `json:"body"`
		}{Body: queued(req.RequestID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reprocess",
		Method:        http.MethodPost,
		Path:          "/generation/reprocess/{task_type}/{artifact_id}",
		Summary:       "Queue regeneration of an existing artifact",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		TaskType   string `path:"task_type"`
		ArtifactID int64  `path:"artifact_id" minimum:"1"`
		Body       ReprocessRequest
	}) (*struct {
		Body QueuedResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, kindErr := lookupKind(input.TaskType)
		if kindErr != nil {
			return nil, kindErr
		}
		if _, err := e.Repo.GetArtifact(ctx, nil, entry, input.ArtifactID); err != nil {
			return nil, handleError(err)
		}
		req, err := e.Submit(ctx, input.Body.submitOptions(input.TaskType, input.ArtifactID, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueuedResponse `json:"body"`
		}{Body: queued(req.RequestID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-status",
		Method:      http.MethodGet,
		Path:        "/generation/status/{request_id}",
		Summary:     "Status of a generation request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		req, err := e.Repo.GetRequest(ctx, nil, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(req)}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{task_type}/{id}",
		Summary:     "Get one artifact",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskType string `path:"task_type"`
		ID       int64  `path:"id"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		entry, kindErr := lookupKind(input.TaskType)
		if kindErr != nil {
			return nil, kindErr
		}
		a, err := e.Repo.GetArtifact(ctx, nil, entry, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lineage",
		Method:      http.MethodGet,
		Path:        "/artifacts/{task_type}",
		Summary:     "List every version of one lineage",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskType   string `path:"task_type"`
		Parent     int64  `query:"parent" required:"true" minimum:"1"`
		ActiveOnly bool   `query:"active_only"`
	}) (*struct {
		Body ArtifactListResponse `json:"body"`
	}, error) {
		entry, kindErr := lookupKind(input.TaskType)
		if kindErr != nil {
			return nil, kindErr
		}
		items, err := e.Repo.ListLineage(ctx, nil, entry, input.Parent, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Artifact{}
		}
		return &struct {
			Body ArtifactListResponse `json:"body"`
		}{Body: ArtifactListResponse{Items: items}}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/generation/requests",
		Summary:     "List recent generation requests",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"pending,completed,failed"`
		TaskType string `query:"task_type"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body RequestListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRequests(ctx, repo.RequestFilters{Status: input.Status, Kind: input.TaskType, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		resp := RequestListResponse{Items: []StatusResponse{}}
		for _, req := range items {
			resp.Items = append(resp.Items, statusResponse(req))
		}
		return &struct {
			Body RequestListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID, Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Source: p.Source}}, nil
	})
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
