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

	"jorbline/internal/app"
	"jorbline/internal/engine"
	"jorbline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.Service
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"jorb_terminal"`
	Message string         `json:"message" example:"conflict: jorb is terminal"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"paused\"}"`
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

// New returns an HTTP handler exposing the jorbline management API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app service is required")
	}
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Engine.Repo))
	hcfg := huma.DefaultConfig("Jorbline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerJorbs(group, cfg.App)
	registerBriefing(group, cfg.App)
	registerInbound(group, cfg.App)
	registerContext(group, cfg.App)
	registerPolicy(group, cfg.App)
	registerOpenAPI(router, api, basePath)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrTerminal) {
		return newAPIError(http.StatusConflict, "jorb_terminal", err.Error(), nil)
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": te.From,
			"to":   te.To,
		})
	}
	if errors.Is(err, engine.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
		for _, op := range operations(item) {
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

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
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
		for _, op := range operations(item) {
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
    <title>Jorbline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

type JorbPath struct {
	ID string `path:"id"`
}

func registerJorbs(api huma.API, s *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jorbs",
		Method:      http.MethodGet,
		Path:        "/jorbs",
		Summary:     "List jorbs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,closed,all" default:"open"`
	}) (*struct {
		Body []JorbResponse `json:"body"`
	}, error) {
		items, err := s.Engine.Repo.ListJorbs(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []JorbResponse `json:"body"`
		}{Body: mapJorbs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-jorb",
		Method:        http.MethodPost,
		Path:          "/jorbs",
		Summary:       "Create jorb",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateJorbRequest `json:"body"`
	}) (*struct {
		Body JorbResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.CreateJorb(ctx, engine.CreateOptions{
			Name:     input.Body.Name,
			Plan:     input.Body.Plan,
			Contacts: input.Body.Contacts,
			ActorID:  actorID,
		}, input.Body.StartImmediately)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JorbResponse `json:"body"`
		}{Body: JorbResponse{Jorb: j}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-jorb",
		Method:      http.MethodGet,
		Path:        "/jorbs/{id}",
		Summary:     "Get jorb",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JorbPath
		IncludeMessages bool `query:"include_messages"`
		MessageLimit    int  `query:"message_limit" minimum:"1" maximum:"1000" default:"50"`
	}) (*struct {
		Body JorbResponse `json:"body"`
	}, error) {
		if !input.IncludeMessages {
			j, err := s.Engine.Get(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body JorbResponse `json:"body"`
			}{Body: JorbResponse{Jorb: j}}, nil
		}
		j, msgs, err := s.Engine.GetWithMessages(ctx, input.ID, normalizeLimit(input.MessageLimit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JorbResponse `json:"body"`
		}{Body: JorbResponse{Jorb: j, Messages: msgs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/jorbs/{id}/messages",
		Summary:     "List jorb messages",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JorbPath
		Limit  int `query:"limit" minimum:"1" maximum:"1000" default:"50"`
		Offset int `query:"offset" minimum:"0"`
	}) (*struct {
		Body MessagesResponse `json:"body"`
	}, error) {
		if _, err := s.Engine.Get(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		msgs, err := s.Engine.Repo.ListMessages(ctx, input.ID, limit, input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		total, err := s.Engine.Repo.CountMessages(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessagesResponse `json:"body"`
		}{Body: MessagesResponse{
			Items:  nonNilSlice(msgs),
			Total:  total,
			Limit:  limit,
			Offset: input.Offset,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/jorbs/{id}/checkpoints",
		Summary:     "List context checkpoints",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *JorbPath) (*struct {
		Body []CheckpointResponse `json:"body"`
	}, error) {
		if _, err := s.Engine.Get(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := s.Engine.Repo.ListCheckpoints(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CheckpointResponse, 0, len(items))
		for _, c := range items {
			out = append(out, CheckpointResponse{Checkpoint: c})
		}
		return &struct {
			Body []CheckpointResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-jorb",
		Method:      http.MethodPost,
		Path:        "/jorbs/{id}/start",
		Summary:     "Start jorb",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *JorbPath) (*struct {
		Body JorbResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := s.Start(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JorbResponse `json:"body"`
		}{Body: JorbResponse{Jorb: j}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-jorb",
		Method:      http.MethodPost,
		Path:        "/jorbs/{id}/approve",
		Summary:     "Approve a paused jorb",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JorbPath
		Body ApproveRequest `json:"body"`
	}) (*struct {
		Body ApproveResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, res, err := s.Approve(ctx, input.ID, input.Body.Decision, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApproveResponse `json:"body"`
		}{Body: ApproveResponse{
			Jorb:  JorbResponse{Jorb: j},
			Cycle: cycleResponse(res),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-jorb",
		Method:      http.MethodPost,
		Path:        "/jorbs/{id}/cancel",
		Summary:     "Cancel jorb",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JorbPath
		Body *CancelRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body JorbResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		j, err := s.Cancel(ctx, input.ID, reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JorbResponse `json:"body"`
		}{Body: JorbResponse{Jorb: j}}, nil
	})
}

func registerBriefing(api huma.API, s *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "briefing",
		Method:      http.MethodGet,
		Path:        "/briefing",
		Summary:     "Digest of what changed since the last briefing",
	}, func(ctx context.Context, input *struct {
		Advance bool `query:"advance" doc:"Mark this briefing as seen"`
	}) (*struct {
		Body BriefingResponse `json:"body"`
	}, error) {
		b, err := s.Briefing.Brief(ctx, input.Advance)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BriefingResponse `json:"body"`
		}{Body: BriefingResponse{Briefing: b, Empty: b.Empty()}}, nil
	})
}

func registerInbound(api huma.API, s *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "inbound",
		Method:        http.MethodPost,
		Path:          "/inbound",
		Summary:       "Accept an inbound message",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body InboundRequest `json:"body"`
	}) (*struct {
		Body InboundResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		msg := input.Body.message()
		if err := s.Inbound(msg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InboundResponse `json:"body"`
		}{Body: InboundResponse{
			Status:  "accepted",
			Pending: s.Buffer.Pending(msg.Channel, msg.Sender),
		}}, nil
	})
}

func registerContext(api huma.API, s *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "context-status",
		Method:      http.MethodGet,
		Path:        "/context/status",
		Summary:     "Context reset status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ContextStatusResponse `json:"body"`
	}, error) {
		return &struct {
			Body ContextStatusResponse `json:"body"`
		}{Body: ContextStatusResponse{Status: s.Ralph.Status()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "context-sweep",
		Method:      http.MethodPost,
		Path:        "/context/sweep",
		Summary:     "Run a context reset sweep now",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		rep, err := s.Ralph.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Report: rep}}, nil
	})
}

func registerPolicy(api huma.API, s *app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "policy",
		Method:      http.MethodGet,
		Path:        "/policy",
		Summary:     "Effective approval policy",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PolicyResponse `json:"body"`
	}, error) {
		return &struct {
			Body PolicyResponse `json:"body"`
		}{Body: policyResponse(s.Config)}, nil
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
	if in > 1000 {
		return 1000
	}
	return in
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
