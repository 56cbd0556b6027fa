// Package api exposes run submission and run records over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/animus-labs/cloudpipe/internal/definition"
	"github.com/animus-labs/cloudpipe/internal/domain"
	"github.com/animus-labs/cloudpipe/internal/pipelineerr"
	"github.com/animus-labs/cloudpipe/internal/platform/auditlog"
	"github.com/animus-labs/cloudpipe/internal/platform/auth"
	"github.com/animus-labs/cloudpipe/internal/platform/httpserver"
	"github.com/animus-labs/cloudpipe/internal/platform/requestid"
	"github.com/animus-labs/cloudpipe/internal/report"
	"github.com/animus-labs/cloudpipe/internal/runs"
)

// RunService is the subset of runs.Service the API drives.
type RunService interface {
	Submit(ctx context.Context, def domain.PipelineDefinition, opts runs.Options) (string, error)
	Get(ctx context.Context, runID string) (domain.RunRecord, error)
	Cancel(ctx context.Context, runID string) error
}

type API struct {
	logger *slog.Logger
	runs   RunService
	audit  auditlog.Recorder
}

func New(logger *slog.Logger, svc RunService) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger, runs: svc, audit: auditlog.Discard{}}
}

// WithAudit records accepted submissions and cancellations to rec.
func (api *API) WithAudit(rec auditlog.Recorder) *API {
	if rec != nil {
		api.audit = rec
	}
	return api
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", api.handleSubmit)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGet)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancel)
}

type submitResponse struct {
	RunID  string           `json:"run_id"`
	Status domain.RunStatus `json:"status"`
}

type issue struct {
	Code    string `json:"code"`
	Class   string `json:"class"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// handleSubmit accepts a definition document as the body. The format comes
// from Content-Type (application/json, application/yaml) and is sniffed
// otherwise. The optional run_id query parameter makes submission
// idempotent per id.
func (api *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, definition.MaxDocumentSize+1))
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(raw) > definition.MaxDocumentSize {
		httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "definition_too_large", "")
		return
	}
	def, err := definition.Parse(raw, formatOf(r))
	if err != nil {
		api.writeDefinitionError(w, r, err)
		return
	}

	runID, err := api.runs.Submit(r.Context(), def, runs.Options{RunID: r.URL.Query().Get("run_id")})
	if err != nil {
		if pipelineerr.ClassOf(err) == pipelineerr.ClassDefinition {
			api.writeDefinitionError(w, r, err)
			return
		}
		if errors.Is(err, runs.ErrShuttingDown) {
			httpserver.WriteError(w, r, http.StatusServiceUnavailable, "shutting_down", "")
			return
		}
		api.logger.Error("submit run", "pipeline", def.Name, "error", err)
		httpserver.WriteError(w, r, http.StatusConflict, "submit_failed", err.Error())
		return
	}
	api.record(r, auditlog.ActionRunSubmit, runID, map[string]any{"pipeline": def.Name, "provider": def.Provider})
	w.Header().Set("Location", "/runs/"+runID)
	httpserver.WriteJSON(w, http.StatusAccepted, submitResponse{RunID: runID, Status: domain.RunStatusRunning})
}

func (api *API) handleGet(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	rec, err := api.runs.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
			return
		}
		api.logger.Error("get run record", "run_id", runID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, rec)
}

func (api *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	err := api.runs.Cancel(r.Context(), runID)
	switch {
	case err == nil:
		api.record(r, auditlog.ActionRunCancel, runID, nil)
		httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "cancel_requested": true})
	case errors.Is(err, report.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
	case errors.Is(err, runs.ErrNotRunning):
		httpserver.WriteError(w, r, http.StatusConflict, "not_running", "")
	default:
		api.logger.Error("cancel run", "run_id", runID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

// record is best-effort: an audit failure never fails the request.
func (api *API) record(r *http.Request, action, runID string, payload map[string]any) {
	actor := auth.Anonymous.Subject
	if id, ok := auth.IdentityFromContext(r.Context()); ok && id.Subject != "" {
		actor = id.Subject
	}
	rid, _ := requestid.FromContext(r.Context())
	err := api.audit.Record(r.Context(), auditlog.Event{
		Actor:     actor,
		Action:    action,
		RunID:     runID,
		RequestID: rid,
		IP:        auditlog.RemoteIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
		Payload:   payload,
	})
	if err != nil {
		api.logger.Warn("audit event not recorded", "action", action, "run_id", runID, "error", err)
	}
}

func (api *API) writeDefinitionError(w http.ResponseWriter, r *http.Request, err error) {
	var issues []issue
	var defErr *pipelineerr.DefinitionError
	if errors.As(err, &defErr) {
		for _, is := range defErr.Issues {
			issues = append(issues, toIssue(is))
		}
	} else if pe, ok := pipelineerr.As(err); ok {
		issues = append(issues, toIssue(pe))
	}
	httpserver.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"error":  "invalid_definition",
		"issues": issues,
	})
}

func toIssue(e *pipelineerr.Error) issue {
	return issue{Code: string(e.Code), Class: string(e.Class()), Stage: e.Stage, Message: e.Error()}
}

func formatOf(r *http.Request) definition.Format {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return definition.FormatAuto
	}
	switch {
	case mt == "application/json":
		return definition.FormatJSON
	case strings.Contains(mt, "yaml"):
		return definition.FormatYAML
	default:
		return definition.FormatAuto
	}
}
