package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/testplane/testplane/pkg/bus"
	"github.com/testplane/testplane/pkg/config"
	"github.com/testplane/testplane/pkg/ingest"
	"github.com/testplane/testplane/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	return dec.Decode(v)
}

// --- Public handlers ---

// handleHealth returns server health along with queue and runner
// occupancy.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.queue.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue": map[string]int{
			"pending": stats.Pending,
			"claimed": stats.Claimed,
		},
		"active_runners": s.registry.ActiveRunners(),
	})
}

// --- Test runs and imports ---

func (s *server) handleCreateTestRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string `json:"id"`
		ProjectID string `json:"project_id"`
		Name      string `json:"name"`
	}

	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if req.ProjectID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"project_id is required"})

		return
	}

	principal := principalFromContext(r.Context())
	if !principal.HasProject(req.ProjectID) {
		writeJSON(w, http.StatusForbidden,
			errorResponse{"no access to project"})

		return
	}

	tr := &store.TestRun{
		ID:        req.ID,
		ProjectID: req.ProjectID,
		Name:      req.Name,
	}

	if err := s.store.CreateTestRun(r.Context(), tr); err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"creating test run"})

		return
	}

	writeJSON(w, http.StatusCreated, tr)
}

func (s *server) handleGetTestRun(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.authorizedTestRun(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, tr)
}

// handleImport ingests an uploaded zip archive into a test run. The
// request body is the raw archive; ?pattern= overrides the configured
// default glob.
func (s *server) handleImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pattern := r.URL.Query().Get("pattern")

	maxBytes := s.cfg.Server.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxUploadBytes
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{"archive exceeds upload limit"})

			return
		}

		writeJSON(w, http.StatusBadRequest, errorResponse{"reading request body"})

		return
	}

	principal := principalFromContext(r.Context())

	outcome, err := s.importer.Import(r.Context(), principal, id, pattern, data)

	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"test run not found"})

		return
	case errors.Is(err, ingest.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{"no access to project"})

		return
	case errors.Is(err, ingest.ErrBadArchive):
		writeJSON(w, http.StatusBadRequest, errorResponse{"unreadable archive"})

		return
	default:
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (s *server) handleListSuites(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.authorizedTestRun(w, r)
	if !ok {
		return
	}

	suites, err := s.store.ListSuites(r.Context(), tr.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing suites"})

		return
	}

	writeJSON(w, http.StatusOK, suites)
}

func (s *server) handleListCaseRuns(w http.ResponseWriter, r *http.Request) {
	tr, ok := s.authorizedTestRun(w, r)
	if !ok {
		return
	}

	runs, err := s.store.ListCaseRuns(r.Context(), tr.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing case runs"})

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// authorizedTestRun loads the test run named in the route and checks
// the principal's project access. On failure it writes the error
// response and returns ok=false.
func (s *server) authorizedTestRun(
	w http.ResponseWriter, r *http.Request,
) (*store.TestRun, bool) {
	id := chi.URLParam(r, "id")

	tr, err := s.store.GetTestRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"test run not found"})
		} else {
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"getting test run"})
		}

		return nil, false
	}

	principal := principalFromContext(r.Context())
	if !principal.HasProject(tr.ProjectID) {
		writeJSON(w, http.StatusForbidden, errorResponse{"no access to project"})

		return nil, false
	}

	return tr, true
}

// --- Case run assignment ---

// handleAssignCaseRun sets a case run's assignee and publishes the
// change. Assigning to the automation principal enqueues a dispatch
// job; assigning away cancels any pending one.
func (s *server) handleAssignCaseRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Assignee string `json:"assignee"`
	}

	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	run, err := s.store.GetCaseRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"case run not found"})
		} else {
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"getting case run"})
		}

		return
	}

	if _, ok := s.authorizedTestRunByID(w, r, run.TestRunID); !ok {
		return
	}

	assignee := store.Assignee(req.Assignee)

	if err := s.store.AssignCaseRun(r.Context(), id, assignee); err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"assigning case run"})

		return
	}

	if err := s.bus.Publish(r.Context(), bus.Event{
		Kind: bus.KindAssignmentChanged,
		Payload: assignmentChanged{
			CaseRunID: id,
			Assignee:  assignee,
		},
	}); err != nil {
		s.log.WithError(err).Warn("Assignment change handler failed")
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":       id,
		"assignee": string(assignee),
	})
}

// authorizedTestRunByID is authorizedTestRun for a known test run id.
func (s *server) authorizedTestRunByID(
	w http.ResponseWriter, r *http.Request, testRunID string,
) (*store.TestRun, bool) {
	tr, err := s.store.GetTestRun(r.Context(), testRunID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"getting test run"})

		return nil, false
	}

	principal := principalFromContext(r.Context())
	if !principal.HasProject(tr.ProjectID) {
		writeJSON(w, http.StatusForbidden, errorResponse{"no access to project"})

		return nil, false
	}

	return tr, true
}

// --- Pipelines ---

func (s *server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TestRunID string `json:"test_run_id"`
	}

	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if req.TestRunID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"test_run_id is required"})

		return
	}

	if _, ok := s.authorizedTestRunByID(w, r, req.TestRunID); !ok {
		return
	}

	p := &store.Pipeline{TestRunID: req.TestRunID}

	if err := s.store.CreatePipeline(r.Context(), p); err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"creating pipeline"})

		return
	}

	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := s.store.GetPipeline(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"pipeline not found"})
		} else {
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"getting pipeline"})
		}

		return
	}

	writeJSON(w, http.StatusOK, p)
}

// handlePipelineStatus records a CI-reported status transition.
// Regressions are rejected; retry is the explicit reset path.
func (s *server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Status     string `json:"status"`
		StartError string `json:"start_error"`
	}

	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	status := store.PipelineStatus(req.Status)
	if !status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{"unknown status"})

		return
	}

	err := s.store.TransitionPipeline(r.Context(), id, status, req.StartError)

	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"pipeline not found"})

		return
	case errors.Is(err, store.ErrStatusRegression):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})

		return
	default:
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"updating pipeline"})

		return
	}

	s.publishPipelineUpdated(r, id, status)

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": string(status),
	})
}

func (s *server) handlePipelineRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.RetryPipeline(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"pipeline not found"})
		} else {
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"retrying pipeline"})
		}

		return
	}

	s.publishPipelineUpdated(r, id, store.PipelineStatusPending)

	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": string(store.PipelineStatusPending),
	})
}

func (s *server) handlePipelineArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.ArchivePipeline(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"pipeline not found"})
		} else {
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"archiving pipeline"})
		}

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"archived": true,
	})
}

func (s *server) publishPipelineUpdated(
	r *http.Request, id string, status store.PipelineStatus,
) {
	if err := s.bus.Publish(r.Context(), bus.Event{
		Kind: bus.KindPipelineUpdated,
		Payload: pipelineUpdated{
			PipelineID: id,
			Status:     status,
		},
	}); err != nil {
		s.log.WithError(err).Warn("Pipeline update handler failed")
	}
}
