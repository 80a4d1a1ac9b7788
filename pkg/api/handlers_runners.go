package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/testplane/testplane/pkg/queue"
	"github.com/testplane/testplane/pkg/registry"
)

// --- Runner lifecycle ---

func (s *server) handleRunnerRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunnerID     string            `json:"runner_id"`
		Capabilities map[string]string `json:"capabilities"`
	}

	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if req.RunnerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"runner_id is required"})

		return
	}

	lease, err := s.registry.Register(req.RunnerID, req.Capabilities)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"registering runner"})

		return
	}

	writeJSON(w, http.StatusOK, leaseResponse(lease))
}

func (s *server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{"lease token required"})

		return
	}

	lease, err := s.registry.Heartbeat(token)

	switch {
	case err == nil:
	case errors.Is(err, registry.ErrLeaseExpired):
		writeJSON(w, http.StatusGone, errorResponse{"lease expired, re-register"})

		return
	default:
		writeJSON(w, http.StatusUnauthorized, errorResponse{"unknown lease"})

		return
	}

	writeJSON(w, http.StatusOK, leaseResponse(lease))
}

func leaseResponse(l *registry.Lease) map[string]any {
	return map[string]any{
		"runner_id":    l.RunnerID,
		"lease_token":  l.Token,
		"lease_expiry": l.Expiry.UTC().Format(time.RFC3339),
	}
}

// --- Job dispatch ---

// handleJobPoll long-polls for the next dispatch job. Responds 200 with
// the claimed job, or 204 when nothing became available in the window.
func (s *server) handleJobPoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WaitSeconds int `json:"wait_seconds"`
	}

	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	maxWait := s.cfg.Queue.MaxPollSeconds
	if req.WaitSeconds < 0 || req.WaitSeconds > maxWait {
		req.WaitSeconds = maxWait
	}

	runnerID := runnerFromContext(r.Context())

	item, err := s.queue.Claim(
		r.Context(), runnerID, time.Duration(req.WaitSeconds)*time.Second,
	)
	if err != nil {
		// The client went away; nothing to respond to.
		if errors.Is(err, r.Context().Err()) {
			return
		}

		writeJSON(w, http.StatusInternalServerError, errorResponse{"claiming job"})

		return
	}

	if item == nil {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	writeJSON(w, http.StatusOK, jobResponse(item))
}

func (s *server) handleJobRenew(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	runnerID := runnerFromContext(r.Context())

	if err := s.queue.Renew(id, runnerID); err != nil {
		writeQueueError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "claimed"})
}

// handleJobComplete records a runner-reported outcome and closes the
// job. The case run's outcome is updated to what the runner observed.
func (s *server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	runnerID := runnerFromContext(r.Context())

	var req struct {
		Outcome string `json:"outcome"`
		Message string `json:"message"`
	}

	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	if req.Outcome == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"outcome is required"})

		return
	}

	item, err := s.queue.Complete(id, runnerID, queue.Result{
		Outcome: req.Outcome,
		Message: req.Message,
	})
	if err != nil {
		writeQueueError(w, err)

		return
	}

	if err := s.store.UpdateCaseRunOutcome(
		r.Context(), item.CaseRunID, req.Outcome, req.Message,
	); err != nil {
		s.log.WithError(err).WithField("case_run", item.CaseRunID).
			Warn("Recording job outcome failed")
	}

	writeJSON(w, http.StatusOK, jobResponse(item))
}

// handleJobFail records a runner-side failure. The case run is marked
// errored with the reported reason.
func (s *server) handleJobFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	runnerID := runnerFromContext(r.Context())

	var req struct {
		Reason string `json:"reason"`
	}

	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	item, err := s.queue.Fail(id, runnerID, req.Reason)
	if err != nil {
		writeQueueError(w, err)

		return
	}

	if err := s.store.UpdateCaseRunOutcome(
		r.Context(), item.CaseRunID, "error", req.Reason,
	); err != nil {
		s.log.WithError(err).WithField("case_run", item.CaseRunID).
			Warn("Recording job failure failed")
	}

	writeJSON(w, http.StatusOK, jobResponse(item))
}

func jobResponse(it *queue.Item) map[string]any {
	resp := map[string]any{
		"id":          it.ID,
		"case_run_id": it.CaseRunID,
		"state":       string(it.State),
	}

	if !it.ClaimExpiry.IsZero() {
		resp["claim_expiry"] = it.ClaimExpiry.UTC().Format(time.RFC3339)
	}

	return resp
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"job not found"})
	case errors.Is(err, queue.ErrNotClaimant):
		writeJSON(w, http.StatusConflict, errorResponse{"job is not claimed by this runner"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
	}
}
