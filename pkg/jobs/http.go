package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/jobs/pkg/common/logger"
	"github.com/synaptica-ai/jobs/pkg/common/middleware"
	"github.com/synaptica-ai/jobs/pkg/common/models"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/job-types", h.handleListJobTypes).Methods(http.MethodGet)
	r.HandleFunc("/workspaces/{workspace_id}/jobs", h.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/workspaces/{workspace_id}/jobs", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/workspaces/{workspace_id}/jobs/{job_id}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/workspaces/{workspace_id}/jobs/{job_id}", h.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/workspaces/{workspace_id}/jobs/{job_id}/cancel", h.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/workspaces/{workspace_id}/job-types/{job_type}/cancel", h.handleCancelType).Methods(http.MethodPost)
}

func (h *Handler) handleListJobTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": h.service.Registry().Types()})
}

func costRequests(in []models.CostRequest) []CostRequest {
	if len(in) == 0 {
		return nil
	}
	out := make([]CostRequest, len(in))
	for i, c := range in {
		out[i] = CostRequest{Amount: c.Amount, Unit: c.Unit}
	}
	return out
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	onDuplicate := req.OnDuplicate
	if q := r.URL.Query().Get("on_duplicate"); q != "" {
		onDuplicate = q
	}
	policy, err := ParseDuplicatePolicy(onDuplicate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	workspaceID := mux.Vars(r)["workspace_id"]
	result, err := h.service.InWorkspace(workspaceID).Submit(r.Context(), SubmitRequest{
		Type:        req.Type,
		WorkspaceID: workspaceID,
		ProjectID:   req.ProjectID,
		KeyParams:   req.KeyParams,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
		Author:      resolveActor(r),
		Priority:    req.Priority,
		GPUs:        req.GPUs,
		Cost:        costRequests(req.Cost),
		Policy:      policy,
	})
	if err != nil {
		writeError(w, err, "failed to submit job")
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, models.SubmitJobResponse{JobID: result.JobID, Existing: result.Existing})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		Type:      r.URL.Query().Get("type"),
		ProjectID: r.URL.Query().Get("project_id"),
		Limit:     parseLimit(r, 50),
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			state, err := ParseState(name)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			filter.States = append(filter.States, state)
		}
	}

	jobs, err := h.service.InWorkspace(mux.Vars(r)["workspace_id"]).List(r.Context(), filter)
	if err != nil {
		writeError(w, err, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": jobs})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	job, err := h.service.InWorkspace(vars["workspace_id"]).Get(r.Context(), vars["job_id"])
	if err != nil {
		writeError(w, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req models.CancelJobRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	vars := mux.Vars(r)
	job, err := h.service.InWorkspace(vars["workspace_id"]).RequestCancel(r.Context(), vars["job_id"], resolveActor(r), req.DeleteJob)
	if err != nil {
		writeError(w, err, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job": job})
}

func (h *Handler) handleCancelType(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := h.service.InWorkspace(vars["workspace_id"]).CancelType(r.Context(), vars["job_type"], resolveActor(r))
	if err != nil {
		writeError(w, err, "failed to cancel jobs")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"cancelled": n})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, err := h.service.InWorkspace(vars["workspace_id"]).Delete(r.Context(), vars["job_id"], resolveActor(r)); err != nil {
		writeError(w, err, "failed to delete job")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeError(w http.ResponseWriter, err error, msg string) {
	var dup *DuplicateKeyError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: dup.Error()})
	case errors.Is(err, ErrJobNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, ErrUnknownJobType), errors.Is(err, ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotCancellable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Log.WithError(err).Error(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > 500 {
		return 500
	}
	return value
}

func resolveActor(r *http.Request) string {
	if actor := middleware.ActorFrom(r.Context()); actor != "" {
		return actor
	}
	return "system"
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
