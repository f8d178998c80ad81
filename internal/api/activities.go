package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-forge/internal/forge"
)

type publishRequest struct {
	TimeLimitMinutes *int `json:"time_limit_minutes"`
}

// ListActivities returns every saved activity without problem bodies.
func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListActivities(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"activities": list})
}

// GetActivity returns an activity with its problems.
func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetActivity(r.Context(), chi.URLParam(r, "activityID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, a)
}

// PublishActivity makes an activity available to learners.
func (h *Handler) PublishActivity(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := h.svc.PublishActivity(r.Context(), chi.URLParam(r, "activityID"), req.TimeLimitMinutes)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, a)
}

// SubmitSolution grades a learner's solution.
func (h *Handler) SubmitSolution(w http.ResponseWriter, r *http.Request) {
	var req forge.SubmissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sub, err := h.svc.SubmitSolution(r.Context(), chi.URLParam(r, "activityID"), chi.URLParam(r, "problemID"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sub)
}
