package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-forge/internal/domain"
)

type createThreadRequest struct {
	LearningMode bool `json:"learning_mode"`
}

type postMessageRequest struct {
	Message string `json:"message"`
}

// CreateThread starts a negotiation thread.
func (h *Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.svc.CreateThread(r.Context(), req.LearningMode)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, res)
}

// GetThread returns a thread with its messages and spec draft.
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetThread(r.Context(), chi.URLParam(r, "threadID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, t)
}

// PostMessage runs one negotiation turn.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	// Limit per thread so a chatty client cannot flood the model provider.
	if !h.chatLimits.Allow(threadID) {
		slog.Warn("Chat rate limit exceeded", "thread_id", threadID)
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req postMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.svc.PostMessage(r.Context(), threadID, req.Message)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Generate starts generation for a READY thread. Progress is streamed
// separately; the run continues if this request goes away.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if _, err := h.svc.StartGeneration(r.Context(), threadID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	slog.Info("Generation accepted", "thread_id", threadID)
	JSON(w, http.StatusAccepted, map[string]string{
		"thread_id":    threadID,
		"state":        string(domain.StateGenerating),
		"progress_url": "/api/threads/" + threadID + "/progress",
	})
}
