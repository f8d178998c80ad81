// Package api provides HTTP handlers for the forge API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/shsh-forge/internal/config"
	"github.com/ashureev/shsh-forge/internal/domain"
	"github.com/ashureev/shsh-forge/internal/forge"
	"github.com/ashureev/shsh-forge/internal/negotiation"
	"github.com/ashureev/shsh-forge/internal/progress"
	"github.com/ashureev/shsh-forge/internal/store"
)

const (
	maxRequestBodySize       = 128 * 1024
	defaultSSERetryDelay     = 5 * time.Second
	defaultWSWriteTimeout    = 5 * time.Second
	defaultChatRateLimit     = 1
	defaultChatRateBurst     = 5
	errInternal              = "internal error"
	errInvalidRequestBody    = "invalid request body"
	errRequestBodyTooLarge   = "request body too large"
	errProgressNotAvailable  = "no generation run for this thread"
	errStreamingNotSupported = "streaming not supported"
)

// Service is the forge API surface used by the handlers.
type Service interface {
	CreateThread(ctx context.Context, learningMode bool) (*forge.CreateThreadResult, error)
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)
	PostMessage(ctx context.Context, threadID, message string) (*negotiation.TurnResult, error)
	StartGeneration(ctx context.Context, threadID string) (*forge.RunHandle, error)
	SubscribeProgress(threadID string, afterSeq int64) (*progress.Subscription, error)
	Unsubscribe(sub *progress.Subscription)
	Dropped(sub *progress.Subscription) bool
	ListActivities(ctx context.Context) ([]*domain.Activity, error)
	GetActivity(ctx context.Context, id string) (*domain.Activity, error)
	PublishActivity(ctx context.Context, id string, timeLimitMinutes *int) (*domain.Activity, error)
	SubmitSolution(ctx context.Context, activityID, problemID string, req forge.SubmissionRequest) (*domain.Submission, error)
}

// ProviderSwitcher reads and replaces the active completion provider.
type ProviderSwitcher interface {
	Provider() config.ProviderConfig
	Reconfigure(cfg config.ProviderConfig) error
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Handler.
type Options struct {
	Service        Service
	Provider       ProviderSwitcher
	Health         Pinger
	AllowedOrigins []string
	SSERetryDelay  time.Duration
	ChatRateLimit  float64
	ChatRateBurst  int
}

// Handler serves the forge HTTP API.
type Handler struct {
	svc            Service
	provider       ProviderSwitcher
	health         Pinger
	allowedOrigins []string
	retryDelay     time.Duration
	chatLimits     *threadLimiter
}

// NewHandler creates a Handler.
func NewHandler(o Options) *Handler {
	h := &Handler{
		svc:            o.Service,
		provider:       o.Provider,
		health:         o.Health,
		allowedOrigins: o.AllowedOrigins,
		retryDelay:     o.SSERetryDelay,
	}
	if h.retryDelay <= 0 {
		h.retryDelay = defaultSSERetryDelay
	}
	limit, burst := o.ChatRateLimit, o.ChatRateBurst
	if limit <= 0 {
		limit = defaultChatRateLimit
	}
	if burst <= 0 {
		burst = defaultChatRateBurst
	}
	h.chatLimits = newThreadLimiter(limit, burst)
	if len(h.allowedOrigins) == 0 {
		h.allowedOrigins = []string{"*"}
	}
	return h
}

// RegisterRoutes registers every API route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/threads", func(r chi.Router) {
			r.Post("/", h.CreateThread)
			r.Get("/{threadID}", h.GetThread)
			r.Post("/{threadID}/messages", h.PostMessage)
			r.Post("/{threadID}/generate", h.Generate)
			r.Get("/{threadID}/progress", h.StreamProgress)
		})
		r.Route("/activities", func(r chi.Router) {
			r.Get("/", h.ListActivities)
			r.Get("/{activityID}", h.GetActivity)
			r.Post("/{activityID}/publish", h.PublishActivity)
			r.Post("/{activityID}/problems/{problemID}/submissions", h.SubmitSolution)
		})
		r.Get("/provider", h.GetProvider)
		r.Put("/provider", h.PutProvider)
	})

	r.Get("/ws/threads/{threadID}/progress", h.ProgressSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeBody reads a JSON request body into v. An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, errRequestBodyTooLarge)
		return false
	}
	Error(w, http.StatusBadRequest, errInvalidRequestBody)
	return false
}

// writeServiceError maps service errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, progress.ErrUnknownRun):
		Error(w, http.StatusNotFound, errProgressNotAvailable)
	case errors.Is(err, forge.ErrInvalidState), errors.Is(err, store.ErrVersionConflict):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, forge.ErrInvalidInput):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, errInternal)
	}
}
