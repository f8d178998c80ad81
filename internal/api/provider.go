package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shsh-forge/internal/config"
)

type providerRequest struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	Timeout   string `json:"timeout"`
}

// GetProvider returns the active completion provider without credentials.
func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		Error(w, http.StatusNotFound, "provider switching disabled")
		return
	}
	JSON(w, http.StatusOK, h.provider.Provider())
}

// PutProvider switches the completion provider at runtime. Runs already in
// flight finish on the previous provider.
func (h *Handler) PutProvider(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		Error(w, http.StatusNotFound, "provider switching disabled")
		return
	}
	var req providerRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cfg := config.ProviderConfig{
		Provider:  req.Provider,
		Model:     req.Model,
		BaseURL:   req.BaseURL,
		APIKey:    req.APIKey,
		APIKeyEnv: req.APIKeyEnv,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			Error(w, http.StatusBadRequest, "timeout must be a duration such as 90s")
			return
		}
		cfg.Timeout = d
	}
	cfg.APIKey = cfg.ResolveAPIKey()

	if err := h.provider.Reconfigure(cfg); err != nil {
		slog.Warn("Provider switch rejected", "provider", cfg.Provider, "error", err)
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, h.provider.Provider())
}
