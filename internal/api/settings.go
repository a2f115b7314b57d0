package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/olympus-os/olympus/internal/store"
)

func (h *APIHandler) ListModelsHandler(w http.ResponseWriter, r *http.Request) {
	models, err := h.settings.ListModels(r.Context())
	if err != nil {
		serviceError(w, r, err, "Failed to list models")
		return
	}
	JSON(w, http.StatusOK, models)
}

type ConnectModelRequest struct {
	Provider string `json:"provider"`
}

func (h *APIHandler) ConnectModelHandler(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	var req ConnectModelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		Error(w, http.StatusBadRequest, "Provider is required")
		return
	}
	model, err := h.settings.ConnectModel(r.Context(), req.Provider, modelID)
	if err != nil {
		serviceError(w, r, err, "Failed to connect model")
		return
	}
	JSON(w, http.StatusOK, model)
}

func (h *APIHandler) DisconnectModelHandler(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	removed, err := h.settings.DisconnectModel(r.Context(), modelID)
	if err != nil {
		serviceError(w, r, err, "Failed to disconnect model")
		return
	}
	if !removed {
		Error(w, http.StatusNotFound, "Model not connected")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) GetModelConfigHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.settings.ModelConfig(r.Context(), chi.URLParam(r, "modelID"))
	if err != nil {
		serviceError(w, r, err, "Failed to load model config")
		return
	}
	JSON(w, http.StatusOK, cfg)
}

func (h *APIHandler) PutModelConfigHandler(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	var cfg store.ModelConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := h.settings.PutModelConfig(r.Context(), modelID, cfg); err != nil {
		serviceError(w, r, err, "Failed to save model config")
		return
	}
	JSON(w, http.StatusOK, cfg)
}

// ListAPIKeysHandler reports which providers have a key. Keys themselves
// never leave the server.
func (h *APIHandler) ListAPIKeysHandler(w http.ResponseWriter, r *http.Request) {
	providers, err := h.settings.APIKeys().Providers()
	if err != nil {
		serviceError(w, r, err, "Failed to list API keys")
		return
	}
	out := make([]map[string]string, 0, len(providers))
	for _, p := range providers {
		out = append(out, map[string]string{"provider": p, "label": p + " API key"})
	}
	JSON(w, http.StatusOK, out)
}

type PutAPIKeyRequest struct {
	APIKey string `json:"apiKey"`
}

func (h *APIHandler) PutAPIKeyHandler(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var req PutAPIKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		Error(w, http.StatusBadRequest, "API key is empty")
		return
	}
	if err := h.settings.APIKeys().Set(provider, strings.TrimSpace(req.APIKey)); err != nil {
		serviceError(w, r, err, "Failed to store API key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteAPIKeyHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.settings.APIKeys().Delete(chi.URLParam(r, "provider")); err != nil {
		serviceError(w, r, err, "Failed to delete API key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
