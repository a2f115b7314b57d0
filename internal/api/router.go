package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HealthHandler)
		r.Post("/login", h.LoginHandler)

		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware)

			r.Route("/chats", func(r chi.Router) {
				r.Get("/", h.ListChatsHandler)
				r.Post("/", h.SaveChatHandler)
				r.Get("/search", h.SearchChatsHandler)
				r.Put("/drafts/{sessionID}", h.SaveDraftHandler)
				r.Post("/drafts/{sessionID}/flush", h.FlushDraftHandler)
				r.Get("/{chatID}", h.GetChatHandler)
				r.Patch("/{chatID}", h.UpdateChatHandler)
				r.Delete("/{chatID}", h.DeleteChatHandler)
			})

			r.Post("/messages/{messageID}/feedback", h.MessageFeedbackHandler)
			r.Get("/preferences", h.ListPreferencesHandler)
			r.Get("/preferences/prompt", h.PreferencePromptHandler)

			r.Route("/stores/{store}", func(r chi.Router) {
				r.Get("/records", h.ListRecordsHandler)
				r.Get("/records/{id}", h.GetRecordHandler)
				r.Get("/count", h.CountRecordsHandler)
				r.Get("/indexes/{index}", h.QueryIndexHandler)

				r.Group(func(r chi.Router) {
					r.Use(h.RequireAdmin)
					r.Post("/records", h.AddRecordHandler)
					r.Delete("/records", h.ClearStoreHandler)
					r.Put("/records/{id}", h.PutRecordHandler)
					r.Delete("/records/{id}", h.DeleteRecordHandler)
				})
			})

			r.Route("/settings", func(r chi.Router) {
				r.Get("/models", h.ListModelsHandler)
				r.Put("/models/{modelID}", h.ConnectModelHandler)
				r.Delete("/models/{modelID}", h.DisconnectModelHandler)
				r.Get("/models/{modelID}/config", h.GetModelConfigHandler)
				r.Put("/models/{modelID}/config", h.PutModelConfigHandler)
				r.Get("/api-keys", h.ListAPIKeysHandler)
				r.With(h.RequireAdmin).Put("/api-keys/{provider}", h.PutAPIKeyHandler)
				r.With(h.RequireAdmin).Delete("/api-keys/{provider}", h.DeleteAPIKeyHandler)
			})
		})
	})

	return r
}
