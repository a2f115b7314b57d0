// Package api exposes the assistant's persistence layer over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/olympus-os/olympus/internal/auth"
	"github.com/olympus-os/olympus/internal/core"
	"github.com/olympus-os/olympus/internal/kv"
	"github.com/olympus-os/olympus/internal/schema"
	"github.com/olympus-os/olympus/internal/store"
)

type contextKey string

const userIDKey contextKey = "userID"

// maxBodyBytes caps request bodies; whole chat transcripts are posted.
const maxBodyBytes = 4 << 20

type APIHandler struct {
	gateway     *store.Gateway
	chats       *core.ChatService
	preferences *core.PreferenceService
	settings    *core.SettingsService
	tokens      *auth.TokenManager
	credentials *auth.CredentialStore

	autoSaveDelay time.Duration
	draftsMu      sync.Mutex
	drafts        map[string]*core.AutoSaver
}

func NewAPIHandler(gw *store.Gateway, chats *core.ChatService, prefs *core.PreferenceService, settings *core.SettingsService, tokens *auth.TokenManager, credentials *auth.CredentialStore, autoSaveDelay time.Duration) *APIHandler {
	return &APIHandler{
		gateway:       gw,
		chats:         chats,
		preferences:   prefs,
		settings:      settings,
		tokens:        tokens,
		credentials:   credentials,
		autoSaveDelay: autoSaveDelay,
		drafts:        make(map[string]*core.AutoSaver),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// serviceError maps a service or storage error to a status code. Unexpected
// errors are logged and reported as 500 with msg.
func serviceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var constraintErr *store.ConstraintError
	switch {
	case errors.As(err, &constraintErr):
		Error(w, http.StatusConflict, constraintErr.Error())
	case errors.Is(err, kv.ErrVersionConflict), errors.Is(err, core.ErrHistoryRewrite):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUnknownStore), errors.Is(err, store.ErrUnknownIndex),
		errors.Is(err, core.ErrAPIKeyNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidKey), errors.Is(err, core.ErrInvalidRole),
		errors.Is(err, core.ErrInvalidPreference), errors.Is(err, core.ErrInvalidModelConfig),
		errors.Is(err, core.ErrUserRequired), errors.Is(err, core.ErrEmptyTitle):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error(msg, "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, msg)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			Error(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		userID, err := h.tokens.Validate(tokenString)
		if err != nil {
			slog.Debug("Rejected bearer token", "error", err)
			Error(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin lets through only users whose record has the admin role.
// It must run after JWTAuthMiddleware.
func (h *APIHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFrom(r.Context())
		user, err := store.Get[userRecord](r.Context(), h.gateway, schema.Users, userID)
		if err != nil {
			serviceError(w, r, err, "Failed to look up user")
			return
		}
		if user == nil || user.Role != roleAdmin || user.Status == statusSuspended {
			slog.Warn("Admin route refused", "user_id", userID, "path", r.URL.Path)
			Error(w, http.StatusForbidden, "Admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

const (
	roleAdmin       = "admin"
	statusSuspended = "suspended"
)

type userRecord struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

// LoginHandler issues a token for an active user looked up by email whose
// password matches the stored hash.
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	users, err := store.ByIndex[userRecord](r.Context(), h.gateway, schema.Users, "email", email)
	if err != nil {
		serviceError(w, r, err, "Failed to look up user")
		return
	}
	var userID string
	if len(users) > 0 && users[0].Status != statusSuspended {
		userID = users[0].ID
	}
	// Unknown users still pay for a hash comparison.
	if err := h.credentials.Verify(r.Context(), userID, req.Password); err != nil || userID == "" {
		if err != nil && !errors.Is(err, auth.ErrInvalidCredentials) {
			serviceError(w, r, err, "Failed to check credentials")
			return
		}
		Error(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.tokens.Generate(userID)
	if err != nil {
		serviceError(w, r, err, "Failed to generate token")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"token": token, "userId": userID})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.Init(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type SaveChatRequest struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Messages []store.Message `json:"messages"`
	Model    string          `json:"model"`
}

// SaveChatHandler creates a chat, or updates it when the body carries the id
// of an existing chat.
func (h *APIHandler) SaveChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	var req SaveChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	chat, err := h.chats.SaveChat(r.Context(), userID, req.ID, req.Title, req.Messages, req.Model)
	if err != nil {
		serviceError(w, r, err, "Failed to save chat")
		return
	}
	status := http.StatusCreated
	if req.ID != "" && chat.ID == req.ID {
		status = http.StatusOK
	}
	JSON(w, status, chat)
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))

	chats, err := h.chats.LoadChats(r.Context(), userID, includeArchived)
	if err != nil {
		serviceError(w, r, err, "Failed to list chats")
		return
	}
	JSON(w, http.StatusOK, chats)
}

func (h *APIHandler) SearchChatsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	chats, err := h.chats.SearchChats(r.Context(), userID, r.URL.Query().Get("q"))
	if err != nil {
		serviceError(w, r, err, "Failed to search chats")
		return
	}
	JSON(w, http.StatusOK, chats)
}

func (h *APIHandler) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")

	chat, err := h.chats.GetChat(r.Context(), userID, chatID)
	if err != nil {
		serviceError(w, r, err, "Failed to get chat")
		return
	}
	if chat == nil {
		Error(w, http.StatusNotFound, "Chat not found")
		return
	}
	JSON(w, http.StatusOK, chat)
}

type UpdateChatRequest struct {
	Title    *string `json:"title,omitempty"`
	Pinned   *bool   `json:"pinned,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

func (h *APIHandler) UpdateChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")

	var req UpdateChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == nil && req.Pinned == nil && req.Archived == nil {
		Error(w, http.StatusBadRequest, "Nothing to update")
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		Error(w, http.StatusBadRequest, "Title cannot be empty")
		return
	}

	chat, err := h.chats.UpdateChat(r.Context(), userID, chatID, core.ChatPatch{
		Title:    req.Title,
		Pinned:   req.Pinned,
		Archived: req.Archived,
	})
	if err != nil {
		serviceError(w, r, err, "Failed to update chat")
		return
	}
	if chat == nil {
		Error(w, http.StatusNotFound, "Chat not found")
		return
	}
	JSON(w, http.StatusOK, chat)
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")

	if err := h.chats.DeleteChat(r.Context(), userID, chatID); err != nil {
		serviceError(w, r, err, "Failed to delete chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type FeedbackRequest struct {
	Type    store.PreferenceType `json:"type"`
	Content string               `json:"content"`
}

func (h *APIHandler) MessageFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	messageID := chi.URLParam(r, "messageID")

	var req FeedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	entry, err := h.preferences.Record(r.Context(), userID, messageID, req.Type, req.Content)
	if err != nil {
		serviceError(w, r, err, "Failed to record feedback")
		return
	}
	JSON(w, http.StatusCreated, entry)
}

func (h *APIHandler) ListPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := h.preferences.List(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		serviceError(w, r, err, "Failed to list preferences")
		return
	}
	JSON(w, http.StatusOK, entries)
}

func (h *APIHandler) PreferencePromptHandler(w http.ResponseWriter, r *http.Request) {
	text, err := h.preferences.PromptAddendum(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		serviceError(w, r, err, "Failed to build preference prompt")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"prompt": text})
}
