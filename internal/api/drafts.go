package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/olympus-os/olympus/internal/core"
	"github.com/olympus-os/olympus/internal/store"
)

type DraftRequest struct {
	ChatID   string          `json:"chatId"`
	Title    string          `json:"title"`
	Messages []store.Message `json:"messages"`
	Model    string          `json:"model"`
}

// SaveDraftHandler queues a snapshot of an open conversation. Snapshots for
// the same session are coalesced and written once the session goes quiet.
func (h *APIHandler) SaveDraftHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var req DraftRequest
	if !decodeBody(w, r, &req) {
		return
	}
	for _, m := range req.Messages {
		if !m.Role.Valid() {
			Error(w, http.StatusBadRequest, core.ErrInvalidRole.Error())
			return
		}
	}

	chatID := h.scheduleDraft(userID, sessionID, req.ChatID, core.ChatSnapshot{Title: req.Title, Messages: req.Messages, Model: req.Model})
	JSON(w, http.StatusAccepted, map[string]string{"chatId": chatID})
}

// FlushDraftHandler writes the session's pending snapshot immediately and
// forgets the session.
func (h *APIHandler) FlushDraftHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	key := draftKey(userID, chi.URLParam(r, "sessionID"))

	h.draftsMu.Lock()
	saver, ok := h.drafts[key]
	delete(h.drafts, key)
	h.draftsMu.Unlock()
	if !ok {
		Error(w, http.StatusNotFound, "No draft for this session")
		return
	}

	saver.Flush(r.Context())
	chat, err := h.chats.GetChat(r.Context(), userID, saver.ChatID())
	if err != nil {
		serviceError(w, r, err, "Failed to load saved chat")
		return
	}
	if chat == nil {
		Error(w, http.StatusNotFound, "Chat not found")
		return
	}
	JSON(w, http.StatusOK, chat)
}

// scheduleDraft queues snap on the session's saver, creating one if needed,
// and returns the chat id known so far. A saver is dropped once its last
// snapshot is written, so idle sessions hold no memory; clients continue a
// dropped session by sending the returned chat id.
func (h *APIHandler) scheduleDraft(userID, sessionID, chatID string, snap core.ChatSnapshot) string {
	key := draftKey(userID, sessionID)
	h.draftsMu.Lock()
	defer h.draftsMu.Unlock()

	saver, ok := h.drafts[key]
	if !ok && len(snap.Messages) == 0 {
		return chatID
	}
	if !ok {
		saver = core.NewAutoSaver(h.chats, userID, chatID, h.autoSaveDelay, func(*store.ChatHistoryItem, error) {
			h.releaseDraft(key, saver)
		})
		h.drafts[key] = saver
	}
	// Scheduling under draftsMu keeps releaseDraft from dropping a saver
	// that has just been handed a new snapshot.
	saver.Schedule(snap)
	return saver.ChatID()
}

func (h *APIHandler) releaseDraft(key string, saver *core.AutoSaver) {
	h.draftsMu.Lock()
	defer h.draftsMu.Unlock()
	if h.drafts[key] == saver && !saver.Pending() {
		delete(h.drafts, key)
	}
}

func draftKey(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

// FlushDrafts writes every pending draft. Called on shutdown.
func (h *APIHandler) FlushDrafts(ctx context.Context) {
	h.draftsMu.Lock()
	savers := make([]*core.AutoSaver, 0, len(h.drafts))
	for key, s := range h.drafts {
		savers = append(savers, s)
		delete(h.drafts, key)
	}
	h.draftsMu.Unlock()

	for _, s := range savers {
		s.Flush(ctx)
	}
}
