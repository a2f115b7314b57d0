package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/olympus-os/olympus/internal/store"
)

// DefaultAutoSaveDelay is the quiet period before a pending snapshot is written.
const DefaultAutoSaveDelay = 500 * time.Millisecond

// ChatSnapshot is the state of an open conversation at one point in time.
type ChatSnapshot struct {
	Title    string
	Messages []store.Message
	Model    string
}

// AutoSaver coalesces rapid edits to one open conversation into a single
// SaveChat call once the conversation has been quiet for the delay. The chat
// id assigned by the first save is reused for every later save.
type AutoSaver struct {
	chats     *ChatService
	userID    string
	debounced func(func())
	onSaved   func(*store.ChatHistoryItem, error)

	mu      sync.Mutex
	chatID  string
	pending *ChatSnapshot
	saving  sync.Mutex
}

// NewAutoSaver starts tracking a conversation. chatID may be empty for a
// conversation that has not been saved yet. onSaved may be nil.
func NewAutoSaver(chats *ChatService, userID, chatID string, delay time.Duration, onSaved func(*store.ChatHistoryItem, error)) *AutoSaver {
	if delay <= 0 {
		delay = DefaultAutoSaveDelay
	}
	return &AutoSaver{
		chats:     chats,
		userID:    userID,
		chatID:    chatID,
		debounced: debounce.New(delay),
		onSaved:   onSaved,
	}
}

// ChatID returns the id of the tracked conversation, empty until first saved.
func (a *AutoSaver) ChatID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatID
}

// Pending reports whether a snapshot is waiting to be written.
func (a *AutoSaver) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending != nil
}

// Schedule replaces the pending snapshot and restarts the quiet period.
// Empty conversations are not saved.
func (a *AutoSaver) Schedule(snap ChatSnapshot) {
	if len(snap.Messages) == 0 {
		return
	}
	a.mu.Lock()
	a.pending = &snap
	a.mu.Unlock()
	a.debounced(func() {
		a.save(context.Background())
	})
}

// Flush cancels the timer and writes the pending snapshot now, if any.
func (a *AutoSaver) Flush(ctx context.Context) {
	a.debounced(func() {})
	a.save(ctx)
}

func (a *AutoSaver) save(ctx context.Context) {
	a.saving.Lock()
	defer a.saving.Unlock()

	a.mu.Lock()
	snap := a.pending
	a.pending = nil
	chatID := a.chatID
	a.mu.Unlock()
	if snap == nil {
		return
	}

	saved, err := a.chats.SaveChat(ctx, a.userID, chatID, snap.Title, snap.Messages, snap.Model)
	if err != nil {
		slog.Error("Auto-save failed", "chat_id", chatID, "user_id", a.userID, "error", err)
	} else {
		a.mu.Lock()
		a.chatID = saved.ID
		a.mu.Unlock()
	}
	if a.onSaved != nil {
		a.onSaved(saved, err)
	}
}
