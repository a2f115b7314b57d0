package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/olympus-os/olympus/internal/kv"
	"github.com/olympus-os/olympus/internal/store"
)

var (
	ErrInvalidRole    = errors.New("message role must be user, assistant or system")
	ErrHistoryRewrite = errors.New("stored messages cannot be edited or removed, only appended")
	ErrUserRequired   = errors.New("user id is required")
	ErrEmptyTitle     = errors.New("title cannot be empty")
)

// ChatService keeps every user's conversations as one list in the
// key-value store. Mutations rewrite the whole list under a version check.
type ChatService struct {
	kv  *kv.Store
	now func() time.Time
}

func NewChatService(kvStore *kv.Store) *ChatService {
	return &ChatService{kv: kvStore, now: time.Now}
}

// SaveChat updates chatID in place when it exists and belongs to userID,
// otherwise it creates a new conversation. A new conversation without a title
// gets one derived from the first user message; an update without a title
// keeps the stored one.
func (s *ChatService) SaveChat(ctx context.Context, userID, chatID, title string, messages []store.Message, model string) (*store.ChatHistoryItem, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserRequired
	}
	if err := validateRoles(messages); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	now := s.now()

	var saved store.ChatHistoryItem
	_, err := kv.Update(ctx, s.kv, kv.KeyChats, func(chats []store.ChatHistoryItem) ([]store.ChatHistoryItem, error) {
		if chatID != "" {
			for i := range chats {
				if chats[i].ID != chatID || chats[i].UserID != userID {
					continue
				}
				msgs := stampMessages(chats[i].Messages, messages, now)
				if !extendsHistory(chats[i].Messages, msgs) {
					return nil, ErrHistoryRewrite
				}
				if title != "" {
					chats[i].Title = title
				}
				chats[i].Messages = msgs
				chats[i].Model = model
				chats[i].UpdatedAt = now
				saved = chats[i]
				return chats, nil
			}
		}
		newTitle := title
		if newTitle == "" {
			newTitle = GenerateTitle(messages)
		}
		saved = store.ChatHistoryItem{
			ID:        uuid.NewString(),
			UserID:    userID,
			Title:     newTitle,
			Messages:  stampMessages(nil, messages, now),
			Model:     model,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return append(chats, saved), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save chat: %w", err)
	}
	slog.Debug("Chat saved", "chat_id", saved.ID, "user_id", userID, "messages", len(saved.Messages))
	return &saved, nil
}

// LoadChats returns userID's conversations, most recently updated first.
func (s *ChatService) LoadChats(ctx context.Context, userID string, includeArchived bool) ([]store.ChatHistoryItem, error) {
	chats, err := kv.Load[[]store.ChatHistoryItem](ctx, s.kv, kv.KeyChats)
	if err != nil {
		return nil, fmt.Errorf("failed to load chats: %w", err)
	}
	out := make([]store.ChatHistoryItem, 0, len(chats))
	for _, c := range chats {
		if c.UserID != userID {
			continue
		}
		if c.IsArchived && !includeArchived {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// GetChat returns nil when the chat does not exist or is not userID's.
func (s *ChatService) GetChat(ctx context.Context, userID, chatID string) (*store.ChatHistoryItem, error) {
	chats, err := s.LoadChats(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	for i := range chats {
		if chats[i].ID == chatID {
			return &chats[i], nil
		}
	}
	return nil, nil
}

// SearchChats matches query case-insensitively against titles and message
// content, archived chats included.
func (s *ChatService) SearchChats(ctx context.Context, userID, query string) ([]store.ChatHistoryItem, error) {
	chats, err := s.LoadChats(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return chats, nil
	}
	out := chats[:0]
	for _, c := range chats {
		if chatMatches(c, q) {
			out = append(out, c)
		}
	}
	return out, nil
}

func chatMatches(c store.ChatHistoryItem, q string) bool {
	if strings.Contains(strings.ToLower(c.Title), q) {
		return true
	}
	for _, m := range c.Messages {
		if strings.Contains(strings.ToLower(m.Content), q) {
			return true
		}
	}
	return false
}

// ChatPatch lists the metadata changes of UpdateChat. Nil fields are left as
// they are.
type ChatPatch struct {
	Title    *string
	Pinned   *bool
	Archived *bool
}

// UpdateChat applies every field of patch in a single write. Only a title
// change bumps updatedAt.
func (s *ChatService) UpdateChat(ctx context.Context, userID, chatID string, patch ChatPatch) (*store.ChatHistoryItem, error) {
	var title string
	if patch.Title != nil {
		title = strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, ErrEmptyTitle
		}
	}
	return s.mutate(ctx, userID, chatID, func(c *store.ChatHistoryItem) {
		if patch.Title != nil {
			c.Title = title
			c.UpdatedAt = s.now()
		}
		if patch.Pinned != nil {
			c.IsPinned = *patch.Pinned
		}
		if patch.Archived != nil {
			c.IsArchived = *patch.Archived
		}
	})
}

func (s *ChatService) RenameChat(ctx context.Context, userID, chatID, title string) (*store.ChatHistoryItem, error) {
	return s.UpdateChat(ctx, userID, chatID, ChatPatch{Title: &title})
}

func (s *ChatService) PinChat(ctx context.Context, userID, chatID string, pinned bool) (*store.ChatHistoryItem, error) {
	return s.UpdateChat(ctx, userID, chatID, ChatPatch{Pinned: &pinned})
}

func (s *ChatService) ArchiveChat(ctx context.Context, userID, chatID string, archived bool) (*store.ChatHistoryItem, error) {
	return s.UpdateChat(ctx, userID, chatID, ChatPatch{Archived: &archived})
}

// DeleteChat removes a conversation. Deleting an unknown id is a no-op.
func (s *ChatService) DeleteChat(ctx context.Context, userID, chatID string) error {
	_, err := kv.Update(ctx, s.kv, kv.KeyChats, func(chats []store.ChatHistoryItem) ([]store.ChatHistoryItem, error) {
		kept := make([]store.ChatHistoryItem, 0, len(chats))
		for _, c := range chats {
			if c.ID == chatID && c.UserID == userID {
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == len(chats) {
			return nil, kv.ErrNoChange
		}
		return kept, nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", chatID, err)
	}
	return nil
}

// mutate applies fn to one chat and rewrites the list. Returns nil when the
// chat is not found.
func (s *ChatService) mutate(ctx context.Context, userID, chatID string, fn func(*store.ChatHistoryItem)) (*store.ChatHistoryItem, error) {
	var (
		updated store.ChatHistoryItem
		found   bool
	)
	_, err := kv.Update(ctx, s.kv, kv.KeyChats, func(chats []store.ChatHistoryItem) ([]store.ChatHistoryItem, error) {
		found = false
		for i := range chats {
			if chats[i].ID == chatID && chats[i].UserID == userID {
				fn(&chats[i])
				updated = chats[i]
				found = true
				return chats, nil
			}
		}
		return nil, kv.ErrNoChange
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update chat %s: %w", chatID, err)
	}
	if !found {
		return nil, nil
	}
	return &updated, nil
}

func validateRoles(messages []store.Message) error {
	for i, m := range messages {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: %w (got %q)", i, ErrInvalidRole, m.Role)
		}
	}
	return nil
}

// stampMessages copies messages, filling in ids and timestamps. A message
// without an id that sits where an identical stored message sits takes
// over that message's id and timestamp.
func stampMessages(stored, messages []store.Message, now time.Time) []store.Message {
	out := make([]store.Message, len(messages))
	for i, m := range messages {
		if m.ID == "" && i < len(stored) && stored[i].Role == m.Role && stored[i].Content == m.Content {
			m.ID = stored[i].ID
			m.Timestamp = stored[i].Timestamp
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		out[i] = m
	}
	return out
}

// extendsHistory reports whether next keeps every stored message unchanged
// and in place.
func extendsHistory(stored, next []store.Message) bool {
	if len(next) < len(stored) {
		return false
	}
	for i, m := range stored {
		n := next[i]
		if n.ID != m.ID || n.Role != m.Role || n.Content != m.Content {
			return false
		}
	}
	return true
}
