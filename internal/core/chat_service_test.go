package core

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olympus-os/olympus/internal/kv"
	"github.com/olympus-os/olympus/internal/store"
)

func newTestKV(t *testing.T) *kv.Store {
	t.Helper()
	s, err := kv.Open(kv.Config{Path: filepath.Join(t.TempDir(), "kv.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeClock advances one second per call.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestChatService(t *testing.T) *ChatService {
	t.Helper()
	svc := NewChatService(newTestKV(t))
	clock := &fakeClock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	svc.now = clock.Now
	return svc
}

func userMsg(content string) store.Message {
	return store.Message{Role: store.RoleUser, Content: content}
}

func assistantMsg(content string) store.Message {
	return store.Message{Role: store.RoleAssistant, Content: content}
}

func TestSaveChatCreatesConversation(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	chat, err := svc.SaveChat(ctx, "u1", "", "", []store.Message{userMsg("How many open leads do we have?")}, "gemini-pro")
	require.NoError(t, err)
	require.NotEmpty(t, chat.ID)
	assert.Equal(t, "u1", chat.UserID)
	assert.Equal(t, "How many open leads do we have?", chat.Title)
	assert.Equal(t, "gemini-pro", chat.Model)
	assert.Equal(t, chat.CreatedAt, chat.UpdatedAt)
	require.Len(t, chat.Messages, 1)
	assert.NotEmpty(t, chat.Messages[0].ID)
	assert.False(t, chat.Messages[0].Timestamp.IsZero())

	chats, err := svc.LoadChats(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, chat.ID, chats[0].ID)
}

func TestSaveChatUpdatesWithoutDuplicating(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	first, err := svc.SaveChat(ctx, "u1", "", "", []store.Message{userMsg("hello")}, "m")
	require.NoError(t, err)

	// clients resend the whole transcript, earlier messages without ids
	msgs := []store.Message{userMsg("hello"), assistantMsg("Hi! How can I help?")}
	second, err := svc.SaveChat(ctx, "u1", first.ID, first.Title, msgs, "m")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	require.Len(t, second.Messages, 2)
	assert.Equal(t, first.Messages[0].ID, second.Messages[0].ID)
	assert.Equal(t, first.Messages[0].Timestamp, second.Messages[0].Timestamp)

	chats, err := svc.LoadChats(ctx, "u1", false)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestSaveChatRejectsHistoryRewrite(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	chat, err := svc.SaveChat(ctx, "u1", "", "", []store.Message{userMsg("a"), assistantMsg("b")}, "m")
	require.NoError(t, err)

	_, err = svc.SaveChat(ctx, "u1", chat.ID, chat.Title, []store.Message{userMsg("a")}, "m")
	assert.ErrorIs(t, err, ErrHistoryRewrite, "dropping a message")

	_, err = svc.SaveChat(ctx, "u1", chat.ID, chat.Title, []store.Message{userMsg("a"), assistantMsg("edited")}, "m")
	assert.ErrorIs(t, err, ErrHistoryRewrite, "editing a message")

	got, err := svc.GetChat(ctx, "u1", chat.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Messages[1].Content)
}

func TestSaveChatValidatesInput(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	_, err := svc.SaveChat(ctx, "u1", "", "", []store.Message{{Role: "robot", Content: "x"}}, "m")
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = svc.SaveChat(ctx, " ", "", "", []store.Message{userMsg("x")}, "m")
	assert.ErrorIs(t, err, ErrUserRequired)
}

func TestSaveChatWithForeignIDCreatesNewChat(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	theirs, err := svc.SaveChat(ctx, "u1", "", "", []store.Message{userMsg("mine")}, "m")
	require.NoError(t, err)

	ours, err := svc.SaveChat(ctx, "u2", theirs.ID, "", []store.Message{userMsg("other")}, "m")
	require.NoError(t, err)
	assert.NotEqual(t, theirs.ID, ours.ID)

	got, err := svc.GetChat(ctx, "u1", theirs.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "mine", got.Messages[0].Content)
}

func TestLoadChatsIsolatesUsersAndSortsByRecency(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	older, err := svc.SaveChat(ctx, "u1", "", "older", []store.Message{userMsg("1")}, "m")
	require.NoError(t, err)
	newer, err := svc.SaveChat(ctx, "u1", "", "newer", []store.Message{userMsg("2")}, "m")
	require.NoError(t, err)
	_, err = svc.SaveChat(ctx, "u2", "", "someone else", []store.Message{userMsg("3")}, "m")
	require.NoError(t, err)

	chats, err := svc.LoadChats(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, newer.ID, chats[0].ID)
	assert.Equal(t, older.ID, chats[1].ID)

	none, err := svc.LoadChats(ctx, "nobody", false)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestArchiveHidesChatUnlessRequested(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	chat, err := svc.SaveChat(ctx, "u1", "", "", []store.Message{userMsg("x")}, "m")
	require.NoError(t, err)

	archived, err := svc.ArchiveChat(ctx, "u1", chat.ID, true)
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.True(t, archived.IsArchived)
	assert.Equal(t, chat.UpdatedAt, archived.UpdatedAt)

	visible, err := svc.LoadChats(ctx, "u1", false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := svc.LoadChats(ctx, "u1", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = svc.ArchiveChat(ctx, "u1", chat.ID, false)
	require.NoError(t, err)
	visible, err = svc.LoadChats(ctx, "u1", false)
	require.NoError(t, err)
	assert.Len(t, visible, 1)
}

func TestRenameAndPin(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	chat, err := svc.SaveChat(ctx, "u1", "", "", []store.Message{userMsg("x")}, "m")
	require.NoError(t, err)

	renamed, err := svc.RenameChat(ctx, "u1", chat.ID, "  Q3 pipeline  ")
	require.NoError(t, err)
	require.NotNil(t, renamed)
	assert.Equal(t, "Q3 pipeline", renamed.Title)
	assert.True(t, renamed.UpdatedAt.After(chat.UpdatedAt))

	_, err = svc.RenameChat(ctx, "u1", chat.ID, "   ")
	assert.Error(t, err)

	pinned, err := svc.PinChat(ctx, "u1", chat.ID, true)
	require.NoError(t, err)
	require.NotNil(t, pinned)
	assert.True(t, pinned.IsPinned)
	assert.Equal(t, "Q3 pipeline", pinned.Title)

	missing, err := svc.PinChat(ctx, "u1", "nope", true)
	require.NoError(t, err)
	assert.Nil(t, missing)

	foreign, err := svc.RenameChat(ctx, "u2", chat.ID, "hijack")
	require.NoError(t, err)
	assert.Nil(t, foreign)
}

func TestSaveWithoutTitleKeepsRename(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	chat, err := svc.SaveChat(ctx, "u1", "", "", []store.Message{userMsg("hello there")}, "m")
	require.NoError(t, err)
	assert.Equal(t, "hello there", chat.Title)

	_, err = svc.RenameChat(ctx, "u1", chat.ID, "My project")
	require.NoError(t, err)

	msgs := append(chat.Messages, assistantMsg("Hi!"))
	saved, err := svc.SaveChat(ctx, "u1", chat.ID, "", msgs, "m")
	require.NoError(t, err)
	assert.Equal(t, "My project", saved.Title)

	got, err := svc.GetChat(ctx, "u1", chat.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "My project", got.Title)
	assert.Len(t, got.Messages, 2)

	saved, err = svc.SaveChat(ctx, "u1", chat.ID, "Explicit", msgs, "m")
	require.NoError(t, err)
	assert.Equal(t, "Explicit", saved.Title)
}

func TestUpdateChatAppliesPatchInOneWrite(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	chat, err := svc.SaveChat(ctx, "u1", "", "", []store.Message{userMsg("x")}, "m")
	require.NoError(t, err)
	_, before, err := svc.kv.Get(ctx, kv.KeyChats)
	require.NoError(t, err)

	title, pinned, archived := "Renamed", true, true
	updated, err := svc.UpdateChat(ctx, "u1", chat.ID, ChatPatch{Title: &title, Pinned: &pinned, Archived: &archived})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "Renamed", updated.Title)
	assert.True(t, updated.IsPinned)
	assert.True(t, updated.IsArchived)
	assert.True(t, updated.UpdatedAt.After(chat.UpdatedAt))

	_, after, err := svc.kv.Get(ctx, kv.KeyChats)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	blank := "  "
	_, err = svc.UpdateChat(ctx, "u1", chat.ID, ChatPatch{Title: &blank, Pinned: &pinned})
	assert.ErrorIs(t, err, ErrEmptyTitle)

	_, unchanged, err := svc.kv.Get(ctx, kv.KeyChats)
	require.NoError(t, err)
	assert.Equal(t, after, unchanged)
}

func TestDeleteChatIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	keep, err := svc.SaveChat(ctx, "u1", "", "", []store.Message{userMsg("keep")}, "m")
	require.NoError(t, err)
	drop, err := svc.SaveChat(ctx, "u1", "", "", []store.Message{userMsg("drop")}, "m")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteChat(ctx, "u1", drop.ID))
	require.NoError(t, svc.DeleteChat(ctx, "u1", drop.ID))

	chats, err := svc.LoadChats(ctx, "u1", true)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, keep.ID, chats[0].ID)

	// another user cannot delete it
	require.NoError(t, svc.DeleteChat(ctx, "u2", keep.ID))
	got, err := svc.GetChat(ctx, "u1", keep.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSearchChats(t *testing.T) {
	ctx := context.Background()
	svc := newTestChatService(t)

	_, err := svc.SaveChat(ctx, "u1", "", "Invoices overdue", []store.Message{userMsg("list them")}, "m")
	require.NoError(t, err)
	_, err = svc.SaveChat(ctx, "u1", "", "Team", []store.Message{userMsg("who owns the ACME lead?")}, "m")
	require.NoError(t, err)

	byTitle, err := svc.SearchChats(ctx, "u1", "INVOICE")
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, "Invoices overdue", byTitle[0].Title)

	byContent, err := svc.SearchChats(ctx, "u1", "acme")
	require.NoError(t, err)
	require.Len(t, byContent, 1)
	assert.Equal(t, "Team", byContent[0].Title)

	all, err := svc.SearchChats(ctx, "u1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCorruptHistoryLoadsEmpty(t *testing.T) {
	ctx := context.Background()
	kvStore := newTestKV(t)
	require.NoError(t, kvStore.Set(ctx, kv.KeyChats, "not a list"))

	svc := NewChatService(kvStore)
	chats, err := svc.LoadChats(ctx, "u1", true)
	require.NoError(t, err)
	assert.Empty(t, chats)

	_, err = svc.SaveChat(ctx, "u1", "", "", []store.Message{userMsg("fresh start")}, "m")
	require.NoError(t, err)
	chats, err = svc.LoadChats(ctx, "u1", true)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestGenerateTitle(t *testing.T) {
	long := strings.Repeat("a", 60)

	tests := []struct {
		name     string
		messages []store.Message
		want     string
	}{
		{"short", []store.Message{userMsg("Show overdue invoices")}, "Show overdue invoices"},
		{"clipped", []store.Message{userMsg(long)}, strings.Repeat("a", 50) + "..."},
		{"exactly fifty", []store.Message{userMsg(strings.Repeat("b", 50))}, strings.Repeat("b", 50)},
		{"skips assistant", []store.Message{assistantMsg("Hello!"), userMsg("real question")}, "real question"},
		{"trims", []store.Message{userMsg("   spaced   ")}, "spaced"},
		{"no user message", []store.Message{assistantMsg("Hello!")}, "New Chat"},
		{"empty", nil, "New Chat"},
		{"multibyte", []store.Message{userMsg(strings.Repeat("é", 55))}, strings.Repeat("é", 50) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GenerateTitle(tt.messages))
		})
	}

	assert.Len(t, GenerateTitle([]store.Message{userMsg(long)}), 53)
}
