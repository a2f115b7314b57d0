package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olympus-os/olympus/internal/store"
)

type saveRecorder struct {
	mu    sync.Mutex
	saves []*store.ChatHistoryItem
}

func (r *saveRecorder) record(item *store.ChatHistoryItem, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.saves = append(r.saves, item)
	}
}

func (r *saveRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func TestAutoSaverCoalescesBursts(t *testing.T) {
	ctx := context.Background()
	chats := NewChatService(newTestKV(t))
	rec := &saveRecorder{}
	saver := NewAutoSaver(chats, "u1", "", 30*time.Millisecond, rec.record)

	msgs := []store.Message{userMsg("draft")}
	for i := 0; i < 5; i++ {
		msgs = append(msgs, assistantMsg("chunk"))
		saver.Schedule(ChatSnapshot{Messages: append([]store.Message(nil), msgs...), Model: "m"})
	}

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())

	list, err := chats.LoadChats(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Messages, 6)
	assert.Equal(t, list[0].ID, saver.ChatID())
}

func TestAutoSaverReusesChatID(t *testing.T) {
	ctx := context.Background()
	chats := NewChatService(newTestKV(t))
	saver := NewAutoSaver(chats, "u1", "", time.Hour, nil)

	saver.Schedule(ChatSnapshot{Messages: []store.Message{userMsg("first")}})
	saver.Flush(ctx)
	id := saver.ChatID()
	require.NotEmpty(t, id)

	saver.Schedule(ChatSnapshot{Messages: []store.Message{userMsg("first"), assistantMsg("reply")}})
	saver.Flush(ctx)
	assert.Equal(t, id, saver.ChatID())

	list, err := chats.LoadChats(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Messages, 2)
}

func TestAutoSaverFlushWithoutPendingIsNoop(t *testing.T) {
	ctx := context.Background()
	chats := NewChatService(newTestKV(t))
	rec := &saveRecorder{}
	saver := NewAutoSaver(chats, "u1", "", time.Hour, rec.record)

	saver.Schedule(ChatSnapshot{})
	saver.Flush(ctx)
	assert.Zero(t, rec.count())

	list, err := chats.LoadChats(ctx, "u1", true)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAutoSaverPendingClearsAfterSave(t *testing.T) {
	chats := NewChatService(newTestKV(t))
	saver := NewAutoSaver(chats, "u1", "", time.Hour, nil)
	assert.False(t, saver.Pending())

	saver.Schedule(ChatSnapshot{Messages: []store.Message{userMsg("hi")}})
	assert.True(t, saver.Pending())

	saver.Flush(context.Background())
	assert.False(t, saver.Pending())
}
