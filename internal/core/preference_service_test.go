package core

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olympus-os/olympus/internal/store"
)

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	svc := NewPreferenceService(newTestKV(t))

	entries, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	good, err := svc.Record(ctx, "u1", "msg-1", store.PreferenceGood, "Concise table of leads")
	require.NoError(t, err)
	assert.NotEmpty(t, good.ID)
	assert.Equal(t, "msg-1", good.MessageID)

	_, err = svc.Record(ctx, "u1", "msg-2", store.PreferenceBad, "Wall of text")
	require.NoError(t, err)

	entries, err = svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.PreferenceGood, entries[0].Type)
	assert.Equal(t, store.PreferenceBad, entries[1].Type)
}

func TestRecordValidates(t *testing.T) {
	ctx := context.Background()
	svc := NewPreferenceService(newTestKV(t))

	_, err := svc.Record(ctx, "u1", "msg-1", "meh", "x")
	assert.ErrorIs(t, err, ErrInvalidPreference)

	_, err = svc.Record(ctx, "u1", "", store.PreferenceGood, "x")
	assert.Error(t, err)

	_, err = svc.Record(ctx, "", "msg-1", store.PreferenceGood, "x")
	assert.ErrorIs(t, err, ErrUserRequired)
}

func TestRecentKeepsLastFivePerType(t *testing.T) {
	ctx := context.Background()
	svc := NewPreferenceService(newTestKV(t))

	for i := 1; i <= 7; i++ {
		_, err := svc.Record(ctx, "u1", fmt.Sprintf("g%d", i), store.PreferenceGood, fmt.Sprintf("good %d", i))
		require.NoError(t, err)
	}
	for i := 1; i <= 2; i++ {
		_, err := svc.Record(ctx, "u1", fmt.Sprintf("b%d", i), store.PreferenceBad, fmt.Sprintf("bad %d", i))
		require.NoError(t, err)
	}

	good, bad, err := svc.Recent(ctx, "u1", PreferenceWindow)
	require.NoError(t, err)
	require.Len(t, good, 5)
	assert.Equal(t, "good 3", good[0].Content)
	assert.Equal(t, "good 7", good[4].Content)
	assert.Len(t, bad, 2)

	all, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 9, "the log itself is never trimmed")
}

func TestPromptAddendum(t *testing.T) {
	ctx := context.Background()
	svc := NewPreferenceService(newTestKV(t))

	text, err := svc.PromptAddendum(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, text)

	_, err = svc.Record(ctx, "u1", "m1", store.PreferenceGood, "Short bullet\nlist")
	require.NoError(t, err)

	text, err = svc.PromptAddendum(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, text, "liked")
	assert.Contains(t, text, "- Short bullet list")
	assert.NotContains(t, text, "disliked")

	_, err = svc.Record(ctx, "u1", "m2", store.PreferenceBad, strings.Repeat("x", 300))
	require.NoError(t, err)

	text, err = svc.PromptAddendum(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, text, "disliked")
	assert.Contains(t, text, "- "+strings.Repeat("x", 200)+"...")
	assert.NotContains(t, text, strings.Repeat("x", 201))
}

func TestPreferencesArePerUser(t *testing.T) {
	ctx := context.Background()
	svc := NewPreferenceService(newTestKV(t))

	_, err := svc.Record(ctx, "u1", "m1", store.PreferenceGood, "u1 private answer")
	require.NoError(t, err)

	theirs, err := svc.List(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, theirs)

	text, err := svc.PromptAddendum(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, text)

	mine, err := svc.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "u1 private answer", mine[0].Content)
}
