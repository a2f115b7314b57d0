package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/olympus-os/olympus/internal/kv"
	"github.com/olympus-os/olympus/internal/store"
)

// PreferenceWindow is how many entries of each type feed the prompt.
const PreferenceWindow = 5

const maxPreferenceExcerpt = 200

var ErrInvalidPreference = errors.New("preference type must be good or bad")

// PreferenceService keeps one append-only log of thumbs-up/down feedback per
// user.
type PreferenceService struct {
	kv  *kv.Store
	now func() time.Time
}

func NewPreferenceService(kvStore *kv.Store) *PreferenceService {
	return &PreferenceService{kv: kvStore, now: time.Now}
}

func (s *PreferenceService) Record(ctx context.Context, userID, messageID string, prefType store.PreferenceType, content string) (*store.PreferenceEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserRequired
	}
	if prefType != store.PreferenceGood && prefType != store.PreferenceBad {
		return nil, fmt.Errorf("%w (got %q)", ErrInvalidPreference, prefType)
	}
	if strings.TrimSpace(messageID) == "" {
		return nil, fmt.Errorf("message id is required")
	}
	entry := store.PreferenceEntry{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Type:      prefType,
		Content:   content,
		Timestamp: s.now(),
	}
	_, err := kv.Update(ctx, s.kv, kv.PreferencesKey(userID), func(entries []store.PreferenceEntry) ([]store.PreferenceEntry, error) {
		return append(entries, entry), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record preference: %w", err)
	}
	return &entry, nil
}

func (s *PreferenceService) List(ctx context.Context, userID string) ([]store.PreferenceEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserRequired
	}
	entries, err := kv.Load[[]store.PreferenceEntry](ctx, s.kv, kv.PreferencesKey(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	if entries == nil {
		entries = []store.PreferenceEntry{}
	}
	return entries, nil
}

// Recent returns the last n good and last n bad entries, oldest first.
func (s *PreferenceService) Recent(ctx context.Context, userID string, n int) (good, bad []store.PreferenceEntry, err error) {
	entries, err := s.List(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		switch e.Type {
		case store.PreferenceGood:
			good = append(good, e)
		case store.PreferenceBad:
			bad = append(bad, e)
		}
	}
	return lastN(good, n), lastN(bad, n), nil
}

func lastN(entries []store.PreferenceEntry, n int) []store.PreferenceEntry {
	if n <= 0 {
		return nil
	}
	if len(entries) > n {
		return entries[len(entries)-n:]
	}
	return entries
}

// PromptAddendum renders userID's recent feedback as text for the assistant's system
// prompt. It is empty when there is no feedback yet.
func (s *PreferenceService) PromptAddendum(ctx context.Context, userID string) (string, error) {
	good, bad, err := s.Recent(ctx, userID, PreferenceWindow)
	if err != nil {
		return "", err
	}
	if len(good) == 0 && len(bad) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("The user has rated earlier answers.")
	if len(good) > 0 {
		b.WriteString("\nAnswers the user liked (keep this style):")
		for _, e := range good {
			b.WriteString("\n- ")
			b.WriteString(excerpt(e.Content))
		}
	}
	if len(bad) > 0 {
		b.WriteString("\nAnswers the user disliked (avoid this style):")
		for _, e := range bad {
			b.WriteString("\n- ")
			b.WriteString(excerpt(e.Content))
		}
	}
	return b.String(), nil
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= maxPreferenceExcerpt {
		return s
	}
	return string(runes[:maxPreferenceExcerpt]) + "..."
}
