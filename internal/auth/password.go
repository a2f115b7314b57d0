package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/olympus-os/olympus/internal/kv"
)

const MinPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
)

// CredentialStore keeps one bcrypt hash per user id in the key-value store.
type CredentialStore struct {
	kv   *kv.Store
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewCredentialStore uses bcrypt.DefaultCost when cost is not positive.
func NewCredentialStore(kvStore *kv.Store, cost int) *CredentialStore {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &CredentialStore{kv: kvStore, cost: cost}
}

func (c *CredentialStore) SetPassword(ctx context.Context, userID, password string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	_, err = kv.Update(ctx, c.kv, kv.KeyCredentials, func(hashes map[string]string) (map[string]string, error) {
		if hashes == nil {
			hashes = make(map[string]string)
		}
		hashes[userID] = string(hash)
		return hashes, nil
	})
	if err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}
	return nil
}

// Verify returns ErrInvalidCredentials unless password matches userID's hash.
// Users without a stored hash never verify.
func (c *CredentialStore) Verify(ctx context.Context, userID, password string) error {
	hashes, err := kv.Load[map[string]string](ctx, c.kv, kv.KeyCredentials)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	hash, ok := hashes[userID]
	if !ok {
		// Spend the same time as a real comparison.
		_ = bcrypt.CompareHashAndPassword(c.dummyHash(), []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (c *CredentialStore) dummyHash() []byte {
	c.dummyOnce.Do(func() {
		c.dummy, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), c.cost)
	})
	return c.dummy
}
