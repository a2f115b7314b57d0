package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/99designs/keyring"

	"github.com/olympus-os/olympus/internal/kv"
	"github.com/olympus-os/olympus/internal/store"
)

const apiKeyService = "vistro_api_keys"

var (
	ErrInvalidModelConfig = errors.New("invalid model config")
	ErrAPIKeyNotFound     = errors.New("api key not found")
)

// DefaultModelConfig applies to models that were never configured.
var DefaultModelConfig = store.ModelConfig{Temperature: 0.7, MaxTokens: 2048}

const (
	maxTemperature = 2.0
	maxTokensLimit = 32768
)

// SettingsService holds the assistant's model connections, per-model
// generation settings and provider API keys.
type SettingsService struct {
	kv   *kv.Store
	keys *APIKeyStore
	now  func() time.Time
}

func NewSettingsService(kvStore *kv.Store, keys *APIKeyStore) *SettingsService {
	return &SettingsService{kv: kvStore, keys: keys, now: time.Now}
}

func (s *SettingsService) APIKeys() *APIKeyStore {
	return s.keys
}

func (s *SettingsService) ListModels(ctx context.Context) ([]store.ConnectedModel, error) {
	models, err := kv.Load[[]store.ConnectedModel](ctx, s.kv, kv.KeyConnectedModels)
	if err != nil {
		return nil, fmt.Errorf("failed to load connected models: %w", err)
	}
	if models == nil {
		models = []store.ConnectedModel{}
	}
	return models, nil
}

// ConnectModel is idempotent: connecting an already connected model returns
// the existing connection.
func (s *SettingsService) ConnectModel(ctx context.Context, provider, modelID string) (*store.ConnectedModel, error) {
	provider = strings.TrimSpace(provider)
	modelID = strings.TrimSpace(modelID)
	if provider == "" || modelID == "" {
		return nil, fmt.Errorf("provider and model id are required")
	}

	var result store.ConnectedModel
	_, err := kv.Update(ctx, s.kv, kv.KeyConnectedModels, func(models []store.ConnectedModel) ([]store.ConnectedModel, error) {
		for _, m := range models {
			if m.ModelID == modelID {
				result = m
				return nil, kv.ErrNoChange
			}
		}
		result = store.ConnectedModel{Provider: provider, ModelID: modelID, ConnectedAt: s.now()}
		return append(models, result), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect model %s: %w", modelID, err)
	}
	return &result, nil
}

// DisconnectModel reports whether the model was connected.
func (s *SettingsService) DisconnectModel(ctx context.Context, modelID string) (bool, error) {
	removed := false
	_, err := kv.Update(ctx, s.kv, kv.KeyConnectedModels, func(models []store.ConnectedModel) ([]store.ConnectedModel, error) {
		removed = false
		kept := make([]store.ConnectedModel, 0, len(models))
		for _, m := range models {
			if m.ModelID == modelID {
				removed = true
				continue
			}
			kept = append(kept, m)
		}
		if !removed {
			return nil, kv.ErrNoChange
		}
		return kept, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to disconnect model %s: %w", modelID, err)
	}
	return removed, nil
}

// ModelConfig returns the stored config for modelID, or DefaultModelConfig.
func (s *SettingsService) ModelConfig(ctx context.Context, modelID string) (store.ModelConfig, error) {
	configs, err := kv.Load[map[string]store.ModelConfig](ctx, s.kv, kv.KeyModelConfigs)
	if err != nil {
		return store.ModelConfig{}, fmt.Errorf("failed to load model configs: %w", err)
	}
	if cfg, ok := configs[modelID]; ok {
		return cfg, nil
	}
	return DefaultModelConfig, nil
}

func (s *SettingsService) PutModelConfig(ctx context.Context, modelID string, cfg store.ModelConfig) error {
	if strings.TrimSpace(modelID) == "" {
		return fmt.Errorf("%w: model id is required", ErrInvalidModelConfig)
	}
	if err := validateModelConfig(cfg); err != nil {
		return err
	}
	_, err := kv.Update(ctx, s.kv, kv.KeyModelConfigs, func(configs map[string]store.ModelConfig) (map[string]store.ModelConfig, error) {
		if configs == nil {
			configs = make(map[string]store.ModelConfig)
		}
		configs[modelID] = cfg
		return configs, nil
	})
	if err != nil {
		return fmt.Errorf("failed to save model config %s: %w", modelID, err)
	}
	return nil
}

func validateModelConfig(cfg store.ModelConfig) error {
	if cfg.Temperature < 0 || cfg.Temperature > maxTemperature {
		return fmt.Errorf("%w: temperature must be between 0 and %.1f", ErrInvalidModelConfig, maxTemperature)
	}
	if cfg.MaxTokens < 1 || cfg.MaxTokens > maxTokensLimit {
		return fmt.Errorf("%w: maxTokens must be between 1 and %d", ErrInvalidModelConfig, maxTokensLimit)
	}
	return nil
}

// APIKeyStore keeps provider API keys in an encrypted file keyring.
type APIKeyStore struct {
	ring keyring.Keyring
}

// OpenAPIKeyStore opens the file keyring in dir, creating it if needed.
func OpenAPIKeyStore(dir, password string) (*APIKeyStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      apiKeyService,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          dir,
		FilePasswordFunc: keyring.FixedStringPrompt(password),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &APIKeyStore{ring: ring}, nil
}

func (k *APIKeyStore) Set(provider, apiKey string) error {
	if provider == "" {
		return errors.New("provider is required")
	}
	if apiKey == "" {
		return errors.New("API key is empty")
	}
	err := k.ring.Set(keyring.Item{
		Key:   provider,
		Data:  []byte(apiKey),
		Label: provider + " API key",
	})
	if err != nil {
		return fmt.Errorf("failed to store API key for %s: %w", provider, err)
	}
	return nil
}

func (k *APIKeyStore) Get(provider string) (string, error) {
	item, err := k.ring.Get(provider)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrAPIKeyNotFound, provider)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read API key for %s: %w", provider, err)
	}
	return string(item.Data), nil
}

// Delete is a no-op for providers without a key.
func (k *APIKeyStore) Delete(provider string) error {
	err := k.ring.Remove(provider)
	if err == nil || errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to delete API key for %s: %w", provider, err)
}

// Providers lists providers with a stored key, sorted.
func (k *APIKeyStore) Providers() ([]string, error) {
	keys, err := k.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
