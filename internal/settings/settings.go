// Package settings holds the runtime configuration an administrator can change
// without a restart: the completions API key, the default model and the model
// catalog fetched with that key.
package settings

import (
	"context"
	"errors"
	"fmt"
	"slices"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/comigor/chatstream/internal/config"
	"github.com/comigor/chatstream/internal/domain"
	"github.com/comigor/chatstream/internal/history"
	"github.com/comigor/chatstream/internal/llm"
	"github.com/comigor/chatstream/internal/logger"
)

// Keys under which settings are stored.
const (
	KeyAPIKey       = "api_key"
	KeyDefaultModel = "default_model"
)

// Settings is a snapshot passed explicitly to whoever needs it.
type Settings struct {
	APIKey       string             `json:"-"`
	DefaultModel string             `json:"default_model"`
	Models       []domain.ModelInfo `json:"models"`
}

// Service reads and updates Settings. Stored values win over the config file.
type Service struct {
	store  history.Store
	lister llm.ModelLister
	cfg    config.LLMConfig
}

func NewService(store history.Store, lister llm.ModelLister, cfg config.LLMConfig) *Service {
	return &Service{store: store, lister: lister, cfg: cfg}
}

// Current returns the effective settings.
func (s *Service) Current(ctx context.Context) (Settings, error) {
	key, err := s.setting(ctx, KeyAPIKey, s.cfg.APIKey)
	if err != nil {
		return Settings{}, err
	}
	model, err := s.setting(ctx, KeyDefaultModel, s.cfg.Model)
	if err != nil {
		return Settings{}, err
	}
	models, err := s.store.ListModels(ctx)
	if err != nil {
		return Settings{}, fmt.Errorf("list models: %w", err)
	}
	return Settings{APIKey: key, DefaultModel: model, Models: models}, nil
}

func (s *Service) setting(ctx context.Context, key, fallback string) (string, error) {
	v, err := s.store.GetSetting(ctx, key)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && v == "") {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, nil
}

// UpdateAPIKey checks the key by fetching the model catalog with it. A key the
// API rejects leaves the stored settings untouched.
func (s *Service) UpdateAPIKey(ctx context.Context, key string) ([]domain.ModelInfo, error) {
	if err := validation.Validate(key, validation.Required); err != nil {
		return nil, fmt.Errorf("%w: api key: %v", domain.ErrValidation, err)
	}
	models, err := s.lister.ListModels(ctx, key)
	if err != nil {
		logger.L.Warn("api key rejected", "key", MaskKey(key), "error", err)
		return nil, fmt.Errorf("%w: api key rejected: %v", domain.ErrValidation, err)
	}
	if err := s.store.PutSetting(ctx, KeyAPIKey, key); err != nil {
		return nil, fmt.Errorf("store api key: %w", err)
	}
	if err := s.store.ReplaceModels(ctx, models); err != nil {
		return nil, fmt.Errorf("store models: %w", err)
	}
	logger.L.Info("api key updated", "key", MaskKey(key), "models", len(models))
	return models, nil
}

// RefreshModels refetches the catalog with the current key. On failure the
// stored catalog is kept.
func (s *Service) RefreshModels(ctx context.Context) ([]domain.ModelInfo, error) {
	key, err := s.setting(ctx, KeyAPIKey, s.cfg.APIKey)
	if err != nil {
		return nil, err
	}
	models, err := s.lister.ListModels(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	if err := s.store.ReplaceModels(ctx, models); err != nil {
		return nil, fmt.Errorf("store models: %w", err)
	}
	return models, nil
}

// SetDefaultModel stores id as the model for new conversations. When a catalog
// is known the id must be in it.
func (s *Service) SetDefaultModel(ctx context.Context, id string) error {
	if err := validation.Validate(id, validation.Required); err != nil {
		return fmt.Errorf("%w: model: %v", domain.ErrValidation, err)
	}
	models, err := s.store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if len(models) > 0 && !slices.ContainsFunc(models, func(m domain.ModelInfo) bool { return m.ID == id }) {
		return fmt.Errorf("%w: unknown model %q", domain.ErrValidation, id)
	}
	if err := s.store.PutSetting(ctx, KeyDefaultModel, id); err != nil {
		return fmt.Errorf("store default model: %w", err)
	}
	return nil
}

// MaskKey renders a key for display, keeping only its first and last four characters.
func MaskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 8:
		return "********"
	default:
		return key[:4] + "..." + key[len(key)-4:]
	}
}
