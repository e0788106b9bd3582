// Package settings holds the process-wide assistant configuration and keeps
// it in step with its persisted copy.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/snie2012/family-chat-local-ai/api"
)

// Persisted keys.
const (
	keyThinkMode    = "bot.think_mode"
	keyModel        = "bot.model"
	keySystemPrompt = "bot.system_prompt"
)

// A Store persists settings as string pairs.
type Store interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
	SaveSettings(ctx context.Context, kv map[string]string) error
}

// Service serves the current BotSettings to every bot run and applies admin
// updates. Updates are written to the Store before they become visible.
type Service struct {
	Logger *slog.Logger
	Store  Store

	mu  sync.RWMutex
	cur api.BotSettings

	// serializes Update so two patches cannot persist out of order
	updateMu sync.Mutex
}

// New returns a Service starting from defaults until Load is called.
func New(logger *slog.Logger, store Store, defaults api.BotSettings) *Service {
	return &Service{
		Logger: logger,
		Store:  store,
		cur:    defaults,
	}
}

// Load replaces the current settings with the persisted ones. Keys that were
// never saved keep their default value.
func (s *Service) Load(ctx context.Context) error {
	kv, err := s.Store.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur
	if v, ok := kv[keyThinkMode]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.Logger.Warn("Ignoring invalid stored setting", "key", keyThinkMode, "value", v)
		} else {
			next.ThinkMode = b
		}
	}
	if v, ok := kv[keyModel]; ok && v != "" {
		next.Model = v
	}
	if v, ok := kv[keySystemPrompt]; ok && v != "" {
		next.SystemPrompt = v
	}
	s.cur = next
	s.Logger.Info("Bot settings loaded", "model", next.Model, "thinkMode", next.ThinkMode)
	return nil
}

// Current returns a snapshot of the settings.
func (s *Service) Current() api.BotSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update applies the non-nil fields of p, persists the full result and only
// then publishes it. On error the previous settings stay in effect.
func (s *Service) Update(ctx context.Context, p api.BotSettingsPatch) (api.BotSettings, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	next := s.Current()
	if p.ThinkMode != nil {
		next.ThinkMode = *p.ThinkMode
	}
	if p.Model != nil {
		next.Model = *p.Model
	}
	if p.SystemPrompt != nil {
		next.SystemPrompt = *p.SystemPrompt
	}

	if err := s.Store.SaveSettings(ctx, map[string]string{
		keyThinkMode:    strconv.FormatBool(next.ThinkMode),
		keyModel:        next.Model,
		keySystemPrompt: next.SystemPrompt,
	}); err != nil {
		return api.BotSettings{}, fmt.Errorf("save settings: %w", err)
	}

	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()

	s.Logger.Info("Bot settings updated", "model", next.Model, "thinkMode", next.ThinkMode)
	return next, nil
}
