package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackvz/gitlab-foss/internal/adapters/config/file"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/pkg/config"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithFileConfig reads path and reloads users, projects and repositories
// when it changes.
func WithFileConfig(path string) Option {
	return func(a *App) error {
		provider, err := file.NewProvider(path, a.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		a.config = provider
		return nil
	}
}

// WithConfig uses a fixed configuration that never reloads.
func WithConfig(cfg *config.Config) Option {
	return func(a *App) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		a.config = staticConfig{cfg: cfg}
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(a *App) error {
		a.config = provider
		return nil
	}
}

// WithStore uses store instead of the one described by the storage
// configuration. The App does not close it.
func WithStore(store ports.Store) Option {
	return func(a *App) error {
		a.store = store
		a.ownsStore = false
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		if logger != nil {
			a.logger = logger
		}
		return nil
	}
}

// staticConfig is a ConfigProvider for in-process configuration.
type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Load(context.Context) (*config.Config, error) { return s.cfg, nil }

func (staticConfig) Watch(context.Context, func(*config.Config)) error { return nil }

func (staticConfig) Close() error { return nil }
