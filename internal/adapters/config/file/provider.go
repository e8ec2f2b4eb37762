// Package file loads the service configuration from a YAML file and reloads
// it when the file changes, so projects, users and tokens can be edited
// without a restart.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jackvz/gitlab-foss/internal/core/ports"
	"github.com/jackvz/gitlab-foss/internal/pkg/config"
)

// DefaultDebounce is how long the file must be quiet before a reload.
const DefaultDebounce = 200 * time.Millisecond

// Provider implements ports.ConfigProvider for a config.yaml on disk.
type Provider struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	watcher *fsnotify.Watcher
	current *config.Config
}

func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{path: filepath.Clean(path), debounce: DefaultDebounce, logger: logger}, nil
}

// Current returns the last configuration that loaded successfully.
func (p *Provider) Current() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}
	p.mu.Lock()
	p.current = cfg
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "config loaded",
		slog.String("path", p.path),
		slog.Int("projects", len(cfg.Projects)),
		slog.Int("users", len(cfg.Users)))
	return cfg, nil
}

// Watch starts a goroutine calling onChange with each new configuration
// until ctx is done. Bursts of writes, as editors and atomic renames
// produce, cause a single reload. A file that fails to load is logged and
// the previous configuration stays current.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// The directory is watched so the watch survives the file being replaced.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "watching config file for changes", slog.String("path", p.path))
	go p.watch(ctx, watcher, onChange)
	return nil
}

func (p *Provider) watch(ctx context.Context, watcher *fsnotify.Watcher, onChange func(*config.Config)) {
	defer watcher.Close()

	timer := time.NewTimer(p.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("config watch stopped")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(p.debounce)

		case <-timer.C:
			cfg, err := config.Load(p.path)
			if err != nil {
				p.logger.Error("failed to reload config",
					slog.String("error", err.Error()),
					slog.String("path", p.path))
				continue
			}
			p.mu.Lock()
			p.current = cfg
			p.mu.Unlock()

			p.logger.Info("config file changed", slog.String("path", p.path))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watch error", slog.String("error", err.Error()))
		}
	}
}

// Close stops watching the config file.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	p.watcher = nil
	return err
}

var _ ports.ConfigProvider = (*Provider)(nil)
