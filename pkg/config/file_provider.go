package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-fhir/pkg/domain"
)

// Reload outcomes passed to a ReloadRecorder.
const (
	ReloadSuccess = "success"
	ReloadFailure = "failure"
)

// ReloadRecorder observes configuration reloads.
type ReloadRecorder interface {
	RecordConfigReload(status string)
}

// FileProvider implements domain.ConfigProvider on top of a watched file.
// Edits that fail to load or validate are logged and the previous
// configuration stays in effect.
type FileProvider struct {
	path        string
	logger      *slog.Logger
	recorder    ReloadRecorder
	mu          sync.RWMutex
	current     *Config
	subscribers []chan *Config
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

var _ domain.ConfigProvider = (*FileProvider)(nil)

// NewFileProvider loads path and starts watching it. recorder may be nil.
func NewFileProvider(path string, logger *slog.Logger, recorder ReloadRecorder) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so atomic renames by editors are seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &FileProvider{
		path:     absPath,
		logger:   logger,
		recorder: recorder,
		current:  cfg,
		watcher:  watcher,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.watchLoop(ctx)

	return p, nil
}

// Settings returns the settings of the current configuration.
func (p *FileProvider) Settings() domain.Settings {
	return p.Current().Settings()
}

// Current returns the configuration currently in effect. Callers must not
// modify it.
func (p *FileProvider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives every successfully reloaded
// configuration. The current configuration is delivered immediately.
func (p *FileProvider) Subscribe() <-chan *Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *Config, 1)
	ch <- p.current
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Reload re-reads the file now.
func (p *FileProvider) Reload() error {
	cfg, err := Load(p.path)
	if err != nil {
		p.record(ReloadFailure)
		return err
	}

	p.mu.Lock()
	p.current = cfg
	subscribers := append([]chan *Config(nil), p.subscribers...)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
	p.record(ReloadSuccess)
	return nil
}

// Close stops the watcher.
func (p *FileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done
	return err
}

func (p *FileProvider) record(status string) {
	if p.recorder != nil {
		p.recorder.RecordConfigReload(status)
	}
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounce *time.Timer
	const debounceDuration = 100 * time.Millisecond
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, func() {
				if err := p.Reload(); err != nil {
					p.logger.Error("Error reloading config", "path", p.path, "error", err)
					return
				}
				p.logger.Info("Configuration reloaded", "path", p.path)
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Config watcher error", "error", err)
		}
	}
}
