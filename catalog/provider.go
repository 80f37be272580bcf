package catalog

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Provider serves packs to the pipeline with an explicit TTL cache. It is
// constructed per process and injected; there is no package-level instance.
type Provider struct {
	dir     string
	pattern string
	// maxAge bounds how long a loaded pack set is served before reloading.
	// Zero disables caching and reloads on every Get.
	maxAge time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	packs    map[string]*Pack
	loadedAt time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithMaxAge sets the cache TTL. Zero reloads on every access.
func WithMaxAge(d time.Duration) ProviderOption {
	return func(p *Provider) { p.maxAge = d }
}

// WithPattern sets the glob pattern used to discover pack files.
func WithPattern(pattern string) ProviderOption {
	return func(p *Provider) { p.pattern = pattern }
}

// WithProviderLogger sets the logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = logger }
}

// NewProvider creates a Provider over a pack directory. An empty dir serves
// only the embedded default pack.
func NewProvider(dir string, opts ...ProviderOption) (*Provider, error) {
	p := &Provider{
		dir:     dir,
		pattern: "*.yaml",
		maxAge:  5 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// reload replaces the cached pack set. The embedded default pack is always
// present; directory packs of the same name shadow it.
func (p *Provider) reload() error {
	packs := make(map[string]*Pack)

	def, err := DefaultPack()
	if err != nil {
		return fmt.Errorf("embedded default pack: %w", err)
	}
	packs[def.Name] = def

	if p.dir != "" {
		loaded, err := LoadDir(p.dir, p.pattern)
		if err != nil {
			return err
		}
		for name, pack := range loaded {
			packs[name] = pack
		}
	}

	p.mu.Lock()
	p.packs = packs
	p.loadedAt = time.Now()
	p.mu.Unlock()

	p.logger.Debug("Loaded pack catalog", "packs", len(packs), "dir", p.dir)
	return nil
}

func (p *Provider) maybeReload() {
	p.mu.RLock()
	stale := time.Since(p.loadedAt) >= p.maxAge
	p.mu.RUnlock()
	if !stale && p.maxAge > 0 {
		return
	}
	if err := p.reload(); err != nil {
		// Serve the previous catalog rather than failing the request.
		p.logger.Warn("Pack reload failed, serving cached catalog", "error", err)
	}
}

// Get returns the pack by name.
func (p *Provider) Get(name string) (*Pack, error) {
	p.maybeReload()

	p.mu.RLock()
	defer p.mu.RUnlock()
	pack, ok := p.packs[name]
	if !ok {
		return nil, fmt.Errorf("unknown pack %q", name)
	}
	return pack, nil
}

// Names returns the loaded pack names.
func (p *Provider) Names() []string {
	p.maybeReload()

	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.packs))
	for name := range p.packs {
		names = append(names, name)
	}
	return names
}

// Watch starts an fsnotify watcher on the pack directory and reloads the
// catalog when pack files change. Close stops the watcher.
func (p *Provider) Watch() error {
	if p.dir == "" {
		return fmt.Errorf("no pack directory to watch")
	}
	if p.watcher != nil {
		return fmt.Errorf("already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(p.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", p.dir, err)
	}

	p.watcher = watcher
	p.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Ext(event.Name) != ".yaml" {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				p.logger.Debug("Pack file changed, reloading", "file", event.Name, "op", event.Op.String())
				if err := p.reload(); err != nil {
					p.logger.Warn("Pack reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("Pack watcher error", "error", err)
			case <-p.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the watcher if one is running.
func (p *Provider) Close() error {
	if p.watcher == nil {
		return nil
	}
	close(p.done)
	err := p.watcher.Close()
	p.watcher = nil
	return err
}
