package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/scheduler"
)

// PageSpec is a page kept open by the host.
type PageSpec struct {
	ID  string
	URL string
}

// Config configures a Host.
type Config struct {
	Manager   ManagerConfig
	Pages     []PageSpec
	Debounce  DebounceConfig
	Scheduler scheduler.Config
	Deps      scheduler.Deps
	// Scope reports whether a location may be rewritten. Nil allows all.
	Scope  func(*url.URL) bool
	Logger *slog.Logger
}

// Notifier reports preference changes.
type Notifier interface {
	OnChange(fn func(asset.ID))
}

type running struct {
	tab    *Tab
	cancel context.CancelFunc
}

// Host keeps the configured pages open and rewritten.
type Host struct {
	cfg    Config
	mgr    *Manager
	logger *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	tabs map[string]*running
	wg   sync.WaitGroup
}

// New creates a Host. Call Run.
func New(cfg Config) *Host {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Manager.Logger == nil {
		cfg.Manager.Logger = cfg.Logger
	}
	h := &Host{
		cfg:    cfg,
		mgr:    NewManager(cfg.Manager),
		logger: cfg.Logger,
		tabs:   make(map[string]*running),
	}
	h.mgr.SetRecycleCallback(&RecycleCallback{
		BeforeRecycle: h.closeAll,
		AfterRecycle:  func(*rod.Browser) { go h.openAll() },
	})
	return h
}

// Watch re-rewrites every open page when n reports a change.
func (h *Host) Watch(n Notifier) {
	n.OnChange(func(id asset.ID) {
		h.logger.Info("browser: preference changed", "asset", id)
		h.PreferenceChanged()
	})
}

// PreferenceChanged re-rewrites every open page.
func (h *Host) PreferenceChanged() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.tabs {
		r.tab.Mirror().Scheduler().PreferenceChanged(h.ctx)
	}
}

// Stats returns per-page counters keyed by page id.
func (h *Host) Stats() map[string]MirrorStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]MirrorStats, len(h.tabs))
	for id, r := range h.tabs {
		out[id] = r.tab.Mirror().Stats()
	}
	return out
}

// Run starts Chrome and opens every page. Blocks until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	if len(h.cfg.Pages) == 0 {
		return fmt.Errorf("browser: no pages configured")
	}
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	if _, err := h.mgr.Start(ctx); err != nil {
		return err
	}
	defer h.mgr.Close()

	h.openAll()
	<-ctx.Done()
	h.closeAll()
	h.wg.Wait()
	return nil
}

func (h *Host) openAll() {
	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()
	for _, p := range h.cfg.Pages {
		if ctx.Err() != nil {
			return
		}
		if err := h.open(ctx, p); err != nil {
			h.logger.Error("browser: open page failed", "page_id", p.ID, "url", p.URL, "error", err)
		}
	}
}

func (h *Host) open(ctx context.Context, p PageSpec) error {
	u, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("browser: page %s: %w", p.ID, err)
	}
	if h.cfg.Scope != nil && !h.cfg.Scope(u) {
		return fmt.Errorf("browser: page %s: %s is out of scope", p.ID, p.URL)
	}
	tab, err := OpenTab(ctx, h.mgr, TabConfig{
		ID:  p.ID,
		URL: p.URL,
		Mirror: MirrorConfig{
			Scope:     h.cfg.Scope,
			Deps:      h.cfg.Deps,
			Scheduler: h.cfg.Scheduler,
			Logger:    h.logger.With("page_id", p.ID),
		},
		Debounce: h.cfg.Debounce,
	})
	if err != nil {
		return err
	}

	tabCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	if old, ok := h.tabs[p.ID]; ok {
		old.cancel()
	}
	h.tabs[p.ID] = &running{tab: tab, cancel: cancel}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		tab.Run(tabCtx)
	}()
	return nil
}

func (h *Host) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.tabs {
		r.cancel()
		delete(h.tabs, id)
	}
}
