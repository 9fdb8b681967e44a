package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/flagswap/dom"
	"github.com/hazyhaar/flagswap/mutation"
	"github.com/hazyhaar/flagswap/scheduler"
)

// pageOrigin labels changes replayed from the live page.
const pageOrigin = "page"

// maxHeld bounds the local writes kept back while the mirror is paused.
const maxHeld = 4096

// Page is the live side of a mirror.
type Page interface {
	// Push applies local changes to the page.
	Push(ctx context.Context, records []mutation.Record) error
	// Measure returns the rendered and natural size of the element at
	// xpath. Zero values mean unknown.
	Measure(xpath string) dom.Metrics
}

// MirrorStats counts records crossing the mirror.
type MirrorStats struct {
	Applied    int64           `json:"applied"`
	Rejected   int64           `json:"rejected"`
	Pushed     int64           `json:"pushed"`
	Held       int64           `json:"held"`
	PushFailed int64           `json:"push_failed"`
	Scheduler  scheduler.Stats `json:"scheduler"`
}

// Mirror keeps a server-side copy of a live page. Page changes are replayed
// into the copy, where the scheduler sees them; the engine's own writes are
// sent back to the page.
type Mirror struct {
	page   Page
	doc    *dom.Document
	loop   *dom.Loop
	sched  *scheduler.Scheduler
	scope  func(*url.URL) bool
	logger *slog.Logger

	pushCh chan []mutation.Record

	mu      sync.Mutex
	paused  bool
	started bool

	// holding and held are loop-owned. Local writes made while out of
	// scope wait in held until the page is back in scope.
	holding bool
	held    []mutation.Record

	applied, rejected, pushed, heldTotal, pushFailed atomic.Int64
}

// MirrorConfig configures a Mirror.
type MirrorConfig struct {
	// HTML is the page's outer HTML when the mirror starts.
	HTML     string
	Location string
	// Scope reports whether a location may be rewritten. Nil allows all.
	Scope     func(*url.URL) bool
	Deps      scheduler.Deps
	Scheduler scheduler.Config
	Logger    *slog.Logger
}

// NewMirror parses the initial HTML and prepares the scheduler. Call Run.
func NewMirror(page Page, cfg MirrorConfig) (*Mirror, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Scope == nil {
		cfg.Scope = func(*url.URL) bool { return true }
	}
	m := &Mirror{
		page:   page,
		scope:  cfg.Scope,
		logger: cfg.Logger.With("location", cfg.Location),
		pushCh: make(chan []mutation.Record, 256),
	}
	doc, err := dom.ParseString(cfg.HTML, cfg.Location, dom.WithLayout(m.measure))
	if err != nil {
		return nil, fmt.Errorf("browser: mirror: %w", err)
	}
	m.doc = doc
	m.paused = !cfg.Scope(doc.Location())
	m.holding = m.paused
	m.loop = dom.NewLoop(doc, cfg.Logger)
	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = cfg.Logger
	}
	m.sched, err = scheduler.New(doc, m.loop, cfg.Deps, cfg.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("browser: mirror: %w", err)
	}
	if m.paused {
		m.sched.Pause()
	}
	return m, nil
}

// Scheduler returns the mirror's scheduler.
func (m *Mirror) Scheduler() *scheduler.Scheduler { return m.sched }

// Loop returns the loop owning the mirrored document.
func (m *Mirror) Loop() *dom.Loop { return m.loop }

// Paused reports whether the current location is out of scope.
func (m *Mirror) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Stats returns a snapshot of the counters.
func (m *Mirror) Stats() MirrorStats {
	return MirrorStats{
		Applied:    m.applied.Load(),
		Rejected:   m.rejected.Load(),
		Pushed:     m.pushed.Load(),
		Held:       m.heldTotal.Load(),
		PushFailed: m.pushFailed.Load(),
		Scheduler:  m.sched.Stats(),
	}
}

// Run drives the loop, the scheduler and the push worker. Blocks until ctx
// is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("browser: mirror already running")
	}
	m.started = true
	m.mu.Unlock()

	m.loop.Post(func() {
		m.doc.Observe(m.doc.Root(), dom.ObserveOptions{ChildList: true, Subtree: true, Attributes: true}, m.outgoing)
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.loop.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		m.pushLoop(ctx)
	}()
	if m.Paused() {
		m.logger.Info("browser: location out of scope, mirror paused")
	}
	m.sched.Run(ctx)
	wg.Wait()
	return ctx.Err()
}

// Ingest replays page records into the mirror. Safe from any goroutine.
func (m *Mirror) Ingest(ctx context.Context, records []mutation.Record) {
	if len(records) == 0 {
		return
	}
	m.loop.Post(func() {
		reset := false
		m.doc.WithOrigin(pageOrigin, func() {
			for _, r := range records {
				if err := mutation.Apply(m.doc, r); err != nil {
					m.rejected.Add(1)
					m.logger.Debug("browser: record not applied", "op", r.Op, "xpath", r.XPath, "error", err)
					continue
				}
				m.applied.Add(1)
				reset = reset || r.Op == mutation.OpDocReset
			}
		})
		if reset {
			// held xpaths point into the replaced document
			m.held = nil
			m.sched.Restyle(ctx)
		}
	})
}

// Navigate records a new page location. Scanning pauses while the
// location is out of scope. Back in scope, the writes held meanwhile are
// pushed and the scheduler catches up.
func (m *Mirror) Navigate(ctx context.Context, location string) {
	u, err := url.Parse(location)
	if err != nil {
		m.logger.Warn("browser: bad navigation url", "url", location, "error", err)
		return
	}
	in := m.scope(u)
	m.mu.Lock()
	was := m.paused
	m.paused = !in
	m.mu.Unlock()
	m.loop.Post(func() {
		m.doc.SetLocation(u)
		m.holding = !in
		if in && len(m.held) > 0 {
			m.send(m.held)
			m.held = nil
		}
	})
	if was == !in {
		return
	}
	m.logger.Info("browser: navigated", "url", location, "paused", !in)
	if in {
		m.sched.Resume(ctx)
	} else {
		m.sched.Pause()
	}
}

// outgoing runs on the loop and forwards local writes to the page.
func (m *Mirror) outgoing(recs []dom.MutationRecord) {
	var out []mutation.Record
	for _, r := range recs {
		if r.Origin != "" {
			continue
		}
		out = append(out, mutation.FromDOM(r)...)
	}
	if len(out) == 0 {
		return
	}
	if m.holding {
		if len(m.held)+len(out) > maxHeld {
			m.pushFailed.Add(int64(len(out)))
			m.logger.Warn("browser: held records over limit, dropped", "records", len(out))
			return
		}
		m.held = append(m.held, out...)
		m.heldTotal.Add(int64(len(out)))
		return
	}
	m.send(out)
}

// send queues records for the push worker. Runs on the loop.
func (m *Mirror) send(out []mutation.Record) {
	select {
	case m.pushCh <- mutation.Compress(out):
	default:
		m.pushFailed.Add(int64(len(out)))
		m.logger.Warn("browser: push queue full, records dropped", "records", len(out))
	}
}

func (m *Mirror) pushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case recs := <-m.pushCh:
			if err := m.page.Push(ctx, recs); err != nil {
				m.pushFailed.Add(int64(len(recs)))
				m.logger.Warn("browser: push failed", "records", len(recs), "error", err)
				continue
			}
			m.pushed.Add(int64(len(recs)))
		}
	}
}

// measure asks the page for live metrics and falls back to the static
// layout per dimension.
func (m *Mirror) measure(el *dom.Element) dom.Metrics {
	st := dom.StaticLayout(el)
	if m.page == nil {
		return st
	}
	live := m.page.Measure(mutation.XPath(el.Node()))
	if live.Width == 0 {
		live.Width = st.Width
	}
	if live.Height == 0 {
		live.Height = st.Height
	}
	if live.NaturalWidth == 0 {
		live.NaturalWidth = st.NaturalWidth
	}
	if live.NaturalHeight == 0 {
		live.NaturalHeight = st.NaturalHeight
	}
	return live
}
