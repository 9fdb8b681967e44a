// Package scheduler decides when a document is scanned.
//
// A Scheduler sweeps the whole document once it is ready, rescans the
// subtrees named by each mutation batch, runs a bounded number of periodic
// fallback sweeps for lazy loaders that slip past the observer, and on a
// preference change clears every processed mark and sweeps again.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/dom"
	"github.com/hazyhaar/flagswap/exclusion"
	"github.com/hazyhaar/flagswap/idgen"
	"github.com/hazyhaar/flagswap/match"
	"github.com/hazyhaar/flagswap/preference"
	"github.com/hazyhaar/flagswap/rewrite"
	"github.com/hazyhaar/flagswap/styles"
	"github.com/hazyhaar/flagswap/traverse"
)

// WatchedAttributes are the attribute changes that trigger a rescan of
// their element.
var WatchedAttributes = []string{
	"class", "src", "srcset", "title", "aria-label", "style", "data-country", "data-nation",
}

// State is the lifecycle position of a Scheduler.
type State int32

const (
	Pending State = iota
	Active
	Steady
	FallbackExpired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Steady:
		return "steady"
	case FallbackExpired:
		return "fallback-expired"
	}
	return "unknown"
}

// Config controls the periodic fallback.
type Config struct {
	// Interval between fallback sweeps. Default: 1s.
	Interval time.Duration `yaml:"interval"`
	// MaxTicks is how many fallback sweeps run before the ticker stops.
	// Default: 30. Negative disables the fallback.
	MaxTicks int `yaml:"max_ticks"`
	// Attributes overrides WatchedAttributes.
	Attributes []string `yaml:"attributes"`
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxTicks == 0 {
		c.MaxTicks = 30
	}
	if len(c.Attributes) == 0 {
		c.Attributes = append([]string(nil), WatchedAttributes...)
	}
}

// Deps are the collaborators shared by every document of a host.
type Deps struct {
	Catalog     *asset.Catalog
	Preferences preference.Source
	Matcher     *match.Matcher
	Exclusions  *exclusion.List
	// Injector may be nil: no global stylesheet.
	Injector      *styles.Injector
	Sizes         rewrite.Sizes
	TeamContainer string
	Logger        *slog.Logger
}

// Engine builds a rewrite engine whose completions run through poster.
func (d Deps) Engine(poster dom.Poster) (*rewrite.Engine, error) {
	return rewrite.New(rewrite.Options{
		Catalog:       d.Catalog,
		Preferences:   d.Preferences,
		Exclusions:    d.Exclusions,
		Poster:        poster,
		Sizes:         d.Sizes,
		TeamContainer: d.TeamContainer,
		Logger:        d.Logger,
	})
}

// Stats are scheduler counters, readable from any goroutine.
type Stats struct {
	State             string        `json:"state"`
	Sweeps            int64         `json:"sweeps"`
	IncrementalScans  int64         `json:"incremental_scans"`
	Ticks             int64         `json:"ticks"`
	Rewritten         int64         `json:"rewritten"`
	PreferenceChanges int64         `json:"preference_changes"`
	Engine            rewrite.Stats `json:"engine"`
}

// Scheduler drives scans of one document. Only Run, PreferenceChanged,
// Pause, Resume, Restyle, State and Stats may be called off the document's
// loop.
type Scheduler struct {
	doc      *dom.Document
	poster   dom.Poster
	engine   *rewrite.Engine
	driver   *traverse.Driver
	injector *styles.Injector
	catalog  *asset.Catalog
	prefs    preference.Source
	config   Config
	logger   *slog.Logger

	observer *dom.Observer
	// ready is set on the loop once the ready sweep ran. Ticks and
	// mutation batches are ignored before that.
	ready bool
	// paused is loop-owned too: no scans while the host has the document
	// out of scope.
	paused bool

	state       atomic.Int32
	expired     atomic.Bool
	sweeps      atomic.Int64
	incremental atomic.Int64
	ticks       atomic.Int64
	rewritten   atomic.Int64
	prefChanges atomic.Int64
}

// New builds a Scheduler and its rewrite engine for doc. poster must run
// tasks on the goroutine that owns doc.
func New(doc *dom.Document, poster dom.Poster, deps Deps, cfg Config) (*Scheduler, error) {
	if doc == nil || poster == nil {
		return nil, errors.New("scheduler: document and poster are required")
	}
	cfg.defaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	engine, err := deps.Engine(poster)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		doc:      doc,
		poster:   poster,
		engine:   engine,
		driver:   traverse.New(doc, deps.Matcher, engine, deps.Logger),
		injector: deps.Injector,
		catalog:  deps.Catalog,
		prefs:    deps.Preferences,
		config:   cfg,
		logger:   deps.Logger,
	}, nil
}

// Engine returns the document's rewrite engine.
func (s *Scheduler) Engine() *rewrite.Engine { return s.engine }

// State returns the lifecycle state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:             s.State().String(),
		Sweeps:            s.sweeps.Load(),
		IncrementalScans:  s.incremental.Load(),
		Ticks:             s.ticks.Load(),
		Rewritten:         s.rewritten.Load(),
		PreferenceChanges: s.prefChanges.Load(),
		Engine:            s.engine.Stats(),
	}
}

// Run activates the scheduler on the document's loop and drives the
// fallback ticker. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.poster.Post(func() { s.activate(ctx) })
	defer s.poster.Post(func() {
		if s.observer != nil {
			s.observer.Disconnect()
		}
	})

	if s.config.MaxTicks > 0 {
		ticker := time.NewTicker(s.config.Interval)
		for s.ticks.Load() < int64(s.config.MaxTicks) {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				s.ticks.Add(1)
				s.poster.Post(func() { s.sweep(ctx, "tick") })
			}
		}
		ticker.Stop()
	}
	s.expired.Store(true)
	s.state.CompareAndSwap(int32(Steady), int32(FallbackExpired))
	s.logger.Debug("scheduler: fallback expired", "ticks", s.ticks.Load())
	<-ctx.Done()
}

// PreferenceChanged clears every mark, refreshes the stylesheet and
// rewrites the document with the current preference. Safe from any
// goroutine.
func (s *Scheduler) PreferenceChanged(ctx context.Context) {
	s.poster.Post(func() {
		s.prefChanges.Add(1)
		if s.paused {
			return
		}
		s.reclaim(ctx, "preference")
	})
}

// Pause stops every scan until Resume. In-flight rewrites still complete.
// Safe from any goroutine.
func (s *Scheduler) Pause() {
	s.poster.Post(func() { s.paused = true })
}

// Resume scans again. Whatever changed while paused, the preference
// included, is caught up with a full preference pass. Safe from any
// goroutine.
func (s *Scheduler) Resume(ctx context.Context) {
	s.poster.Post(func() {
		if !s.paused {
			return
		}
		s.paused = false
		s.reclaim(ctx, "resume")
	})
}

// reclaim clears every mark, rewrites the cleared elements with the
// current preference, refreshes the stylesheet and sweeps.
func (s *Scheduler) reclaim(ctx context.Context, reason string) {
	cleared := s.engine.ResetMarks(s.doc.DocumentElement())
	s.refreshStyle(ctx)
	var n int64
	for _, el := range cleared {
		if s.engine.Rewrite(ctx, el) {
			n++
		}
	}
	s.rewritten.Add(n)
	s.logger.Info("scheduler: marks reclaimed", "reason", reason, "reclaimed", n)
	s.sweep(ctx, reason)
}

// Restyle re-installs the override stylesheet, for hosts whose document
// content was replaced wholesale. Safe from any goroutine.
func (s *Scheduler) Restyle(ctx context.Context) {
	s.poster.Post(func() { s.refreshStyle(ctx) })
}

// activate runs on the loop.
func (s *Scheduler) activate(ctx context.Context) {
	s.state.CompareAndSwap(int32(Pending), int32(Active))
	root := s.doc.DocumentElement()
	if root == nil {
		s.logger.Warn("scheduler: document has no root element")
		return
	}
	s.refreshStyle(ctx)
	s.observer = s.doc.Observe(root.Node(), dom.ObserveOptions{
		ChildList:       true,
		Subtree:         true,
		Attributes:      true,
		AttributeFilter: s.config.Attributes,
	}, func(recs []dom.MutationRecord) { s.onMutations(ctx, recs) })

	kick := func() {
		s.ready = true
		s.sweep(ctx, "ready")
		s.state.CompareAndSwap(int32(Active), int32(Steady))
		if s.expired.Load() {
			s.state.CompareAndSwap(int32(Steady), int32(FallbackExpired))
		}
	}
	if !s.doc.OnReady(kick) {
		kick()
	}
}

func (s *Scheduler) onMutations(ctx context.Context, recs []dom.MutationRecord) {
	if !s.ready || s.paused || len(recs) == 0 {
		return
	}
	seen := make(map[*html.Node]bool)
	scan := func(n *html.Node) traverse.Stats {
		if n == nil || seen[n] {
			return traverse.Stats{}
		}
		seen[n] = true
		return s.driver.Scan(ctx, n)
	}
	var st traverse.Stats
	for _, r := range recs {
		switch r.Type {
		case dom.ChildList:
			for _, n := range r.AddedNodes {
				st.Add(scan(n))
			}
		case dom.Attributes:
			st.Add(scan(r.Target))
		}
	}
	s.incremental.Add(1)
	s.rewritten.Add(int64(st.Rewritten))
}

func (s *Scheduler) sweep(ctx context.Context, reason string) {
	if ctx.Err() != nil || !s.ready || s.paused {
		return
	}
	st := s.driver.ScanDocument(ctx)
	s.sweeps.Add(1)
	s.rewritten.Add(int64(st.Rewritten))
	if st.Rewritten > 0 || reason != "tick" {
		s.logger.Debug("scheduler: sweep", "sweep_id", idgen.New(), "reason", reason,
			"visited", st.Visited, "matched", st.Matched, "rewritten", st.Rewritten)
	}
}

func (s *Scheduler) refreshStyle(ctx context.Context) {
	if !s.injector.Enabled() {
		return
	}
	s.prefs.Selected(ctx).Then(func(id asset.ID) {
		s.poster.Post(func() { s.applyStyle(ctx, s.catalog.Resolve(id)) })
	})
}

// applyStyle runs the injector without letting its own writes come back
// as a mutation batch: the custom property lands on <html>, and a rescan
// of <html> is a full sweep.
func (s *Scheduler) applyStyle(ctx context.Context, url string) {
	if s.observer == nil {
		s.injector.Apply(s.doc, url)
		return
	}
	earlier := s.observer.TakeRecords()
	s.injector.Apply(s.doc, url)
	s.observer.TakeRecords()
	s.onMutations(ctx, earlier)
}
