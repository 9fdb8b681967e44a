// Package static rewrites standalone HTML documents in one pass: files on
// disk and pages passing through the proxy. There is no live tree, so the
// preference is read once up front and every rewrite completes
// synchronously.
package static

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/dom"
	"github.com/hazyhaar/flagswap/preference"
	"github.com/hazyhaar/flagswap/scheduler"
	"github.com/hazyhaar/flagswap/traverse"
)

// Result describes one rewritten document.
type Result struct {
	traverse.Stats
	Asset asset.ID `json:"asset"`
}

// Rewriter sweeps documents with shared collaborators. Safe for concurrent
// use: every document gets its own engine.
type Rewriter struct {
	deps   scheduler.Deps
	logger *slog.Logger
}

// New returns a Rewriter.
func New(deps scheduler.Deps) *Rewriter {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Rewriter{deps: deps, logger: deps.Logger}
}

// Rewrite parses src, rewrites every matched flag, injects the override
// stylesheet and renders the result to dst. location is the document URL
// used for page exclusions; it may be empty.
func (r *Rewriter) Rewrite(ctx context.Context, src io.Reader, dst io.Writer, location string) (Result, error) {
	id, err := r.deps.Preferences.Selected(ctx).Await(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("static: preference: %w", err)
	}
	doc, err := dom.Parse(src, location)
	if err != nil {
		return Result{}, fmt.Errorf("static: parse: %w", err)
	}

	deps := r.deps
	deps.Preferences = preference.NewStatic(id, nil)
	engine, err := deps.Engine(dom.Inline{Doc: doc})
	if err != nil {
		return Result{}, fmt.Errorf("static: %w", err)
	}
	st := traverse.New(doc, deps.Matcher, engine, r.logger).ScanDocument(ctx)
	if deps.Injector.Enabled() {
		deps.Injector.Apply(doc, deps.Catalog.Resolve(id))
	}

	if err := doc.Render(dst); err != nil {
		return Result{}, fmt.Errorf("static: render: %w", err)
	}
	r.logger.Debug("static: rewritten", "location", location, "asset", id,
		"matched", st.Matched, "rewritten", st.Rewritten)
	return Result{Stats: st, Asset: id}, nil
}
