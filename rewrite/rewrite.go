// Package rewrite swaps the visual asset of a matched flag element while
// keeping its footprint on the page.
//
// Every rewrite first claims the element by writing the processed mark,
// whose value is the engine's current epoch. The asset is chosen off the
// document loop and applied back on it only if the claim still stands, so
// a preference change that clears marks and bumps the epoch turns any
// in-flight completion into a no-op.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/andybalholm/cascadia"
	"github.com/aymerick/douceur/css"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/dom"
	"github.com/hazyhaar/flagswap/exclusion"
	"github.com/hazyhaar/flagswap/idgen"
	"github.com/hazyhaar/flagswap/preference"
)

// MarkAttr is the processed mark.
const MarkAttr = "data-pirate-flag-swapped"

// lazyAttrs are removed from images so lazy loaders cannot restore the
// original picture.
var lazyAttrs = []string{"srcset", "data-src", "data-srcset", "data-lazy-src", "loading"}

var (
	markSel    = cascadia.MustCompile("[" + MarkAttr + "]")
	sourceSel  = cascadia.MustCompile("source[srcset]")
	pictureSel = cascadia.MustCompile("picture")
)

// Size is a width and height in CSS pixels.
type Size struct {
	W float64 `yaml:"width"`
	H float64 `yaml:"height"`
}

// Sizes is the size policy.
type Sizes struct {
	// Default is used when nothing could be measured. Default: 16x11.
	Default Size `yaml:"default"`
	// Team is used for team flags inside a team container. Default: 30x20.
	Team Size `yaml:"team"`
	// Compact is used for small inline flags. Default: 18x12.
	Compact Size `yaml:"compact"`
}

func (s *Sizes) defaults() {
	fill := func(sz *Size, w, h float64) {
		if sz.W <= 0 {
			sz.W = w
		}
		if sz.H <= 0 {
			sz.H = h
		}
	}
	fill(&s.Default, 16, 11)
	fill(&s.Team, 30, 20)
	fill(&s.Compact, 18, 12)
}

// Options configures an Engine.
type Options struct {
	Catalog     *asset.Catalog
	Preferences preference.Source
	Exclusions  *exclusion.List
	// Poster runs the apply step on the document's loop.
	Poster dom.Poster
	Sizes  Sizes
	// TeamContainer selects ancestors that make a team flag large.
	// Default: [class*="team"].
	TeamContainer string
	Logger        *slog.Logger
}

// Stats are engine counters.
type Stats struct {
	Claimed  int64 `json:"claimed"`
	Applied  int64 `json:"applied"`
	Excluded int64 `json:"excluded"`
	Stale    int64 `json:"stale"`
}

// Engine rewrites elements of one document. All methods except Stats must
// run on the document's loop.
type Engine struct {
	catalog *asset.Catalog
	prefs   preference.Source
	excl    *exclusion.List
	poster  dom.Poster
	sizes   Sizes
	team    cascadia.Selector
	logger  *slog.Logger

	epoch   string
	newCode idgen.Generator

	claimed  atomic.Int64
	applied  atomic.Int64
	excluded atomic.Int64
	stale    atomic.Int64
}

// New builds an Engine.
func New(o Options) (*Engine, error) {
	if o.Catalog == nil || o.Preferences == nil || o.Poster == nil {
		return nil, errors.New("rewrite: catalog, preferences and poster are required")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.TeamContainer == "" {
		o.TeamContainer = `[class*="team"]`
	}
	team, err := cascadia.Compile(o.TeamContainer)
	if err != nil {
		return nil, fmt.Errorf("rewrite: team container %q: %w", o.TeamContainer, err)
	}
	o.Sizes.defaults()
	e := &Engine{
		catalog: o.Catalog,
		prefs:   o.Preferences,
		excl:    o.Exclusions,
		poster:  o.Poster,
		sizes:   o.Sizes,
		team:    team,
		logger:  o.Logger,
		newCode: idgen.Short(8),
	}
	e.epoch = e.newCode()
	return e, nil
}

// Epoch returns the token new claims are written with.
func (e *Engine) Epoch() string { return e.epoch }

// Stats returns the counters. Safe from any goroutine.
func (e *Engine) Stats() Stats {
	return Stats{
		Claimed:  e.claimed.Load(),
		Applied:  e.applied.Load(),
		Excluded: e.excluded.Load(),
		Stale:    e.stale.Load(),
	}
}

// IsMarked reports whether el carries the processed mark.
func IsMarked(el *dom.Element) bool { return el.HasAttr(MarkAttr) }

// ResetMarks removes the mark from root and every descendant and starts a
// new epoch. Pending completions of older claims will find their token
// gone. It returns the unmarked elements: once rewritten they no longer look
// like the flag they replaced, so callers rewrite them again with Rewrite.
func (e *Engine) ResetMarks(root *dom.Element) []*dom.Element {
	e.epoch = e.newCode()
	if root == nil {
		return nil
	}
	var cleared []*dom.Element
	if IsMarked(root) {
		cleared = append(cleared, root)
	}
	cleared = append(cleared, root.QueryAll(markSel)...)
	for _, el := range cleared {
		el.RemoveAttr(MarkAttr)
	}
	return cleared
}

// Rewrite dispatches on the tag.
func (e *Engine) Rewrite(ctx context.Context, el *dom.Element) bool {
	if el != nil && el.Is("img") {
		return e.RewriteImage(ctx, el)
	}
	return e.RewriteBackground(ctx, el)
}

// RewriteImage replaces the picture of an <img>. It returns false when the
// element was already claimed.
func (e *Engine) RewriteImage(ctx context.Context, el *dom.Element) bool {
	return e.rewrite(ctx, el, e.applyImage)
}

// RewriteBackground paints the asset as the element's background.
func (e *Engine) RewriteBackground(ctx context.Context, el *dom.Element) bool {
	return e.rewrite(ctx, el, e.applyBackground)
}

func (e *Engine) rewrite(ctx context.Context, el *dom.Element, apply func(*dom.Element, asset.ID, Size)) bool {
	if el == nil || IsMarked(el) {
		return false
	}
	token := e.epoch
	el.SetAttr(MarkAttr, token)
	e.claimed.Add(1)
	size := e.measure(el)

	e.choose(ctx, el).Then(func(id asset.ID) {
		e.poster.Post(func() {
			if el.Attr(MarkAttr) != token {
				e.stale.Add(1)
				return
			}
			apply(el, id, size)
			e.applied.Add(1)
		})
	})
	return true
}

// choose applies exclusions first: the page, then the element's entity.
func (e *Engine) choose(ctx context.Context, el *dom.Element) *preference.Future[asset.ID] {
	if e.excl.ExcludesLocation(el.Document().Location()) {
		e.excluded.Add(1)
		return preference.Resolved(e.catalog.Default())
	}
	if ent, ok := e.excl.Excludes(el); ok {
		e.excluded.Add(1)
		e.logger.Debug("rewrite: excluded entity", "entity", ent.String())
		return preference.Resolved(e.catalog.Default())
	}
	return e.prefs.Selected(ctx)
}

// measure captures the size before any write: rendered, then natural,
// then the default, per dimension.
func (e *Engine) measure(el *dom.Element) Size {
	m := el.Metrics()
	s := Size{W: m.Width, H: m.Height}
	if s.W <= 0 {
		s.W = m.NaturalWidth
	}
	if s.H <= 0 {
		s.H = m.NaturalHeight
	}
	if s.W <= 0 {
		s.W = e.sizes.Default.W
	}
	if s.H <= 0 {
		s.H = e.sizes.Default.H
	}
	return s
}

// teamContext is a team-flag class inside a team container.
func (e *Engine) teamContext(el *dom.Element) bool {
	isTeamFlag := false
	for _, c := range el.Classes() {
		if teamFlagClass(c) {
			isTeamFlag = true
			break
		}
	}
	if !isTeamFlag {
		return false
	}
	p := el.Parent()
	return p != nil && p.Closest(e.team) != nil
}

func (e *Engine) applyImage(el *dom.Element, id asset.ID, captured Size) {
	for _, a := range lazyAttrs {
		el.RemoveAttr(a)
	}
	if p := el.Parent(); p != nil && p.Matches(pictureSel) {
		for _, src := range p.Children() {
			if src.Matches(sourceSel) {
				src.RemoveAttr("srcset")
			}
		}
	}
	el.SetAttr("src", e.catalog.Resolve(id))

	size := captured
	switch {
	case e.teamContext(el):
		size = e.sizes.Team
	case el.HasClass("flag"):
		size = e.sizes.Compact
	}
	el.SetStyle(
		&css.Declaration{Property: "width", Value: px(size.W)},
		&css.Declaration{Property: "height", Value: px(size.H)},
	)
	label := e.catalog.Label(id)
	el.SetAttr("alt", label)
	el.SetAttr("title", label)
}

func (e *Engine) applyBackground(el *dom.Element, id asset.ID, _ Size) {
	size := e.sizes.Compact
	if e.teamContext(el) {
		size = e.sizes.Team
	}
	el.SetStyle(
		&css.Declaration{Property: "display", Value: "inline-block", Important: true},
		&css.Declaration{Property: "width", Value: px(size.W), Important: true},
		&css.Declaration{Property: "height", Value: px(size.H), Important: true},
		&css.Declaration{Property: "background-image", Value: `url("` + e.catalog.Resolve(id) + `")`, Important: true},
		&css.Declaration{Property: "background-position", Value: "center", Important: true},
		&css.Declaration{Property: "background-repeat", Value: "no-repeat", Important: true},
		&css.Declaration{Property: "background-size", Value: "contain", Important: true},
	)
}

func px(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "px"
}

// teamFlagClass matches team-flag, teamflag, team_flag_big and friends.
func teamFlagClass(c string) bool {
	c = strings.ToLower(c)
	i := strings.Index(c, "team")
	return i >= 0 && strings.Contains(c[i:], "flag")
}
