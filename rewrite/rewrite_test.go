package rewrite

import (
	"context"
	"strings"
	"testing"

	"github.com/andybalholm/cascadia"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/dom"
	"github.com/hazyhaar/flagswap/exclusion"
	"github.com/hazyhaar/flagswap/preference"
)

type fixture struct {
	doc     *dom.Document
	catalog *asset.Catalog
	engine  *Engine
}

func setup(t *testing.T, src, location string, prefs preference.Source, excl *exclusion.List) *fixture {
	t.Helper()
	doc, err := dom.ParseString(src, location)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	cat := asset.Builtin()
	if prefs == nil {
		prefs = preference.NewStatic(asset.Pirate, cat)
	}
	e, err := New(Options{Catalog: cat, Preferences: prefs, Exclusions: excl, Poster: dom.Inline{Doc: doc}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{doc: doc, catalog: cat, engine: e}
}

func (f *fixture) el(t *testing.T, sel string) *dom.Element {
	t.Helper()
	el := f.doc.DocumentElement().Query(cascadia.MustCompile(sel))
	if el == nil {
		t.Fatalf("no element for %q", sel)
	}
	return el
}

// manual is a Source whose future the test resolves.
type manual struct{ f *preference.Future[asset.ID] }

func (m manual) Selected(context.Context) *preference.Future[asset.ID] { return m.f }

func TestRewriteImage_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t, `<img id="i" src="/img/flags/ru.png" alt="Russia" width="24" height="16">`, "https://www.hltv.org/", nil, nil)
	img := f.el(t, "#i")

	if !f.engine.RewriteImage(ctx, img) {
		t.Fatal("first rewrite should claim")
	}
	after := img.Attr("style")
	if f.engine.RewriteImage(ctx, img) || f.engine.RewriteBackground(ctx, img) {
		t.Error("second rewrite should be a no-op")
	}
	if img.Attr("style") != after {
		t.Errorf("style changed on second call: %q -> %q", after, img.Attr("style"))
	}
	if img.Attr(MarkAttr) != f.engine.Epoch() {
		t.Errorf("mark: got %q, want epoch %q", img.Attr(MarkAttr), f.engine.Epoch())
	}
	if s := f.engine.Stats(); s.Claimed != 1 || s.Applied != 1 {
		t.Errorf("stats: %+v", s)
	}
}

func TestRewriteImage_Substitution(t *testing.T) {
	f := setup(t, `<picture><source id="s" srcset="/ru.webp"><img id="i" src="/ru.png"
		srcset="/ru@2x.png 2x" data-src="/ru.png" data-lazy-src="/ru.png" loading="lazy" alt="Russia"></picture>`,
		"https://www.hltv.org/", nil, nil)
	img := f.el(t, "#i")
	f.engine.RewriteImage(context.Background(), img)

	for _, a := range []string{"srcset", "data-src", "data-lazy-src", "loading"} {
		if img.HasAttr(a) {
			t.Errorf("%s not removed", a)
		}
	}
	if f.el(t, "#s").HasAttr("srcset") {
		t.Error("picture source srcset not removed")
	}
	if img.Attr("src") != f.catalog.Resolve(asset.Pirate) {
		t.Errorf("src: got %.40q", img.Attr("src"))
	}
	if img.Attr("alt") != "Pirate flag" || img.Attr("title") != "Pirate flag" {
		t.Errorf("alt/title: %q / %q", img.Attr("alt"), img.Attr("title"))
	}
}

func TestRewriteImage_SizePolicy(t *testing.T) {
	tests := []struct {
		name string
		src  string
		w, h string
	}{
		{"captured", `<img id="i" width="24" height="16">`, "24px", "16px"},
		{"natural", `<img id="i" data-natural-width="64" data-natural-height="48">`, "64px", "48px"},
		{"default", `<img id="i">`, "16px", "11px"},
		{"compact", `<img id="i" class="flag" width="40" height="30">`, "18px", "12px"},
		{"team", `<div class="team1"><img id="i" class="team-flag" width="40" height="30"></div>`, "30px", "20px"},
		{"team flag outside container", `<div><img id="i" class="team-flag" width="40" height="30"></div>`, "40px", "30px"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.src, "", nil, nil)
			img := f.el(t, "#i")
			f.engine.RewriteImage(context.Background(), img)
			if w, h := img.StyleProperty("width"), img.StyleProperty("height"); w != tt.w || h != tt.h {
				t.Errorf("size: got %sx%s, want %sx%s", w, h, tt.w, tt.h)
			}
		})
	}
}

func TestRewriteBackground(t *testing.T) {
	f := setup(t, `<span>Russia <i id="d" class="flag ru"></i></span>`, "", nil, nil)
	d := f.el(t, "#d")
	f.engine.RewriteBackground(context.Background(), d)

	style := d.Style()
	want := map[string]string{
		"display":             "inline-block",
		"width":               "18px",
		"height":              "12px",
		"background-position": "center",
		"background-repeat":   "no-repeat",
		"background-size":     "contain",
	}
	seen := 0
	for _, decl := range style {
		if !decl.Important {
			t.Errorf("%s is not !important", decl.Property)
		}
		if v, ok := want[decl.Property]; ok {
			seen++
			if decl.Value != v {
				t.Errorf("%s: got %q, want %q", decl.Property, decl.Value, v)
			}
		}
		if decl.Property == "background-image" && !strings.Contains(decl.Value, f.catalog.Resolve(asset.Pirate)) {
			t.Errorf("background-image: got %.60q", decl.Value)
		}
	}
	if seen != len(want) {
		t.Errorf("declarations: %q", d.Attr("style"))
	}
}

func TestRewrite_ExclusionWins(t *testing.T) {
	excl, err := exclusion.New("player/7", "team/5")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	f := setup(t, `<a href="/player/7/s1mple"><img id="i" alt="Russia"></a><img id="j" alt="Russia">`,
		"https://www.hltv.org/matches", nil, excl)
	f.engine.RewriteImage(ctx, f.el(t, "#i"))
	f.engine.RewriteImage(ctx, f.el(t, "#j"))
	if got := f.el(t, "#i").Attr("src"); got != f.catalog.Resolve(f.catalog.Default()) {
		t.Errorf("excluded player: got %.40q, want default asset", got)
	}
	if got := f.el(t, "#j").Attr("src"); got != f.catalog.Resolve(asset.Pirate) {
		t.Errorf("other image: got %.40q, want selected asset", got)
	}

	page := setup(t, `<img id="i" alt="Russia">`, "https://www.hltv.org/team/5/navi", nil, excl)
	page.engine.RewriteImage(ctx, page.el(t, "#i"))
	if got := page.el(t, "#i").Attr("src"); got != page.catalog.Resolve(page.catalog.Default()) {
		t.Errorf("excluded page: got %.40q", got)
	}
	if s := f.engine.Stats(); s.Excluded != 1 {
		t.Errorf("excluded count: %d", s.Excluded)
	}
}

func TestRewrite_StaleCompletionDropped(t *testing.T) {
	src := manual{f: preference.NewFuture[asset.ID]()}
	f := setup(t, `<img id="i" alt="Russia" src="/ru.png">`, "", src, nil)
	img := f.el(t, "#i")

	f.engine.RewriteImage(context.Background(), img)
	if n := len(f.engine.ResetMarks(f.doc.DocumentElement())); n != 1 {
		t.Fatalf("ResetMarks: got %d", n)
	}
	src.f.Resolve(asset.Ukraine)

	if img.Attr("src") != "/ru.png" {
		t.Error("completion of a cleared claim was applied")
	}
	if s := f.engine.Stats(); s.Stale != 1 || s.Applied != 0 {
		t.Errorf("stats: %+v", s)
	}
}

func TestResetMarks_NewEpoch(t *testing.T) {
	f := setup(t, `<div><img alt="Russia"><img alt="Russia"><span class="flag-ru"></span></div>`, "", nil, nil)
	ctx := context.Background()
	for _, el := range f.doc.DocumentElement().QueryAll(cascadia.MustCompile("img")) {
		f.engine.RewriteImage(ctx, el)
	}
	f.engine.RewriteBackground(ctx, f.el(t, "span"))

	old := f.engine.Epoch()
	cleared := f.engine.ResetMarks(f.doc.DocumentElement())
	if len(cleared) != 3 {
		t.Fatalf("cleared %d marks, want 3", len(cleared))
	}
	if f.engine.Epoch() == old {
		t.Error("epoch not bumped")
	}
	if IsMarked(f.el(t, "span")) {
		t.Error("mark survived reset")
	}

	// rewritten images no longer look like the flag; Rewrite takes them anyway
	for _, el := range cleared {
		if !f.engine.Rewrite(ctx, el) {
			t.Errorf("%s not reclaimed", el.Tag())
		}
	}
	if img := f.el(t, "img"); img.Attr(MarkAttr) != f.engine.Epoch() {
		t.Errorf("reclaimed mark: got %q", img.Attr(MarkAttr))
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("want error for missing collaborators")
	}
	doc, _ := dom.ParseString(`<p></p>`, "")
	_, err := New(Options{
		Catalog:       asset.Builtin(),
		Preferences:   preference.NewStatic(asset.Neutral, nil),
		Poster:        dom.Inline{Doc: doc},
		TeamContainer: "[[",
	})
	if err == nil {
		t.Error("want error for bad team container selector")
	}
}
