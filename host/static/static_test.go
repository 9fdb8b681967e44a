package static

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/exclusion"
	"github.com/hazyhaar/flagswap/match"
	"github.com/hazyhaar/flagswap/preference"
	"github.com/hazyhaar/flagswap/scheduler"
	"github.com/hazyhaar/flagswap/styles"
)

func deps(t *testing.T, selected asset.ID) scheduler.Deps {
	t.Helper()
	cat := asset.Builtin()
	excl, err := exclusion.New("player/7")
	if err != nil {
		t.Fatal(err)
	}
	return scheduler.Deps{
		Catalog:     cat,
		Preferences: preference.NewStatic(selected, cat),
		Matcher:     match.Default(),
		Exclusions:  excl,
		Injector:    styles.NewInjector([]string{"ru"}, true),
	}
}

const page = `<!DOCTYPE html><html><head><title>match</title></head><body>
<div class="teamCell"><img class="team-flag" src="/img/static/flags/30x20/RU.gif" alt="Russia" width="18" height="12"></div>
<a href="/player/7/s1mple"><img class="flag" src="/img/static/flags/30x20/UA.gif" alt="Russia"></a>
<img src="/img/static/flags/30x20/DE.gif" alt="Germany">
</body></html>`

func TestRewrite(t *testing.T) {
	d := deps(t, asset.Pirate)
	var out bytes.Buffer
	res, err := New(d).Rewrite(context.Background(), strings.NewReader(page), &out, "https://www.hltv.org/matches/1/x")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if res.Rewritten != 2 || res.Asset != asset.Pirate {
		t.Errorf("result: %+v", res)
	}
	html := out.String()
	if strings.Count(html, d.Catalog.Resolve(asset.Pirate)) < 2 {
		t.Error("pirate asset missing from team flag or stylesheet variable")
	}
	if !strings.Contains(html, d.Catalog.Resolve(asset.Neutral)) {
		t.Error("excluded player did not get the default asset")
	}
	if !strings.Contains(html, `width: 30px`) {
		t.Error("team flag not enlarged")
	}
	if !strings.Contains(html, `id="flagswap-style"`) {
		t.Error("stylesheet not injected")
	}
	if !strings.Contains(html, `alt="Germany"`) {
		t.Error("non-target flag touched")
	}
}

func TestRewrite_StylesheetDisabled(t *testing.T) {
	d := deps(t, asset.Blue)
	d.Injector = styles.NewInjector([]string{"ru"}, false)
	var out bytes.Buffer
	if _, err := New(d).Rewrite(context.Background(), strings.NewReader(page), &out, ""); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "flagswap-style") {
		t.Error("stylesheet injected while disabled")
	}
}

func TestRewrite_CancelledPreference(t *testing.T) {
	d := deps(t, asset.Pirate)
	d.Preferences = pending{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(d).Rewrite(ctx, strings.NewReader(page), &bytes.Buffer{}, ""); err == nil {
		t.Error("want error when the preference never resolves")
	}
}

type pending struct{}

func (pending) Selected(context.Context) *preference.Future[asset.ID] {
	return preference.NewFuture[asset.ID]()
}
