package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/cascadia"
	"go.uber.org/goleak"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/dom"
	"github.com/hazyhaar/flagswap/preference"
	"github.com/hazyhaar/flagswap/rewrite"
	"github.com/hazyhaar/flagswap/styles"
)

const page = `<html><head></head><body>
	<img id="a" src="/img/static/flags/30x20/RU.gif" alt="Russia">
	<img id="b" src="/img/static/flags/30x20/DE.gif" alt="Germany">
	<span><span id="c" class="flag ru"></span>Russia</span>
	<div title="Russia"><img id="d" src="/img/x.png"></div>
</body></html>`

type harness struct {
	doc     *dom.Document
	loop    *dom.Loop
	sched   *Scheduler
	catalog *asset.Catalog
	prefs   *preference.Static
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func start(t *testing.T, src string, cfg Config, opts ...dom.Option) *harness {
	t.Helper()
	doc, err := dom.ParseString(src, "https://www.hltv.org/matches/1/x", opts...)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	cat := asset.Builtin()
	prefs := preference.NewStatic(asset.Pirate, cat)
	loop := dom.NewLoop(doc, nil)
	sched, err := New(doc, loop, Deps{
		Catalog:     cat,
		Preferences: prefs,
		Injector:    styles.NewInjector([]string{"ru"}, true),
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{doc: doc, loop: loop, sched: sched, catalog: cat, prefs: prefs}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.wg.Add(2)
	go func() { defer h.wg.Done(); loop.Run(h.ctx) }()
	go func() { defer h.wg.Done(); sched.Run(h.ctx) }()
	return h
}

func (h *harness) stop() {
	h.cancel()
	h.wg.Wait()
}

// eventually polls cond on the loop until it holds.
func (h *harness) eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ok := false
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := h.loop.Call(ctx, func() { ok = cond() })
		cancel()
		if err == nil && ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) el(id string) *dom.Element {
	return h.doc.DocumentElement().Query(cascadia.MustCompile("#" + id))
}

func (h *harness) hasAsset(id string, a asset.ID) bool {
	el := h.el(id)
	if el == nil {
		return false
	}
	url := h.catalog.Resolve(a)
	return el.Attr("src") == url || strings.Contains(el.StyleProperty("background-image"), url)
}

func slow() Config { return Config{Interval: time.Hour} }

func TestScheduler_ReadySweep(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, page, slow())
	defer h.stop()

	h.eventually(t, "flags rewritten", func() bool {
		return h.hasAsset("a", asset.Pirate) && h.hasAsset("c", asset.Pirate) && h.hasAsset("d", asset.Pirate)
	})
	h.eventually(t, "steady", func() bool { return h.sched.State() == Steady })

	h.eventually(t, "german flag untouched", func() bool {
		return !rewrite.IsMarked(h.el("b")) && h.el("b").Attr("alt") == "Germany"
	})
	h.eventually(t, "background forced inline-block", func() bool {
		return h.el("c").StyleProperty("display") == "inline-block"
	})
	h.eventually(t, "stylesheet injected", func() bool {
		return h.doc.Head().Query(cascadia.MustCompile("#"+styles.ElementID)) != nil &&
			strings.Contains(h.doc.DocumentElement().StyleProperty(styles.Var), h.catalog.Resolve(asset.Pirate))
	})
}

func TestScheduler_WaitsForReady(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, page, slow(), dom.WithReadyState(dom.Loading))
	defer h.stop()

	h.eventually(t, "active", func() bool { return h.sched.State() == Active })
	h.eventually(t, "stylesheet injected while loading", func() bool {
		return h.doc.Head().Query(cascadia.MustCompile("#"+styles.ElementID)) != nil
	})
	h.eventually(t, "nothing before ready", func() bool { return !rewrite.IsMarked(h.el("a")) })
	if st := h.sched.Stats(); st.Sweeps != 0 || st.IncrementalScans != 0 {
		t.Errorf("scanned before ready: %+v", st)
	}

	if err := h.loop.Call(h.ctx, func() { h.doc.SetReadyState(dom.Interactive) }); err != nil {
		t.Fatal(err)
	}
	h.eventually(t, "rewritten after ready", func() bool { return h.hasAsset("a", asset.Pirate) })
}

func TestScheduler_InsertedImage(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, page, slow())
	defer h.stop()
	h.eventually(t, "steady", func() bool { return h.sched.State() == Steady })

	var marked bool
	err := h.loop.Call(h.ctx, func() {
		body := h.doc.Body()
		nodes, err := h.doc.ParseFragment(`<img id="n" src="/img/x.png" alt="Russia flag">`, body.Node())
		if err != nil {
			t.Error(err)
			return
		}
		h.doc.AppendChild(body.Node(), nodes[0])
		// the claim happens when this task's records are delivered
		marked = rewrite.IsMarked(h.el("n"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if marked {
		t.Error("claimed before the mutation batch was delivered")
	}
	h.eventually(t, "inserted image rewritten", func() bool { return h.hasAsset("n", asset.Pirate) })
	if h.sched.Stats().IncrementalScans == 0 {
		t.Error("no incremental scan recorded")
	}
}

func TestScheduler_AttributeChange(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, `<html><body><span id="s" class="x"></span></body></html>`, slow())
	defer h.stop()
	h.eventually(t, "steady", func() bool { return h.sched.State() == Steady })

	if err := h.loop.Call(h.ctx, func() { h.el("s").SetAttr("class", "flag-icon flag-icon-ru") }); err != nil {
		t.Fatal(err)
	}
	h.eventually(t, "class change rewritten", func() bool { return h.hasAsset("s", asset.Pirate) })
}

func TestScheduler_PreferenceChange(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, page, slow())
	defer h.stop()

	h.eventually(t, "first pass", func() bool {
		return h.hasAsset("a", asset.Pirate) && h.hasAsset("c", asset.Pirate) && h.hasAsset("d", asset.Pirate)
	})
	before := h.sched.Engine().Epoch()

	if err, _ := h.prefs.SetSelected(h.ctx, asset.Ukraine).Value(); err != nil {
		t.Fatalf("SetSelected: %v", err)
	}
	h.sched.PreferenceChanged(h.ctx)

	h.eventually(t, "second pass", func() bool {
		return h.hasAsset("a", asset.Ukraine) && h.hasAsset("c", asset.Ukraine) && h.hasAsset("d", asset.Ukraine)
	})
	h.eventually(t, "marks carry the new epoch", func() bool {
		epoch := h.sched.Engine().Epoch()
		return epoch != before && h.el("a").Attr(rewrite.MarkAttr) == epoch &&
			h.el("c").Attr(rewrite.MarkAttr) == epoch && h.el("d").Attr(rewrite.MarkAttr) == epoch
	})
	h.eventually(t, "stylesheet variable refreshed", func() bool {
		return strings.Contains(h.doc.DocumentElement().StyleProperty(styles.Var), h.catalog.Resolve(asset.Ukraine))
	})
	if got := h.sched.Stats().PreferenceChanges; got != 1 {
		t.Errorf("preference changes: %d", got)
	}
}

func TestScheduler_FallbackTicksCatchUnobservedChanges(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, `<html><body><img id="l" src="/img/blank.gif"></body></html>`,
		Config{Interval: 5 * time.Millisecond, MaxTicks: 1000})
	defer h.stop()
	h.eventually(t, "steady", func() bool { return h.sched.State() == Steady })

	// data-src is not a watched attribute; only a tick sees it
	if err := h.loop.Call(h.ctx, func() { h.el("l").SetAttr("data-src", "/img/flags/ru.png") }); err != nil {
		t.Fatal(err)
	}
	h.eventually(t, "tick rewrote the lazy image", func() bool { return h.hasAsset("l", asset.Pirate) })
}

func TestScheduler_TickerExpires(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, page, Config{Interval: time.Millisecond, MaxTicks: 3})
	defer h.stop()

	h.eventually(t, "fallback expired", func() bool { return h.sched.State() == FallbackExpired })
	st := h.sched.Stats()
	if st.Ticks != 3 {
		t.Errorf("ticks: got %d, want 3", st.Ticks)
	}
	h.eventually(t, "ready sweep plus one per tick", func() bool { return h.sched.Stats().Sweeps == 4 })
}

func TestScheduler_NoFallback(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, page, Config{MaxTicks: -1})
	defer h.stop()
	h.eventually(t, "fallback expired", func() bool { return h.sched.State() == FallbackExpired })
	if h.sched.Stats().Ticks != 0 {
		t.Error("ticked with the fallback disabled")
	}
}

func TestScheduler_StyleWritesDoNotRescan(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, `<html><head></head><body><p>no flags here</p></body></html>`, slow())
	defer h.stop()

	h.eventually(t, "stylesheet injected", func() bool {
		return strings.Contains(h.doc.DocumentElement().StyleProperty(styles.Var), h.catalog.Resolve(asset.Pirate))
	})
	if err, _ := h.prefs.SetSelected(h.ctx, asset.Blue).Value(); err != nil {
		t.Fatalf("SetSelected: %v", err)
	}
	h.sched.PreferenceChanged(h.ctx)
	h.eventually(t, "stylesheet variable refreshed", func() bool {
		return strings.Contains(h.doc.DocumentElement().StyleProperty(styles.Var), h.catalog.Resolve(asset.Blue))
	})

	st := h.sched.Stats()
	if st.IncrementalScans != 0 {
		t.Errorf("incremental scans: got %d, want 0", st.IncrementalScans)
	}
	if st.Sweeps != 2 {
		t.Errorf("sweeps: got %d, want ready plus preference", st.Sweeps)
	}
}

func TestScheduler_NoFallbackWhileLoading(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, page, Config{MaxTicks: -1}, dom.WithReadyState(dom.Loading))
	defer h.stop()

	h.eventually(t, "active", func() bool { return h.sched.State() == Active })
	time.Sleep(20 * time.Millisecond)
	if got := h.sched.State(); got != Active {
		t.Fatalf("state before ready: got %s, want active", got)
	}
	if err := h.loop.Call(h.ctx, func() { h.doc.SetReadyState(dom.Complete) }); err != nil {
		t.Fatal(err)
	}
	h.eventually(t, "fallback expired after the ready sweep", func() bool {
		return h.sched.State() == FallbackExpired && h.hasAsset("a", asset.Pirate)
	})
	if got := h.sched.Stats().Sweeps; got != 1 {
		t.Errorf("sweeps: got %d, want 1", got)
	}
}

func TestScheduler_PauseAndResume(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := start(t, page, slow())
	defer h.stop()
	h.eventually(t, "first pass", func() bool { return h.hasAsset("a", asset.Pirate) })

	h.sched.Pause()
	if err := h.loop.Call(h.ctx, func() {
		body := h.doc.Body()
		nodes, err := h.doc.ParseFragment(`<img id="n" alt="Russia flag">`, body.Node())
		if err != nil {
			t.Error(err)
			return
		}
		h.doc.AppendChild(body.Node(), nodes[0])
	}); err != nil {
		t.Fatal(err)
	}
	if err, _ := h.prefs.SetSelected(h.ctx, asset.Ukraine).Value(); err != nil {
		t.Fatalf("SetSelected: %v", err)
	}
	h.sched.PreferenceChanged(h.ctx)
	if err := h.loop.Call(h.ctx, func() {}); err != nil {
		t.Fatal(err)
	}
	if err := h.loop.Call(h.ctx, func() {
		if rewrite.IsMarked(h.el("n")) {
			t.Error("inserted image scanned while paused")
		}
		if !h.hasAsset("a", asset.Pirate) {
			t.Error("preference applied while paused")
		}
	}); err != nil {
		t.Fatal(err)
	}

	h.sched.Resume(h.ctx)
	h.eventually(t, "caught up on resume", func() bool {
		return h.hasAsset("a", asset.Ukraine) && h.hasAsset("n", asset.Ukraine)
	})
}

func TestNew_RequiresDocument(t *testing.T) {
	if _, err := New(nil, nil, Deps{}, Config{}); err == nil {
		t.Error("want error")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Pending: "pending", Active: "active", Steady: "steady", FallbackExpired: "fallback-expired"} {
		if s.String() != want {
			t.Errorf("%d: got %q", s, s.String())
		}
	}
}
