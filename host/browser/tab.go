package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/flagswap/dom"
	"github.com/hazyhaar/flagswap/mutation"
)

// bindingName is the page-to-Go channel installed in every tab.
const bindingName = "__flagswap_binding"

const opNavigate = "__navigate"

var (
	//go:embed observer.js
	observerJS string
	//go:embed apply.js
	applyJS string
	//go:embed measure.js
	measureJS string
)

// Tab is one live page with its mirror.
type Tab struct {
	ID     string
	URL    string
	page   *rod.Page
	mirror *Mirror
	logger *slog.Logger

	rawCh    chan []mutation.Record
	navCh    chan string
	debounce DebounceConfig
}

// TabConfig configures OpenTab.
type TabConfig struct {
	ID       string
	URL      string
	Mirror   MirrorConfig
	Debounce DebounceConfig
}

// OpenTab opens cfg.URL with stealth patches, installs the page observer
// and builds the mirror from the loaded document. Call Run to start
// rewriting.
func OpenTab(ctx context.Context, mgr *Manager, cfg TabConfig) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	log := mgr.cfg.Logger.With("page_id", cfg.ID)

	var page *rod.Page
	var err error
	if mgr.cfg.Mode == Headless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	if len(mgr.cfg.ResourceBlocking) > 0 {
		blockResources(page, mgr.cfg.ResourceBlocking)
	}

	t := &Tab{
		ID:       cfg.ID,
		URL:      cfg.URL,
		page:     page,
		logger:   log,
		rawCh:    make(chan []mutation.Record, 1024),
		navCh:    make(chan string, 16),
		debounce: cfg.Debounce,
	}
	if err := t.install(); err != nil {
		page.Close()
		return nil, err
	}

	navCtx, cancel := context.WithTimeout(ctx, mgr.cfg.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(cfg.URL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", cfg.URL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		log.Warn("browser: wait load timeout", "url", cfg.URL, "error", err)
	}

	res, err := page.Context(navCtx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: get DOM: %w", err)
	}
	mc := cfg.Mirror
	mc.HTML = res.Value.Str()
	mc.Location = cfg.URL
	if info, err := page.Info(); err == nil && info.URL != "" {
		mc.Location = info.URL
	}
	if mc.Logger == nil {
		mc.Logger = log
	}
	t.mirror, err = NewMirror(t, mc)
	if err != nil {
		page.Close()
		return nil, err
	}
	log.Info("browser: tab open", "url", mc.Location, "bytes", len(mc.HTML))
	return t, nil
}

// install adds the binding and the observer script. The script also runs
// on every later document so full navigations reset the mirror.
func (t *Tab) install() error {
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(t.page); err != nil {
		return fmt.Errorf("browser: add binding: %w", err)
	}
	if _, err := t.page.EvalOnNewDocument("(" + observerJS + ")(true)"); err != nil {
		return fmt.Errorf("browser: install observer: %w", err)
	}
	return nil
}

// Mirror returns the tab's mirror.
func (t *Tab) Mirror() *Mirror { return t.mirror }

// Run pumps page records into the mirror and runs it. Blocks until ctx is
// cancelled; the page is closed on return.
func (t *Tab) Run(ctx context.Context) error {
	defer t.page.Close()

	go t.page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == bindingName {
			t.receive(e.Payload)
		}
	})()

	// records sent before the subscription are lost
	t.resync()

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.pump(ctx)
	}()
	err := t.mirror.Run(ctx)
	<-done
	return err
}

// receive runs on the event goroutine.
func (t *Tab) receive(payload string) {
	var recs []mutation.Record
	if err := json.Unmarshal([]byte(payload), &recs); err != nil {
		t.logger.Warn("browser: bad binding payload", "error", err)
		return
	}
	var out []mutation.Record
	for _, r := range recs {
		if r.Op == opNavigate {
			select {
			case t.navCh <- r.Value:
			default:
			}
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return
	}
	select {
	case t.rawCh <- out:
	default:
		t.logger.Warn("browser: record queue full, resetting from page")
		t.resync()
	}
}

// resync replaces the mirror content with the page's current document.
func (t *Tab) resync() {
	res, err := t.page.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		t.logger.Warn("browser: resync failed", "error", err)
		return
	}
	t.mirror.Ingest(context.Background(), []mutation.Record{{Op: mutation.OpDocReset, HTML: res.Value.Str()}})
}

func (t *Tab) pump(ctx context.Context) {
	var seq uint64
	d := newDebouncer(t.debounce, func(recs []mutation.Record) {
		seq++
		b := mutation.NewBatch(t.URL, t.ID, seq, recs)
		t.logger.Debug("browser: batch", "batch_id", b.ID, "seq", b.Seq, "records", len(b.Records))
		t.mirror.Ingest(ctx, b.Records)
	})
	for {
		select {
		case <-ctx.Done():
			return
		case recs := <-t.rawCh:
			for _, r := range recs {
				if r.Op == mutation.OpDocReset {
					d.flush()
					t.mirror.Ingest(ctx, []mutation.Record{r})
					continue
				}
				d.add(r)
			}
		case u := <-t.navCh:
			d.flush()
			t.URL = u
			t.mirror.Navigate(ctx, u)
		case <-d.timerC():
			d.flush()
		}
	}
}

// Push applies records in the page.
func (t *Tab) Push(ctx context.Context, records []mutation.Record) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := t.page.Context(ctx).Eval(applyJS, records); err != nil {
		return fmt.Errorf("browser: push: %w", err)
	}
	return nil
}

// Measure reads live metrics from the page.
func (t *Tab) Measure(xpath string) dom.Metrics {
	if xpath == "" {
		return dom.Metrics{}
	}
	p := t.page.Timeout(2 * time.Second)
	defer p.CancelTimeout()
	res, err := p.Eval(measureJS, xpath)
	if err != nil {
		t.logger.Debug("browser: measure failed", "xpath", xpath, "error", err)
		return dom.Metrics{}
	}
	v := res.Value
	return dom.Metrics{
		Width:         v.Get("w").Num(),
		Height:        v.Get("h").Num(),
		NaturalWidth:  v.Get("nw").Num(),
		NaturalHeight: v.Get("nh").Num(),
	}
}
