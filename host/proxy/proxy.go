// Package proxy serves the site through a rewriting reverse proxy. HTML
// pages are swept with the static rewriter on the way back to the client;
// everything else streams through untouched. The control API is mounted
// under /_flagswap.
package proxy

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/flagswap/host/static"
	"github.com/hazyhaar/flagswap/internal/safe"
	"github.com/hazyhaar/flagswap/shield"
)

// ControlPrefix is where the control API is mounted.
const ControlPrefix = "/_flagswap"

// Config configures a Proxy.
type Config struct {
	// Upstream is the origin, e.g. https://www.hltv.org.
	Upstream string
	// MaxBody caps bodies rewritten in memory. Default: 16 MiB.
	MaxBody int64
	// Control serves ControlPrefix. Nil leaves it unmounted.
	Control http.Handler
	// BreakerThreshold is the count of consecutive upstream failures that
	// opens the breaker. Default: 5.
	BreakerThreshold int
	// BreakerReset is how long the breaker stays open. Default: 30s.
	BreakerReset time.Duration
	// Now is the breaker clock. Default: time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxBody <= 0 {
		c.MaxBody = 16 << 20
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats counts responses by outcome.
type Stats struct {
	Pages       int64  `json:"pages"`
	Passthrough int64  `json:"passthrough"`
	Oversize    int64  `json:"oversize"`
	Failed      int64  `json:"failed"`
	Rewritten   int64  `json:"rewritten"`
	Rejected    int64  `json:"rejected"`
	Breaker     string `json:"breaker"`
}

// Proxy is the reverse proxy host.
type Proxy struct {
	cfg      Config
	upstream *url.URL
	rw       *static.Rewriter
	rp       *httputil.ReverseProxy
	router   chi.Router
	breaker  *breaker

	pages, passthrough, oversize, failed, rewritten, rejected atomic.Int64
}

// New builds a Proxy around rw.
func New(rw *static.Rewriter, cfg Config) (*Proxy, error) {
	cfg.defaults()
	if err := safe.ValidateURL(cfg.Upstream); err != nil {
		return nil, fmt.Errorf("proxy: upstream: %w", err)
	}
	u, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("proxy: upstream: %w", err)
	}
	p := &Proxy{
		cfg:      cfg,
		upstream: u,
		rw:       rw,
		breaker:  newBreaker(cfg.BreakerThreshold, cfg.BreakerReset, cfg.Now),
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			// identity bodies only, so pages can be rewritten
			pr.Out.Header.Set("Accept-Encoding", "identity")
		},
		Transport:      transport(),
		ModifyResponse: p.modify,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.breaker.RecordFailure()
			cfg.Logger.Warn("proxy: upstream failed", "path", r.URL.Path, "error", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}

	r := chi.NewRouter()
	r.Use(shield.TraceID)
	if cfg.Control != nil {
		r.Mount(ControlPrefix, cfg.Control)
	}
	r.Handle("/*", http.HandlerFunc(p.forward))
	p.router = r
	return p, nil
}

// transport never asks for or decodes compressed bodies: an upstream that
// compresses anyway is passed through untouched.
func transport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DisableCompression = true
	return t
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

// Stats returns a snapshot of the counters.
func (p *Proxy) Stats() Stats {
	return Stats{
		Pages:       p.pages.Load(),
		Passthrough: p.passthrough.Load(),
		Oversize:    p.oversize.Load(),
		Failed:      p.failed.Load(),
		Rewritten:   p.rewritten.Load(),
		Rejected:    p.rejected.Load(),
		Breaker:     p.breaker.State().String(),
	}
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request) {
	if !p.breaker.Allow() {
		p.rejected.Add(1)
		w.Header().Set("Retry-After", strconv.Itoa(int(p.breaker.RetryAfter().Seconds())))
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) modify(resp *http.Response) error {
	if resp.StatusCode >= http.StatusInternalServerError {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}
	if !rewritable(resp) {
		p.passthrough.Add(1)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBody+1))
	if err != nil {
		resp.Body.Close()
		return fmt.Errorf("proxy: read body: %w", err)
	}
	if int64(len(body)) > p.cfg.MaxBody {
		p.oversize.Add(1)
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return nil
	}
	resp.Body.Close()

	location := ""
	if resp.Request != nil {
		location = p.publicURL(resp.Request).String()
	}
	var out bytes.Buffer
	res, err := p.rw.Rewrite(resp.Request.Context(), bytes.NewReader(body), &out, location)
	if err != nil {
		p.failed.Add(1)
		p.cfg.Logger.Warn("proxy: rewrite failed, serving original", "location", location, "error", err)
		setBody(resp, body)
		return nil
	}
	p.pages.Add(1)
	p.rewritten.Add(int64(res.Rewritten))
	setBody(resp, out.Bytes())
	return nil
}

// publicURL is the upstream URL the client asked for, which is what page
// exclusions are written against.
func (p *Proxy) publicURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Scheme = p.upstream.Scheme
	u.Host = p.upstream.Host
	return &u
}

func rewritable(resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK || resp.Request == nil || resp.Request.Method == http.MethodHead {
		return false
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		return false
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && (mt == "text/html" || mt == "application/xhtml+xml")
}

func setBody(resp *http.Response, b []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(b))
	resp.ContentLength = int64(len(b))
	resp.Header.Set("Content-Length", strconv.Itoa(len(b)))
	resp.Header.Del("Etag")
}

