// Command flagswap replaces a national flag on a website with an asset of
// the user's choice.
//
// Usage:
//
//	flagswap [-config flagswap.yaml] [-db flagswap.db] [-log-level info] <command> [args]
//
// Commands:
//
//	watch   [-url URL] [-control ADDR]   rewrite live pages in Chrome
//	proxy   [-listen ADDR]               serve the site through a rewriting proxy
//	rewrite [-location URL] [-o FILE] [FILE]
//	                                     rewrite one HTML document
//	mcp                                  serve the control tools over stdio
//	assets                               list the available assets
//	get                                  print the selected asset
//	set     ID                           select an asset
//	hash-token                           bcrypt a control token read from stdin
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/control"
	"github.com/hazyhaar/flagswap/dbopen"
	"github.com/hazyhaar/flagswap/host/browser"
	"github.com/hazyhaar/flagswap/host/proxy"
	"github.com/hazyhaar/flagswap/host/static"
	"github.com/hazyhaar/flagswap/idgen"
	"github.com/hazyhaar/flagswap/internal/config"
	"github.com/hazyhaar/flagswap/internal/safe"
	"github.com/hazyhaar/flagswap/preference"
	"github.com/hazyhaar/flagswap/scheduler"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to flagswap.yaml (defaults apply when empty)")
	dbPath := flag.String("db", "", "preference database (overrides preference.db)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Usage = usage
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("flagswap: fatal", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: flagswap [-config FILE] [-db FILE] [-log-level LEVEL] watch|proxy|rewrite|mcp|assets|get|set|hash-token [args]")
	flag.PrintDefaults()
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, cmd string, args []string) error {
	if cmd == "hash-token" {
		return runHashToken(os.Stdin, os.Stdout)
	}

	a, err := setup(logger, configPath, dbPath)
	if err != nil {
		return err
	}
	defer a.db.Close()

	switch cmd {
	case "watch":
		return a.runWatch(ctx, args)
	case "proxy":
		return a.runProxy(ctx, args)
	case "rewrite":
		return a.runRewrite(ctx, args)
	case "mcp":
		return a.runMCP(ctx)
	case "assets":
		return a.printJSON(a.service(nil).ListAssets(ctx))
	case "get":
		return a.printJSON(a.service(nil).Selected(ctx))
	case "set":
		if len(args) != 1 {
			return errors.New("set: want exactly one asset id")
		}
		return a.printJSON(a.service(nil).Select(ctx, asset.ID(args[0])))
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// app holds what every command shares.
type app struct {
	cfg     *config.Config
	catalog *asset.Catalog
	db      *sql.DB
	store   *preference.Store
	deps    scheduler.Deps
	logger  *slog.Logger
}

func setup(logger *slog.Logger, configPath, dbPath string) (*app, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		cfg.Preference.DB = dbPath
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	db, err := dbopen.Open(cfg.Preference.DB, dbopen.WithMkdirAll(), dbopen.WithSchema(preference.Schema))
	if err != nil {
		return nil, fmt.Errorf("open preference db: %w", err)
	}
	store, err := preference.NewStore(db, catalog, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	deps, err := cfg.Deps(catalog, store, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &app{cfg: cfg, catalog: catalog, db: db, store: store, deps: deps, logger: logger}, nil
}

func (a *app) service(stats control.StatsFunc) *control.Service {
	if stats == nil {
		stats = func() any { return map[string]string{"version": version} }
	}
	return control.New(a.catalog, a.store, stats, a.logger)
}

func (a *app) printJSON(v any, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	single := fs.String("url", "", "watch this URL instead of the configured pages")
	controlAddr := fs.String("control", "", "serve the control API on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pages := make([]browser.PageSpec, 0, len(a.cfg.Pages))
	for _, p := range a.cfg.Pages {
		pages = append(pages, browser.PageSpec{ID: p.ID, URL: p.URL})
	}
	if *single != "" {
		pages = []browser.PageSpec{{ID: idgen.New(), URL: *single}}
	}

	bc := a.cfg.Browser
	host := browser.New(browser.Config{
		Manager: browser.ManagerConfig{
			RemoteURL:        bc.Remote,
			MemoryLimit:      bc.MemoryLimit,
			RecycleInterval:  bc.RecycleInterval,
			ResourceBlocking: bc.ResourceBlocking,
			Mode:             browser.Mode(bc.Stealth),
			XvfbDisplay:      bc.XvfbDisplay,
			NavigateTimeout:  bc.NavigateTimeout,
		},
		Pages:     pages,
		Debounce:  browser.DebounceConfig{Window: a.cfg.Debounce.Window, MaxBuffer: a.cfg.Debounce.MaxBuffer},
		Scheduler: a.cfg.Scheduler,
		Deps:      a.deps,
		Scope:     a.cfg.Site.InScope,
		Logger:    a.logger,
	})
	host.Watch(a.store)
	a.store.Watch(ctx, a.cfg.Preference.Poll)

	if *controlAddr != "" {
		svc := a.service(func() any { return host.Stats() })
		srv := &http.Server{Addr: *controlAddr, Handler: svc.Handler(a.cfg.Control.TokenHash)}
		go a.serve(ctx, srv)
	}
	a.logger.Info("flagswap: watching", "pages", len(pages), "version", version)
	return host.Run(ctx)
}

func (a *app) runProxy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	listen := fs.String("listen", a.cfg.Proxy.Listen, "listen address")
	upstream := fs.String("upstream", a.cfg.Proxy.Upstream, "origin to proxy")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var p *proxy.Proxy
	svc := a.service(func() any { return p.Stats() })
	p, err := proxy.New(static.New(a.deps), proxy.Config{
		Upstream: *upstream,
		MaxBody:  a.cfg.Proxy.MaxBody,
		Control:  svc.Handler(a.cfg.Control.TokenHash),
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	a.logger.Info("flagswap: proxy starting", "listen", *listen, "upstream", *upstream, "version", version)
	return a.serve(ctx, &http.Server{Addr: *listen, Handler: p, ReadHeaderTimeout: 10 * time.Second})
}

// serve runs srv until ctx ends, then shuts it down gracefully.
func (a *app) serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		a.logger.Error("flagswap: shutdown", "addr", srv.Addr, "error", err)
	}
	a.logger.Info("flagswap: server stopped", "addr", srv.Addr)
	return nil
}

func (a *app) runRewrite(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rewrite", flag.ContinueOnError)
	location := fs.String("location", "", "URL the document was served from, for page exclusions")
	output := fs.String("o", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *location != "" {
		if _, err := url.Parse(*location); err != nil {
			return fmt.Errorf("rewrite: -location: %w", err)
		}
	}

	var in io.Reader = os.Stdin
	if name := fs.Arg(0); name != "" && name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("rewrite: %w", err)
		}
		defer f.Close()
		in = f
	}
	var out io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("rewrite: %w", err)
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriter(out)
	res, err := static.New(a.deps).Rewrite(ctx, in, w, *location)
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("rewrite: %w", err)
	}
	a.logger.Info("flagswap: rewritten", "asset", res.Asset, "matched", res.Matched, "rewritten", res.Rewritten)
	return nil
}

func (a *app) runMCP(ctx context.Context) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: "flagswap", Version: version}, nil)
	a.service(nil).RegisterMCP(srv)
	a.logger.Info("flagswap: mcp on stdio", "version", version)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

func runHashToken(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("hash-token: %w", err)
	}
	token := strings.TrimSpace(line)
	if err := safe.ValidateToken(token); err != nil {
		return fmt.Errorf("hash-token: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash-token: %w", err)
	}
	_, err = fmt.Fprintln(out, string(hash))
	return err
}
