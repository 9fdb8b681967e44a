// Package config loads the flagswap YAML configuration and builds the
// engine's collaborators from it. Every field has a default, so an empty
// file is a working configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/exclusion"
	"github.com/hazyhaar/flagswap/internal/safe"
	"github.com/hazyhaar/flagswap/match"
	"github.com/hazyhaar/flagswap/preference"
	"github.com/hazyhaar/flagswap/rewrite"
	"github.com/hazyhaar/flagswap/scheduler"
	"github.com/hazyhaar/flagswap/styles"
)

// ErrNoTarget is returned when a configured target has no country code.
var ErrNoTarget = errors.New("config: target without code")

// Config is the top-level configuration.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Targets    []match.Target   `yaml:"targets"`
	Assets     AssetsConfig     `yaml:"assets"`
	Sizes      rewrite.Sizes    `yaml:"sizes"`
	Exclusions ExclusionsConfig `yaml:"exclusions"`
	Scheduler  scheduler.Config `yaml:"scheduler"`
	Preference PreferenceConfig `yaml:"preference"`
	Browser    BrowserConfig    `yaml:"browser"`
	Pages      []PageConfig     `yaml:"pages"`
	Debounce   DebounceConfig   `yaml:"debounce"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Control    ControlConfig    `yaml:"control"`

	// dir resolves relative file paths; the config file's directory.
	dir string
}

// SiteConfig scopes the selection boundary to one site.
type SiteConfig struct {
	// Domain matches itself and its subdomains. Default: hltv.org.
	Domain string `yaml:"domain"`
	// TeamContainer is the selector of team blocks whose flags are drawn
	// large. Default: [class*="team"].
	TeamContainer string `yaml:"team_container"`
}

// InScope reports whether u belongs to the configured site.
func (s SiteConfig) InScope(u *url.URL) bool {
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	d := strings.ToLower(s.Domain)
	return host == d || strings.HasSuffix(host, "."+d)
}

// AssetsConfig extends the built-in catalog.
type AssetsConfig struct {
	// Default is served on exclusions and preference failures. Default: neutral.
	Default string `yaml:"default"`
	// Custom registers image files as extra assets.
	Custom []AssetFile `yaml:"custom"`
	// DisableStylesheet turns off the global override stylesheet.
	DisableStylesheet bool `yaml:"disable_stylesheet"`
}

// AssetFile is one custom asset.
type AssetFile struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	Path  string `yaml:"path"`
}

// ExclusionsConfig lists entities whose flags keep the default asset.
type ExclusionsConfig struct {
	File    string   `yaml:"file"`
	Entries []string `yaml:"entries"`
}

// PreferenceConfig locates the preference store.
type PreferenceConfig struct {
	// DB is the SQLite file. Default: flagswap.db.
	DB string `yaml:"db"`
	// Poll is how often other writers are looked for. Default: 1s.
	Poll time.Duration `yaml:"poll"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
}

// PageConfig is a page the browser host keeps open.
type PageConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// DebounceConfig controls batching of page mutations.
type DebounceConfig struct {
	Window    time.Duration `yaml:"window"`
	MaxBuffer int           `yaml:"max_buffer"`
}

// ProxyConfig configures the reverse proxy host.
type ProxyConfig struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`
	// MaxBody caps upstream HTML bodies rewritten in memory. Larger pages
	// pass through untouched. Default: 16 MiB.
	MaxBody int64 `yaml:"max_body"`
}

// ControlConfig protects the preference write endpoints.
type ControlConfig struct {
	// TokenHash is a bcrypt hash of the bearer token. Empty leaves writes
	// open.
	TokenHash string `yaml:"token_hash"`
}

// Default returns the configuration of an empty file.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := safe.ReadFile(path, maxFileSize)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// maxFileSize caps the configuration and exclusion files.
const maxFileSize = 1 << 20

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Site.Domain == "" {
		c.Site.Domain = "hltv.org"
	}
	if c.Site.TeamContainer == "" {
		c.Site.TeamContainer = `[class*="team"]`
	}
	if len(c.Targets) == 0 {
		c.Targets = []match.Target{match.Russia()}
	}
	if c.Assets.Default == "" {
		c.Assets.Default = string(asset.DefaultID)
	}
	if c.Preference.DB == "" {
		c.Preference.DB = "flagswap.db"
	}
	if c.Preference.Poll <= 0 {
		c.Preference.Poll = time.Second
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Debounce.Window <= 0 {
		c.Debounce.Window = 100 * time.Millisecond
	}
	if c.Debounce.MaxBuffer <= 0 {
		c.Debounce.MaxBuffer = 1000
	}
	if c.Proxy.Listen == "" {
		c.Proxy.Listen = ":8080"
	}
	if c.Proxy.Upstream == "" {
		c.Proxy.Upstream = "https://www." + c.Site.Domain
	}
	if c.Proxy.MaxBody <= 0 {
		c.Proxy.MaxBody = 16 << 20
	}
	for i := range c.Pages {
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = fmt.Sprintf("page-%d", i+1)
		}
	}
}

func (c *Config) validate() error {
	for i, t := range c.Targets {
		if strings.TrimSpace(t.Code) == "" {
			return fmt.Errorf("targets[%d]: %w", i, ErrNoTarget)
		}
	}
	for i, p := range c.Pages {
		if err := safe.ValidateURL(p.URL); err != nil {
			return fmt.Errorf("config: pages[%d]: %w", i, err)
		}
	}
	if err := safe.ValidateURL(c.Proxy.Upstream); err != nil {
		return fmt.Errorf("config: proxy.upstream: %w", err)
	}
	return nil
}

// Catalog builds the asset catalog: built-ins, custom files, default.
func (c *Config) Catalog() (*asset.Catalog, error) {
	cat := asset.Builtin()
	for _, a := range c.Assets.Custom {
		path, err := safe.Path(c.dir, a.Path)
		if err != nil {
			return nil, fmt.Errorf("config: asset %s: %w", a.ID, err)
		}
		if err := cat.AddFile(asset.ID(a.ID), a.Label, path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if err := cat.SetDefault(asset.ID(c.Assets.Default)); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cat, nil
}

// Matcher compiles the targets.
func (c *Config) Matcher() (*match.Matcher, error) {
	m, err := match.New(c.Targets...)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return m, nil
}

// ExclusionList merges the exclusion file with inline entries.
func (c *Config) ExclusionList() (*exclusion.List, error) {
	entries := append([]string(nil), c.Exclusions.Entries...)
	if c.Exclusions.File != "" {
		path, err := safe.Path(c.dir, c.Exclusions.File)
		if err != nil {
			return nil, fmt.Errorf("config: exclusions: %w", err)
		}
		data, err := safe.ReadFile(path, maxFileSize)
		if err != nil {
			return nil, fmt.Errorf("config: exclusions: %w", err)
		}
		seq, err := exclusion.ReadEntries(data)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", c.Exclusions.File, err)
		}
		entries = append(entries, seq...)
	}
	l, err := exclusion.New(entries...)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return l, nil
}

// Deps builds the collaborators every scheduler of a host shares.
func (c *Config) Deps(catalog *asset.Catalog, prefs preference.Source, logger *slog.Logger) (scheduler.Deps, error) {
	m, err := c.Matcher()
	if err != nil {
		return scheduler.Deps{}, err
	}
	excl, err := c.ExclusionList()
	if err != nil {
		return scheduler.Deps{}, err
	}
	return scheduler.Deps{
		Catalog:       catalog,
		Preferences:   prefs,
		Matcher:       m,
		Exclusions:    excl,
		Injector:      styles.NewInjector(m.Codes(), !c.Assets.DisableStylesheet),
		Sizes:         c.Sizes,
		TeamContainer: c.Site.TeamContainer,
		Logger:        logger,
	}, nil
}
