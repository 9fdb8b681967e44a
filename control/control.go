// Package control is the selection boundary: the operations a preference
// UI needs, exposed as MCP tools and as a small HTTP API.
//
// Writes go through the preference Setter. Running documents learn about
// them from the preference source's own change notification, so control
// never talks to schedulers directly.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/preference"
)

// Preferences reads and writes the selected asset.
type Preferences interface {
	preference.Source
	preference.Setter
}

// StatsFunc reports host statistics.
type StatsFunc func() any

// AssetInfo describes one catalog entry.
type AssetInfo struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	MediaType string `json:"media_type"`
	Default   bool   `json:"default"`
	Selected  bool   `json:"selected"`
	URL       string `json:"url,omitempty"`
}

// Selection is the selected asset.
type Selection struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Service implements the control operations.
type Service struct {
	catalog *asset.Catalog
	prefs   Preferences
	stats   StatsFunc
	logger  *slog.Logger
}

// New creates a Service. stats may be nil.
func New(catalog *asset.Catalog, prefs Preferences, stats StatsFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = func() any { return struct{}{} }
	}
	return &Service{catalog: catalog, prefs: prefs, stats: stats, logger: logger}
}

// ListAssets returns every asset in catalog order.
func (s *Service) ListAssets(ctx context.Context) ([]AssetInfo, error) {
	sel, err := s.Selected(ctx)
	if err != nil {
		return nil, err
	}
	var out []AssetInfo
	for _, a := range s.catalog.List() {
		out = append(out, AssetInfo{
			ID:        string(a.ID),
			Label:     a.Label,
			MediaType: a.MediaType,
			Default:   a.ID == s.catalog.Default(),
			Selected:  string(a.ID) == sel.ID,
		})
	}
	return out, nil
}

// Asset describes one asset, including its data URL.
func (s *Service) Asset(ctx context.Context, id asset.ID) (*AssetInfo, error) {
	a, ok := s.catalog.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("control: %q: %w", id, asset.ErrUnknown)
	}
	sel, err := s.Selected(ctx)
	if err != nil {
		return nil, err
	}
	return &AssetInfo{
		ID:        string(a.ID),
		Label:     a.Label,
		MediaType: a.MediaType,
		Default:   a.ID == s.catalog.Default(),
		Selected:  string(a.ID) == sel.ID,
		URL:       a.URL(),
	}, nil
}

// Selected returns the current selection.
func (s *Service) Selected(ctx context.Context) (Selection, error) {
	id, err := s.prefs.Selected(ctx).Await(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("control: selected: %w", err)
	}
	return Selection{ID: string(id), Label: s.catalog.Label(id)}, nil
}

// Select stores a new selection.
func (s *Service) Select(ctx context.Context, id asset.ID) (Selection, error) {
	if !s.catalog.Has(id) {
		return Selection{}, fmt.Errorf("control: select %q: %w", id, preference.ErrUnknownAsset)
	}
	setErr, err := s.prefs.SetSelected(ctx, id).Await(ctx)
	if err == nil {
		err = setErr
	}
	if err != nil {
		return Selection{}, fmt.Errorf("control: select %q: %w", id, err)
	}
	s.logger.Info("control: selected", "asset", id)
	return Selection{ID: string(id), Label: s.catalog.Label(id)}, nil
}

// Stats returns host statistics.
func (s *Service) Stats() any { return s.stats() }

// isClientError reports errors caused by the request rather than the host.
func isClientError(err error) bool {
	return errors.Is(err, preference.ErrUnknownAsset) || errors.Is(err, asset.ErrUnknown)
}
