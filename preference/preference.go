// Package preference stores which replacement asset the user picked and
// tells running documents when it changes.
//
// Reads never fail from the caller's point of view: any problem is logged
// and the catalog default is served instead.
package preference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/flagswap/asset"
	"github.com/hazyhaar/flagswap/dbopen"
	"github.com/hazyhaar/flagswap/watch"
)

// ErrUnknownAsset is returned when selecting an id the catalog lacks.
var ErrUnknownAsset = errors.New("preference: unknown asset")

// Key is the preferences row holding the selected asset.
const Key = "selected_flag"

// Schema creates the preferences table.
const Schema = `CREATE TABLE IF NOT EXISTS preferences (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Source yields the selected asset.
type Source interface {
	Selected(ctx context.Context) *Future[asset.ID]
}

// Setter changes the selected asset.
type Setter interface {
	SetSelected(ctx context.Context, id asset.ID) *Future[error]
}

// Store keeps the preference in SQLite.
type Store struct {
	db      *sql.DB
	catalog *asset.Catalog
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []func(asset.ID)
	written   int64 // updated_at of this Store's last write
}

// NewStore creates the table if needed.
func NewStore(db *sql.DB, catalog *asset.Catalog, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("preference: schema: %w", err)
	}
	return &Store{db: db, catalog: catalog, logger: logger}, nil
}

// Get reads the selected id. A missing row yields the catalog default and
// no error; a stored id the catalog no longer knows also yields the default.
func (s *Store) Get(ctx context.Context) (asset.ID, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, Key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return s.catalog.Default(), nil
	}
	if err != nil {
		return s.catalog.Default(), fmt.Errorf("preference: get: %w", err)
	}
	id := asset.ID(v)
	if !s.catalog.Has(id) {
		s.logger.Warn("preference: stored asset unknown, using default", "stored", v, "default", s.catalog.Default())
		return s.catalog.Default(), nil
	}
	return id, nil
}

// Selected reads the preference off the caller's goroutine. The Future
// always resolves to a usable id.
func (s *Store) Selected(ctx context.Context) *Future[asset.ID] {
	f := NewFuture[asset.ID]()
	go func() {
		id, err := s.Get(ctx)
		if err != nil {
			s.logger.Warn("preference: read failed, using default", "error", err, "default", id)
		}
		f.Resolve(id)
	}()
	return f
}

// Set writes the selection and notifies listeners.
func (s *Store) Set(ctx context.Context, id asset.ID) error {
	if !s.catalog.Has(id) {
		return fmt.Errorf("preference: set %q: %w", id, ErrUnknownAsset)
	}
	ts := time.Now().UnixNano()
	s.mu.Lock()
	if ts <= s.written {
		ts = s.written + 1
	}
	s.written = ts
	s.mu.Unlock()
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = MAX(preferences.updated_at + 1, excluded.updated_at)`,
		Key, string(id), ts)
	if err != nil {
		return fmt.Errorf("preference: set %q: %w", id, err)
	}
	s.logger.Info("preference: selected", "asset", id)
	s.notify(id)
	return nil
}

// SetSelected is Set off the caller's goroutine. Failures are logged and
// also delivered through the Future.
func (s *Store) SetSelected(ctx context.Context, id asset.ID) *Future[error] {
	f := NewFuture[error]()
	go func() {
		err := s.Set(ctx, id)
		if err != nil {
			s.logger.Warn("preference: write failed", "asset", id, "error", err)
		}
		f.Resolve(err)
	}()
	return f
}

// OnChange registers fn to run after every change, whether made through
// this Store or, while Watch runs, by another process. fn runs on the
// writer's or the watcher's goroutine.
func (s *Store) OnChange(fn func(asset.ID)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) notify(id asset.ID) {
	s.mu.Lock()
	ls := append([]func(asset.ID){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range ls {
		fn(id)
	}
}

// Watch polls for writes made by other processes until ctx ends. Writes by
// this Store are already notified by Set and are skipped.
func (s *Store) Watch(ctx context.Context, interval time.Duration) *watch.Watcher {
	w := watch.New(s.db, watch.Options{
		Interval: interval,
		Detector: watch.MaxColumnDetector("preferences", "updated_at"),
		Logger:   s.logger,
	})
	go w.OnChange(ctx, func(v int64) error {
		s.mu.Lock()
		own := v == s.written
		s.mu.Unlock()
		if own {
			return nil
		}
		id, err := s.Get(ctx)
		if err != nil {
			return err
		}
		s.logger.Info("preference: changed externally", "asset", id)
		s.notify(id)
		return nil
	})
	return w
}

// Static is an in-memory Source and Setter.
type Static struct {
	mu        sync.Mutex
	id        asset.ID
	catalog   *asset.Catalog
	listeners []func(asset.ID)
}

// NewStatic returns a Static holding id. catalog may be nil, in which case
// any id is accepted.
func NewStatic(id asset.ID, catalog *asset.Catalog) *Static {
	return &Static{id: id, catalog: catalog}
}

// Selected resolves immediately.
func (s *Static) Selected(context.Context) *Future[asset.ID] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Resolved(s.id)
}

// SetSelected changes the id and notifies listeners synchronously.
func (s *Static) SetSelected(_ context.Context, id asset.ID) *Future[error] {
	if s.catalog != nil && !s.catalog.Has(id) {
		return Resolved[error](fmt.Errorf("preference: set %q: %w", id, ErrUnknownAsset))
	}
	s.mu.Lock()
	s.id = id
	ls := append([]func(asset.ID){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range ls {
		fn(id)
	}
	return Resolved[error](nil)
}

// OnChange registers fn for SetSelected calls.
func (s *Static) OnChange(fn func(asset.ID)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}
