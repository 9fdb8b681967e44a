// Package watch polls a SQLite database for a version token and runs an
// action when it moves. Running hosts use it to notice preference writes
// made by another process, such as `flagswap set`.
//
//	w := watch.New(db, watch.Options{Detector: watch.MaxColumnDetector("preferences", "updated_at")})
//	go w.OnChange(ctx, func(v int64) error { return reload(v) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token. Two different values mean
// something changed.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action fires.
	// Further changes restart it. 0 fires immediately.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector ChangeDetector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls one database. Safe for concurrent use.
type Watcher struct {
	db   *sql.DB
	opts Options

	mu      sync.Mutex
	version int64
	seeded  bool
	bumped  chan struct{} // closed and replaced whenever version moves

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Reloads         int64 `json:"reloads"`
}

// New creates a Watcher. Call OnChange to start it.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts, bumped: make(chan struct{})}
}

// Stats returns the counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.reloads.Load(),
	}
}

// Version returns the last version whose action succeeded.
func (w *Watcher) Version() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// OnChange polls until ctx is cancelled. The first successful read seeds
// the version without firing. When the version moves and the debounce
// window passes, action runs with the new version; if it fails the
// version is kept and the action is retried on the next poll.
func (w *Watcher) OnChange(ctx context.Context, action func(version int64) error) {
	log := w.opts.Logger

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.setVersion(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	pending, hasPending := int64(0), false
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug("watch: stopped")
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if !w.seededWith() {
				w.setVersion(cur)
				continue
			}
			if cur == w.Version() || (hasPending && cur == pending) {
				continue
			}
			w.changes.Add(1)
			pending, hasPending = cur, true
			if w.opts.Debounce <= 0 {
				w.fire(log, action, pending)
				hasPending = false
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if hasPending {
				w.fire(log, action, pending)
				hasPending = false
			}
		}
	}
}

// WaitForVersion blocks until a version >= target has been processed or
// ctx ends.
func (w *Watcher) WaitForVersion(ctx context.Context, target int64) error {
	for {
		w.mu.Lock()
		v, ch := w.version, w.bumped
		w.mu.Unlock()
		if v >= target {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) fire(log *slog.Logger, action func(int64) error, v int64) {
	if err := action(v); err != nil {
		w.errors.Add(1)
		log.Error("watch: action failed", "error", err, "version", v)
		return
	}
	w.reloads.Add(1)
	w.setVersion(v)
	log.Debug("watch: change applied", "version", v)
}

func (w *Watcher) seededWith() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seeded
}

func (w *Watcher) setVersion(v int64) {
	w.mu.Lock()
	w.version = v
	w.seeded = true
	close(w.bumped)
	w.bumped = make(chan struct{})
	w.mu.Unlock()
}

// PragmaDataVersion reads PRAGMA data_version, which moves when another
// connection commits. It is per connection, so use it with a database
// pinned to one connection.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxColumnDetector polls MAX(column) of table. Identifiers are quoted.
func MaxColumnDetector(table, column string) ChangeDetector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
