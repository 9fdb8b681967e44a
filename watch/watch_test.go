package watch

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/hazyhaar/flagswap/dbopen"
)

// the pool's opener goroutine lives until t.Cleanup closes the database
var ignoreDB = goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener")

func itemsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE items (id INTEGER PRIMARY KEY, ts INTEGER)`))
}

func insert(t *testing.T, db *sql.DB, ts int64) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO items (ts) VALUES (?)`, ts); err != nil {
		t.Fatal(err)
	}
}

// waitPolling blocks until the watcher has seeded and polled once.
func waitPolling(t *testing.T, w *Watcher) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for w.Stats().Checks == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never polled")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMaxColumnDetector(t *testing.T) {
	db := itemsDB(t)
	det := MaxColumnDetector("items", "ts")
	ctx := context.Background()

	v, err := det(ctx, db)
	if err != nil || v != 0 {
		t.Fatalf("empty table: got %d, %v", v, err)
	}
	insert(t, db, 100)
	if v, _ = det(ctx, db); v != 100 {
		t.Fatalf("got %d, want 100", v)
	}
}

func TestPragmaDataVersion(t *testing.T) {
	db := dbopen.OpenMemory(t)
	v, err := PragmaDataVersion(context.Background(), db)
	if err != nil || v < 0 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent(`we"ird`); got != `"we""ird"` {
		t.Errorf("got %s", got)
	}
}

func TestOnChange_FiresWithNewVersion(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB)

	db := itemsDB(t)
	insert(t, db, 10)
	w := New(db, Options{Interval: 10 * time.Millisecond, Detector: MaxColumnDetector("items", "ts")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var got atomic.Int64
	go func() {
		defer close(done)
		w.OnChange(ctx, func(v int64) error {
			got.Store(v)
			return nil
		})
	}()

	if err := w.WaitForVersion(ctx, 10); err != nil {
		t.Fatalf("seed: %v", err)
	}
	insert(t, db, 20)

	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	if err := w.WaitForVersion(wctx, 20); err != nil {
		t.Fatalf("WaitForVersion: %v", err)
	}
	if got.Load() != 20 {
		t.Errorf("action version: got %d, want 20", got.Load())
	}
	if s := w.Stats(); s.Reloads != 1 || s.ChangesDetected != 1 {
		t.Errorf("stats: %+v", s)
	}

	cancel()
	<-done
}

func TestOnChange_FailedActionRetried(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB)

	db := itemsDB(t)
	w := New(db, Options{Interval: 10 * time.Millisecond, Detector: MaxColumnDetector("items", "ts")})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var calls atomic.Int32
	go func() {
		defer close(done)
		w.OnChange(ctx, func(int64) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		})
	}()

	waitPolling(t, w)
	insert(t, db, 5)
	time.Sleep(50 * time.Millisecond)
	insert(t, db, 6)

	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	if err := w.WaitForVersion(wctx, 6); err != nil {
		t.Fatalf("WaitForVersion: %v (calls=%d)", err, calls.Load())
	}
	if w.Stats().Errors == 0 {
		t.Error("failed action not counted")
	}
	cancel()
	<-done
}

func TestOnChange_Debounce(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreDB)

	db := itemsDB(t)
	w := New(db, Options{
		Interval: 5 * time.Millisecond,
		Debounce: 100 * time.Millisecond,
		Detector: MaxColumnDetector("items", "ts"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var fired atomic.Int32
	go func() {
		defer close(done)
		w.OnChange(ctx, func(int64) error { fired.Add(1); return nil })
	}()

	waitPolling(t, w)
	for i := int64(1); i <= 3; i++ {
		insert(t, db, i)
		time.Sleep(20 * time.Millisecond)
	}
	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	if err := w.WaitForVersion(wctx, 3); err != nil {
		t.Fatal(err)
	}
	if n := fired.Load(); n != 1 {
		t.Errorf("fired %d times, want 1", n)
	}
	cancel()
	<-done
}

func TestWaitForVersion_ContextExpires(t *testing.T) {
	w := New(itemsDB(t), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.WaitForVersion(ctx, 99); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}
