package dbopen_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/flagswap/dbopen"
)

func TestOpenMemory_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var sync, busy int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatal(err)
	}
	if sync != 1 {
		t.Fatalf("synchronous = %d, want 1 (NORMAL)", sync)
	}
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if busy != 5_000 {
		t.Fatalf("busy_timeout = %d, want 5000", busy)
	}
}

func TestOpen_SchemaAndMkdir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "flagswap.db")
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithBusyTimeout(1_000),
		dbopen.WithSchema(`CREATE TABLE t (k TEXT PRIMARY KEY)`))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	if _, err := dbopen.Exec(context.Background(), db, `INSERT INTO t (k) VALUES (?)`, "a"); err != nil {
		t.Fatalf("Exec: %v", err)
	}
}

func TestOpen_BadSchema(t *testing.T) {
	_, err := dbopen.Open(":memory:", dbopen.WithSchema("NOT SQL"))
	if err == nil {
		t.Fatal("expected schema error")
	}
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database table is locked"), true},
		{errors.New("no such table"), false},
	}
	for _, tc := range tests {
		if got := dbopen.IsBusy(tc.err); got != tc.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestExec_ContextCancelled(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dbopen.Exec(ctx, db, "SELECT 1"); err == nil {
		t.Error("expected error on cancelled context")
	}
}
