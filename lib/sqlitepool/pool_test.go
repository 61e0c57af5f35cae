// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/polydir-project/polydir/lib/sqlitepool"
)

func TestStandardPragmas(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "state.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	pragma := func(name string) string {
		var out string
		err := sqlitex.Execute(conn, "PRAGMA "+name, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = stmt.ColumnText(0)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("PRAGMA %s: %v", name, err)
		}
		return out
	}

	if got := pragma("journal_mode"); got != "wal" {
		t.Errorf("journal_mode = %q, want wal", got)
	}
	if got := pragma("synchronous"); got != "1" {
		t.Errorf("synchronous = %q, want 1 (NORMAL)", got)
	}
	if got := pragma("foreign_keys"); got != "1" {
		t.Errorf("foreign_keys = %q, want 1", got)
	}
}

func TestOnConnectSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	schema := func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `
			CREATE TABLE IF NOT EXISTS slots (
				key TEXT PRIMARY KEY,
				payload BLOB NOT NULL
			);
		`, nil)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 2, OnConnect: schema})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	// Write on one connection, read on another: the schema and the
	// row must be visible across the pool.
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.Execute(conn, "INSERT INTO slots (key, payload) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"login-1", []byte{0x01}},
	})
	pool.Put(conn)
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}

	conn2, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn2)

	var count int
	err = sqlitex.Execute(conn2, "SELECT COUNT(*) FROM slots", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestTakeHonorsCancellation(t *testing.T) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "state.db"),
		PoolSize: 1,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	held, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}

	pool.Put(held)
}
