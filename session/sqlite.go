// Copyright 2026 The Polydir Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/polydir-project/polydir/lib/sqlitepool"
	"github.com/polydir-project/polydir/ruleset"
)

// SQLiteStore persists per-session rule sets in polydir's state
// database, so the close invocation — typically a separate process —
// can retrieve what the open invocation recorded.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// OpenSQLiteStore opens (creating on demand) the state database.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		// One writer at a time: sessions open and close serially per
		// key, so a small pool is plenty.
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, `
				CREATE TABLE IF NOT EXISTS sessions (
					key        TEXT PRIMARY KEY,
					rules      BLOB NOT NULL,
					created_at INTEGER NOT NULL
				);
			`, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	return &SQLiteStore{pool: pool}, nil
}

// Close releases the store's database connections.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

func (s *SQLiteStore) Set(key string, rules ruleset.RuleSet) error {
	data, err := EncodeRules(rules)
	if err != nil {
		return fmt.Errorf("encoding rule set: %w", err)
	}

	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (key, rules, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET rules = excluded.rules, created_at = excluded.created_at`,
		&sqlitex.ExecOptions{
			Args: []any{key, data, time.Now().Unix()},
		})
	if err != nil {
		return fmt.Errorf("storing session %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(key string) (ruleset.RuleSet, bool, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	var data []byte
	found := false
	err = sqlitex.Execute(conn,
		`SELECT rules FROM sessions WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				data = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, data)
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("loading session %s: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}

	rules, err := DecodeRules(data)
	if err != nil {
		return nil, false, fmt.Errorf("decoding session %s: %w", key, err)
	}
	return rules, true, nil
}

func (s *SQLiteStore) Clear(key string) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM sessions WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
		})
	if err != nil {
		return fmt.Errorf("clearing session %s: %w", key, err)
	}
	return nil
}
