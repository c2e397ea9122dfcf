/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	applog "chatstory/internal/log"
	"chatstory/internal/state"
	"chatstory/internal/version"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

// sqliteSchemaVersion tracks the local database layout. Bump it together with
// a new case in runSQLiteMigrations.
const sqliteSchemaVersion = 2

// SQLiteStore keeps records in an embedded SQLite database.
type SQLiteStore struct {
	sqlRecords
	Path string
}

// OpenSQLite opens or creates the database at path, enables WAL mode and
// brings the schema up to date.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	l := applog.WithOperation(applog.WithComponent("storage"), "sqlite_open").With(slog.String("path", path))
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		l.Error("sqlite open failed", slog.Any("err", err))
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		l.Error("enable WAL failed", slog.Any("err", err))
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	steps := []struct {
		name string
		fn   func(context.Context, *sql.DB) error
	}{
		{"meta/version", ensureMetaAndVersion},
		{"schema", ensureSQLiteSchema},
		{"migrations", runSQLiteMigrations},
	}
	for _, step := range steps {
		if err := step.fn(ctx, db); err != nil {
			_ = db.Close()
			l.Error("prepare database failed", slog.String("step", step.name), slog.Any("err", err))
			return nil, err
		}
	}
	l.Debug("conversation database ready")
	return &SQLiteStore{
		sqlRecords: sqlRecords{db: db, stamp: func(t time.Time) any { return t.Format(time.RFC3339Nano) }},
		Path:       path,
	}, nil
}

func ensureMetaAndVersion(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS version (
			id          INTEGER PRIMARY KEY CHECK(id=1),
			schema      INTEGER NOT NULL,
			app         TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	appv := version.String()
	var cur int
	err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.ExecContext(ctx, `INSERT INTO version (id, schema, app, created_at, updated_at) VALUES(1, ?, ?, ?, ?)`, sqliteSchemaVersion, appv, now, now); err != nil {
			return fmt.Errorf("insert version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read version: %w", err)
	default:
		// keep the stored schema so migrations can run
		if _, err := db.ExecContext(ctx, `UPDATE version SET app=?, updated_at=? WHERE id=1`, appv, now); err != nil {
			return fmt.Errorf("update version: %w", err)
		}
	}
	return nil
}

// ensureSQLiteSchema creates the version-1 tables. Later tables come from migrations
// or, for a fresh database, are created here as well.
func ensureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			record     TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS profile_unlocks (
			item_id     TEXT PRIMARY KEY,
			unlocked_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);`,
	}
	for _, q := range ddl {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// runSQLiteMigrations applies incremental steps up to sqliteSchemaVersion.
func runSQLiteMigrations(ctx context.Context, db *sql.DB) error {
	var cur int
	if err := db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&cur); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for cur < sqliteSchemaVersion {
		next := cur + 1
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", next, err)
		}
		switch next {
		case 2:
			// v1 kept unlocks only inside records; seed the profile from them.
			err = seedProfileFromRecords(ctx, tx)
		}
		if err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE version SET schema=?, updated_at=? WHERE id=1`, next, time.Now().UTC().Format(time.RFC3339))
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d commit: %w", next, err)
		}
		cur = next
	}
	return nil
}

func seedProfileFromRecords(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT record FROM conversations`)
	if err != nil {
		return err
	}
	var items []string
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			_ = rows.Close()
			return err
		}
		st, err := state.Decode(raw)
		if err != nil {
			applog.WithComponent("storage").Warn("skip unreadable record during migration", slog.Any("err", err))
			continue
		}
		items = append(items, st.UnlockedIDs.Sorted()...)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO profile_unlocks(item_id, unlocked_at) VALUES(?, ?) ON CONFLICT(item_id) DO NOTHING`, item, now); err != nil {
			return err
		}
	}
	return nil
}

// CheckIntegrity runs PRAGMA quick_check and reports anything other than "ok".
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	var res string
	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&res); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(res), "ok") {
		return fmt.Errorf("quick_check: %s", res)
	}
	return nil
}
