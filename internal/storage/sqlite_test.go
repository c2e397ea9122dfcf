/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// TestSQLiteMigrationV1ToV2 seeds a schema-1 database whose record still uses
// the legacy field names and checks the profile is seeded on upgrade.
func TestSQLiteMigrationV1ToV2(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(2000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	legacy := `{"conversationId":"mira","chapterIndex":0,"nodeName":"Start","messageIndex":1,"consumed":["a"],"isPaused":false,"unlocked":["img/old.png"],"history":[]}`
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);`,
		`CREATE TABLE version (id INTEGER PRIMARY KEY CHECK(id=1), schema INTEGER NOT NULL, app TEXT, created_at TEXT NOT NULL, updated_at TEXT NOT NULL);`,
		`INSERT INTO version(id, schema, app, created_at, updated_at) VALUES(1, 1, 'test', '2024-01-01T00:00:00Z', '2024-01-01T00:00:00Z');`,
		`CREATE TABLE conversations (id TEXT PRIMARY KEY, record TEXT NOT NULL, updated_at TEXT NOT NULL);`,
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			t.Fatalf("seed v1 schema: %v (q=%s)", err, q)
		}
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO conversations(id, record, updated_at) VALUES(?, ?, ?)`, "mira", legacy, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	_ = db.Close()

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	var schema int
	if err := s.db.QueryRowContext(ctx, `SELECT schema FROM version WHERE id=1`).Scan(&schema); err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if schema != sqliteSchemaVersion {
		t.Fatalf("schema = %d, want %d", schema, sqliteSchemaVersion)
	}
	unlocked, err := s.Unlocked(ctx)
	if err != nil || !reflect.DeepEqual(unlocked, []string{"img/old.png"}) {
		t.Fatalf("profile not seeded from legacy record: %v, %v", unlocked, err)
	}
	st, err := s.Load(ctx, "mira")
	if err != nil {
		t.Fatalf("load legacy record: %v", err)
	}
	if st.NodeName != "Start" || st.NextMessageIndex != 1 || !st.ConsumedIDs.Has("a") {
		t.Fatalf("legacy record not migrated: %+v", st)
	}
}

func TestSQLiteReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatstory.db")
	ctx := context.Background()
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Save(ctx, sampleState("mira")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_ = s.Close()

	s2, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	st, err := s2.Load(ctx, "mira")
	if err != nil || st.NextMessageIndex != 2 || !st.Paused {
		t.Fatalf("record lost across reopen: %+v, %v", st, err)
	}
}

func TestRebindNumbered(t *testing.T) {
	got := rebindNumbered(`INSERT INTO t(a, b) VALUES(?, ?)`)
	if got != `INSERT INTO t(a, b) VALUES($1, $2)` {
		t.Fatalf("rebind = %q", got)
	}
}
