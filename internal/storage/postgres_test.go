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
	"os"
	"testing"
	"time"
)

// openPGForTest connects to CHS_PG_DSN and skips when no server is reachable.
// Tables are emptied so the shared conformance checks start clean.
func openPGForTest(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("CHS_PG_DSN")
	if dsn == "" {
		t.Skip("CHS_PG_DSN not set; skipping postgres tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	for _, q := range []string{`DELETE FROM conversations`, `DELETE FROM profile_unlocks`} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			t.Fatalf("reset %q: %v", q, err)
		}
	}
	return s
}

func TestPostgresStore(t *testing.T) {
	s := openPGForTest(t)
	defer s.Close()
	exerciseStore(t, s)
}

func TestPostgresMigrationsAreRecorded(t *testing.T) {
	s := openPGForTest(t)
	defer s.Close()
	ctx := context.Background()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version IN (1, 2)`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected both migrations recorded, got %d", n)
	}
	if err := applyMigrations(ctx, s.db); err != nil {
		t.Fatalf("re-applying migrations must be a no-op: %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("migrations/0002_profile_unlocks.sql")
	if err != nil || v != 2 {
		t.Fatalf("parseVersion = %d, %v", v, err)
	}
	if _, err := parseVersion("notes.sql"); err == nil {
		t.Fatalf("expected error for unnumbered file")
	}
}
