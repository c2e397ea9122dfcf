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
	"strconv"
	"strings"
	"time"

	"chatstory/internal/state"
)

// sqlRecords implements Store on database/sql. Queries are written with "?"
// placeholders and rebound for dialects that number them.
type sqlRecords struct {
	db       *sql.DB
	numbered bool
	stamp    func(time.Time) any
}

func (s *sqlRecords) q(query string) string {
	if !s.numbered {
		return query
	}
	return rebindNumbered(query)
}

// rebindNumbered turns "?" placeholders into "$1", "$2", ...
func rebindNumbered(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlRecords) Load(ctx context.Context, id string) (*state.ConversationState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, s.q(`SELECT record FROM conversations WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return state.Decode(raw)
}

func (s *sqlRecords) Save(ctx context.Context, st *state.ConversationState) error {
	data, err := state.Encode(st)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", st.ConversationID, err)
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO conversations(id, record, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`),
		st.ConversationID, string(data), s.stamp(now)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("save conversation %s: %w", st.ConversationID, err)
	}
	for _, item := range st.UnlockedIDs.Sorted() {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO profile_unlocks(item_id, unlocked_at) VALUES(?, ?)
			ON CONFLICT(item_id) DO NOTHING`), item, s.stamp(now)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save unlock %s: %w", item, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (s *sqlRecords) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM conversations WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

func (s *sqlRecords) List(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT id FROM conversations ORDER BY id`)
}

func (s *sqlRecords) Unlocked(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT item_id FROM profile_unlocks ORDER BY item_id`)
}

func (s *sqlRecords) strings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqlRecords) Close() error { return s.db.Close() }
