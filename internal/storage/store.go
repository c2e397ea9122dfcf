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
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chatstory/internal/state"
)

// ErrNotFound is returned by Load when no record exists for the id.
var ErrNotFound = errors.New("conversation not found")

// Store persists conversation records. Saving a record also adds its unlocked
// ids to the profile, which outlives Delete.
type Store interface {
	Load(ctx context.Context, id string) (*state.ConversationState, error)
	Save(ctx context.Context, st *state.ConversationState) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	// Unlocked returns the profile's unlocked item ids in lexical order.
	Unlocked(ctx context.Context) ([]string, error)
	Close() error
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend string // "sqlite" (default), "postgres", "file" or "memory"
	Path    string // sqlite database file or file-store directory
	DSN     string // postgres connection string
}

// Open returns the backend described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "sqlite":
		return OpenSQLite(ctx, opts.Path)
	case "postgres", "pg":
		return OpenPostgres(ctx, opts.DSN)
	case "file", "json":
		return OpenFileStore(opts.Path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// MemoryStore keeps encoded records in memory. Records are round-tripped
// through the same encoding as the durable stores.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string][]byte
	unlocked map[string]struct{}
	saves    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string][]byte{}, unlocked: map[string]struct{}{}}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*state.ConversationState, error) {
	m.mu.Lock()
	data, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return state.Decode(data)
}

func (m *MemoryStore) Save(_ context.Context, st *state.ConversationState) error {
	data, err := state.Encode(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[st.ConversationID] = data
	for id := range st.UnlockedIDs {
		m.unlocked[id] = struct{}{}
	}
	m.saves++
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Unlocked(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.unlocked))
	for id := range m.unlocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Saves reports how many writes reached the store.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryStore) Close() error { return nil }
