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
	"log/slog"
	"sync"
	"time"

	applog "chatstory/internal/log"
	"chatstory/internal/state"
)

// Throttled coalesces saves so a conversation is written at most once per
// MinInterval. A save inside the window replaces the pending snapshot and is
// written when the window closes. SaveNow, Flush and Close write immediately.
type Throttled struct {
	inner       Store
	MinInterval time.Duration

	// now is replaceable for tests.
	now func() time.Time

	mu      sync.Mutex
	last    map[string]time.Time
	pending map[string]snapshot
	timers  map[string]*time.Timer
	seq     uint64
	closed  bool

	// wmu orders writes; written holds the newest sequence stored per id.
	wmu     sync.Mutex
	written map[string]uint64
}

type snapshot struct {
	st  *state.ConversationState
	seq uint64
}

func NewThrottled(inner Store, minInterval time.Duration) *Throttled {
	return &Throttled{
		inner:       inner,
		MinInterval: minInterval,
		now:         time.Now,
		last:        map[string]time.Time{},
		pending:     map[string]snapshot{},
		timers:      map[string]*time.Timer{},
		written:     map[string]uint64{},
	}
}

// Load returns a pending snapshot when one exists so callers read their own writes.
func (t *Throttled) Load(ctx context.Context, id string) (*state.ConversationState, error) {
	t.mu.Lock()
	if p, ok := t.pending[id]; ok {
		c := p.st.Clone()
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()
	return t.inner.Load(ctx, id)
}

// Save writes st now if the conversation's window has passed, otherwise it
// keeps a copy and schedules the write.
func (t *Throttled) Save(ctx context.Context, st *state.ConversationState) error {
	id := st.ConversationID
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("store closed")
	}
	t.seq++
	seq := t.seq
	wait := t.MinInterval - t.now().Sub(t.last[id])
	if t.MinInterval <= 0 || wait <= 0 {
		t.dropPendingLocked(id)
		t.mu.Unlock()
		return t.write(ctx, st, seq)
	}
	t.pending[id] = snapshot{st: st.Clone(), seq: seq}
	if _, scheduled := t.timers[id]; !scheduled {
		t.timers[id] = time.AfterFunc(wait, func() { t.flushOne(id) })
	}
	t.mu.Unlock()
	return nil
}

// SaveNow writes st immediately and discards any pending snapshot for it.
func (t *Throttled) SaveNow(ctx context.Context, st *state.ConversationState) error {
	t.mu.Lock()
	t.dropPendingLocked(st.ConversationID)
	t.seq++
	seq := t.seq
	t.mu.Unlock()
	return t.write(ctx, st, seq)
}

// Flush writes every pending snapshot.
func (t *Throttled) Flush(ctx context.Context) error {
	t.mu.Lock()
	batch := make([]snapshot, 0, len(t.pending))
	for id, p := range t.pending {
		batch = append(batch, p)
		t.dropPendingLocked(id)
	}
	t.mu.Unlock()
	var errs []error
	for _, p := range batch {
		if err := t.write(ctx, p.st, p.seq); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending reports whether a snapshot for id is waiting to be written.
func (t *Throttled) Pending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Delete drops any pending snapshot before deleting the stored record.
func (t *Throttled) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	t.dropPendingLocked(id)
	delete(t.last, id)
	t.seq++
	seq := t.seq
	t.mu.Unlock()
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.written[id] = seq
	return t.inner.Delete(ctx, id)
}

func (t *Throttled) List(ctx context.Context) ([]string, error) { return t.inner.List(ctx) }

func (t *Throttled) Unlocked(ctx context.Context) ([]string, error) {
	ids, err := t.inner.Unlocked(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return ids, nil
	}
	set := state.NewIDSet(ids...)
	for _, p := range t.pending {
		for id := range p.st.UnlockedIDs {
			set.Add(id)
		}
	}
	return set.Sorted(), nil
}

// Close flushes pending snapshots and closes the wrapped store.
func (t *Throttled) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ferr := t.Flush(ctx)
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return errors.Join(ferr, t.inner.Close())
}

func (t *Throttled) dropPendingLocked(id string) {
	delete(t.pending, id)
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
}

// write stores st unless a newer write or delete for the same id already landed.
func (t *Throttled) write(ctx context.Context, st *state.ConversationState, seq uint64) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if seq < t.written[st.ConversationID] {
		return nil
	}
	if err := t.inner.Save(ctx, st); err != nil {
		return err
	}
	t.written[st.ConversationID] = seq
	t.mu.Lock()
	t.last[st.ConversationID] = t.now()
	t.mu.Unlock()
	return nil
}

func (t *Throttled) flushOne(id string) {
	t.mu.Lock()
	p, ok := t.pending[id]
	delete(t.pending, id)
	delete(t.timers, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.write(ctx, p.st, p.seq); err != nil {
		applog.WithOperation(applog.WithComponent("storage"), "deferred_save").Error("deferred save failed",
			slog.String("conversation", id), slog.Any("err", err))
	}
}
