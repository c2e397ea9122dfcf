/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	applog "chatstory/internal/log"
	"chatstory/internal/script"
	"chatstory/internal/state"
	"chatstory/internal/storage"
)

// Activate makes id the active conversation. An in-flight presentation of
// the previous conversation is cancelled and awaited, and its state is
// saved before the new state is loaded. Confirmations that arrive for the
// previous conversation afterwards are discarded.
func (e *Engine) Activate(ctx context.Context, id string) error {
	e.actMu.Lock()
	defer e.actMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	old := e.cur
	if old != nil && old.id == id {
		e.mu.Unlock()
		return nil
	}
	done := e.detachLocked()
	e.mu.Unlock()

	if old != nil {
		if err := e.settle(ctx, old, done); err != nil {
			return wrap("activate", id, err)
		}
	}

	s, err := e.open(ctx, id)
	if err != nil {
		return wrap("activate", id, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.cur = s
	e.log.Debug("conversation activated", slog.String("conversation", id), slog.Int("chapter", s.chapter))
	return nil
}

// detachLocked clears the active session and cancels its traversal. The
// returned channel closes once that traversal has returned.
func (e *Engine) detachLocked() chan struct{} {
	s := e.cur
	e.cur = nil
	if s == nil || !s.busy {
		return nil
	}
	s.cancel()
	return s.done
}

// settle waits for the detached session's traversal and force-saves its state.
func (e *Engine) settle(ctx context.Context, s *session, done chan struct{}) error {
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	st := e.snapshot(s)
	if err := e.store.SaveNow(context.WithoutCancel(ctx), st); err != nil {
		return fmt.Errorf("save %s: %w", s.id, err)
	}
	return nil
}

// open loads or creates the state for id, merges the profile unlocks and
// validates it against its chapter. A fresh state is saved before returning.
func (e *Engine) open(ctx context.Context, id string) (*session, error) {
	st, err := e.store.Load(ctx, id)
	fresh := false
	switch {
	case errors.Is(err, storage.ErrNotFound):
		st = state.New(id)
		fresh = true
	case err != nil:
		return nil, err
	}
	unlocked, err := e.store.Unlocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("profile unlocks: %w", err)
	}
	for _, item := range unlocked {
		st.UnlockedIDs.Add(item)
	}

	s := &session{id: id, st: st, chapter: -1, fresh: fresh}
	if err := e.prepare(ctx, s); err != nil {
		// The chapter cannot be loaded; the first traversal reports it.
		e.log.Warn("chapter unavailable", slog.String("conversation", id), slog.Any("err", err))
	}
	if fresh {
		if err := e.store.SaveNow(context.WithoutCancel(ctx), e.snapshot(s)); err != nil {
			return nil, fmt.Errorf("create %s: %w", id, err)
		}
	}
	return s, nil
}

// prepare loads the script of the state's chapter if needed and applies the
// validator. Repaired state is persisted.
func (e *Engine) prepare(ctx context.Context, s *session) error {
	n := e.snapshot(s).Clone()
	count := e.chapters.Len()
	ci := state.ChapterToLoad(n, count)
	ps := s.ps
	if ps == nil || s.chapter != ci {
		loaded, diags, err := e.chapters.Load(ci)
		if err != nil {
			return fmt.Errorf("load chapter %d: %w", ci, err)
		}
		if len(diags) > 0 {
			e.log.DebugContext(ctx, "chapter diagnostics", slog.Int("chapter", ci), slog.Int("count", len(diags)))
		}
		ps = loaded
	}
	repairs := state.Validate(n, count, ps)
	if s.fresh {
		if node, ok := ps.Node(n.NodeName); ok && n.NextMessageIndex == 0 && node.HasPauseAt(0) {
			n.Paused = true
		}
	}

	e.mu.Lock()
	s.ps = ps
	s.chapter = ci
	s.fresh = false
	changed := len(repairs) > 0 || n.Paused != s.st.Paused
	if changed {
		s.st = n
	}
	e.mu.Unlock()

	if len(repairs) > 0 {
		e.log.DebugContext(ctx, "state repaired", slog.Any("repairs", repairs))
		e.persist(ctx, s)
	}
	return nil
}

// begin marks the active session busy for one traversal. The returned
// context is cancelled when the session is detached; end must be called
// when the traversal returns.
func (e *Engine) begin(ctx context.Context, id string) (*session, context.Context, func(), error) {
	if err := e.Activate(ctx, id); err != nil {
		return nil, nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, nil, ErrClosed
	}
	s := e.cur
	if s == nil || s.id != id || s.busy {
		return nil, nil, nil, wrap("begin", id, ErrBusy)
	}
	rctx, cancel := context.WithCancel(applog.WithConversation(ctx, id))
	done := make(chan struct{})
	s.busy = true
	s.gen++
	s.cancel = cancel
	s.done = done
	end := func() {
		e.mu.Lock()
		s.busy = false
		s.cancel = nil
		s.done = nil
		e.mu.Unlock()
		cancel()
		close(done)
	}
	return s, rctx, end, nil
}

func (e *Engine) snapshot(s *session) *state.ConversationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.st
}

// commit applies fn to a copy of the session state and installs the copy,
// provided the ticket still describes the active conversation.
func (e *Engine) commit(s *session, t Ticket, fn func(n *state.ConversationState)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != s || t.ConversationID != s.id || t.Generation != s.gen || t.Node != s.st.NodeName {
		e.log.Warn("stale confirmation discarded",
			slog.String("conversation", t.ConversationID),
			slog.String("node", t.Node),
			slog.Uint64("generation", t.Generation))
		return ErrStaleConfirmation
	}
	n := s.st.Clone()
	fn(n)
	n.UpdatedAt = e.now().UTC()
	s.st = n
	return nil
}

// persist hands the current state to the store. Writes may be deferred by
// the store and are not cancelled with the traversal.
func (e *Engine) persist(ctx context.Context, s *session) {
	if err := e.store.Save(context.WithoutCancel(ctx), e.snapshot(s)); err != nil {
		e.log.ErrorContext(ctx, "save state failed", slog.Any("err", err))
	}
}

func (e *Engine) notifyUnlocks(ctx context.Context, id string, items []string) {
	for _, item := range items {
		e.log.InfoContext(ctx, "item unlocked", slog.String("item", item))
		if e.unlocks != nil {
			e.unlocks.Unlocked(ctx, id, item)
		}
		e.event("item_unlocked", map[string]any{"item": item})
	}
}

// Reset discards the stored conversation so the next traversal starts over.
// Unlocked items stay in the profile. Resets of one conversation closer
// together than MinResetInterval return ErrResetThrottled.
func (e *Engine) Reset(ctx context.Context, id string) error {
	e.actMu.Lock()
	defer e.actMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if lim := e.limiterLocked(id); lim != nil && !lim.AllowN(e.now(), 1) {
		e.mu.Unlock()
		e.log.Debug("reset suppressed", slog.String("conversation", id))
		return wrap("reset", id, ErrResetThrottled)
	}
	var old *session
	var done chan struct{}
	if e.cur != nil && e.cur.id == id {
		old = e.cur
		done = e.detachLocked()
	}
	e.mu.Unlock()

	if old != nil {
		// Saving first moves any pending unlocks into the profile.
		if err := e.settle(ctx, old, done); err != nil {
			return wrap("reset", id, err)
		}
	}
	if err := e.store.Delete(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return wrap("reset", id, err)
	}
	e.presenter.Discard(ctx, id)
	e.log.Info("conversation reset", slog.String("conversation", id))
	e.event("story_reset", nil)
	return nil
}

func (e *Engine) limiterLocked(id string) *rate.Limiter {
	if e.resetGap <= 0 {
		return nil
	}
	lim, ok := e.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.resetGap), 1)
		e.limiters[id] = lim
	}
	return lim
}

// Suspend force-saves the active conversation and flushes deferred writes.
func (e *Engine) Suspend(ctx context.Context) error {
	e.mu.Lock()
	s := e.cur
	e.mu.Unlock()
	if s != nil {
		if err := e.store.SaveNow(ctx, e.snapshot(s)); err != nil {
			return fmt.Errorf("suspend: %w", err)
		}
	}
	if err := e.store.Flush(ctx); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	return nil
}

// Close cancels any traversal, saves the active conversation and rejects
// further calls.
func (e *Engine) Close(ctx context.Context) error {
	e.actMu.Lock()
	defer e.actMu.Unlock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	old := e.cur
	done := e.detachLocked()
	e.mu.Unlock()
	if old != nil {
		if err := e.settle(ctx, old, done); err != nil {
			return err
		}
	}
	return e.store.Flush(ctx)
}

// node returns the node the state points at.
func (s *session) node(st *state.ConversationState) (*script.Node, bool) {
	return s.ps.Node(st.NodeName)
}
