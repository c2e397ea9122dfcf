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
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"chatstory/internal/script"
	"chatstory/internal/state"
	"chatstory/internal/storage"
	"chatstory/internal/story"
)

type fakePresenter struct {
	mu        sync.Mutex
	slices    []Slice
	prompts   []Prompt
	ends      []EndKind
	discarded []string
	// hook, when set, runs before a slice is recorded; its error is returned.
	hook func(ctx context.Context, s Slice) error
}

func (p *fakePresenter) Present(ctx context.Context, s Slice) error {
	p.mu.Lock()
	hook := p.hook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, s); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slices = append(p.slices, s)
	return nil
}

func (p *fakePresenter) PresentChoices(_ context.Context, pr Prompt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, pr)
	return nil
}

func (p *fakePresenter) Ended(_ context.Context, _ string, kind EndKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ends = append(p.ends, kind)
}

func (p *fakePresenter) Discard(_ context.Context, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discarded = append(p.discarded, id)
}

func (p *fakePresenter) setHook(h func(ctx context.Context, s Slice) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = h
}

// texts returns the message texts of every recorded slice, one string per slice.
func (p *fakePresenter) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.slices))
	for _, s := range p.slices {
		parts := make([]string, 0, len(s.Messages))
		for _, m := range s.Messages {
			parts = append(parts, m.Text)
		}
		out = append(out, strings.Join(parts, ","))
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	items  []string
	events []string
}

func (r *recordingSink) Unlocked(_ context.Context, convID, itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, convID+":"+itemID)
}

func (r *recordingSink) Event(name string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recordingSink) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	eng   *Engine
	p     *fakePresenter
	mem   *storage.MemoryStore
	store *storage.Throttled
	sink  *recordingSink
	lib   *story.Library
}

func newFixture(t *testing.T, opts Options, chapters ...string) *fixture {
	t.Helper()
	names := make([]string, len(chapters))
	for i := range chapters {
		names[i] = fmt.Sprintf("ch%02d.chat", i)
	}
	f := &fixture{
		p:    &fakePresenter{},
		mem:  storage.NewMemoryStore(),
		sink: &recordingSink{},
		lib:  story.FromSources(names, chapters),
	}
	f.store = storage.NewThrottled(f.mem, 0)
	if opts.Unlocks == nil {
		opts.Unlocks = f.sink
	}
	if opts.Events == nil {
		opts.Events = f.sink
	}
	f.eng = New(f.lib, f.store, f.p, opts)
	t.Cleanup(func() { _ = f.eng.Close(context.Background()) })
	return f
}

func (f *fixture) reopen(t *testing.T) {
	t.Helper()
	if err := f.eng.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.p = &fakePresenter{}
	f.store = storage.NewThrottled(f.mem, 0)
	f.eng = New(f.lib, f.store, f.p, Options{Unlocks: f.sink, Events: f.sink})
	t.Cleanup(func() { _ = f.eng.Close(context.Background()) })
}

func historyIDs(st *state.ConversationState) []string {
	ids := make([]string, 0, len(st.History))
	for _, m := range st.History {
		ids = append(ids, m.ID)
	}
	return ids
}

const pausedChapter = `title: Start
mira: "m0"
mira: "m1"
->
mira: "m2"
mira: "m3"
`

func TestPauseEmitsExactSlices(t *testing.T) {
	f := newFixture(t, Options{}, pausedChapter)
	ctx := context.Background()

	out, err := f.eng.Advance(ctx, "c")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Status != StatusAwaitingPause || out.Node != "Start" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := f.p.texts(); !reflect.DeepEqual(got, []string{"m0,m1"}) {
		t.Fatalf("first slice = %v", got)
	}
	st, _ := f.eng.State(ctx, "c")
	if st.NextMessageIndex != 2 || !st.Paused {
		t.Fatalf("cursor %d paused=%v", st.NextMessageIndex, st.Paused)
	}

	// Advancing while paused does not move.
	if out, err = f.eng.Advance(ctx, "c"); err != nil || out.Status != StatusAwaitingPause {
		t.Fatalf("advance while paused: %+v %v", out, err)
	}
	if len(f.p.texts()) != 1 {
		t.Fatalf("paused advance presented messages: %v", f.p.texts())
	}

	out, err = f.eng.Resume(ctx, "c")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out.Status != StatusEnded {
		t.Fatalf("expected end, got %v", out.Status)
	}
	if got := f.p.texts(); !reflect.DeepEqual(got, []string{"m0,m1", "m2,m3"}) {
		t.Fatalf("slices = %v", got)
	}
	if _, err := f.eng.Resume(ctx, "c"); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}
}

func TestTrailingPauseResumesOnce(t *testing.T) {
	src := `title: Start
mira: "hello"
->
<<jump Next>>
title: Next
mira: "after"
`
	f := newFixture(t, Options{}, src)
	ctx := context.Background()
	if out, err := f.eng.Advance(ctx, "c"); err != nil || out.Status != StatusAwaitingPause {
		t.Fatalf("advance: %+v %v", out, err)
	}
	out, err := f.eng.Resume(ctx, "c")
	if err != nil || out.Status != StatusEnded || out.Node != "Next" {
		t.Fatalf("resume: %+v %v", out, err)
	}
	if got := f.p.texts(); !reflect.DeepEqual(got, []string{"hello", "after"}) {
		t.Fatalf("slices = %v", got)
	}
}

func TestResumeAfterReloadReplaysNothing(t *testing.T) {
	src := pausedChapter + "<<jump Tail>>\ntitle: Tail\nmira: \"m4\"\n->\nmira: \"m5\"\n"
	ctx := context.Background()

	straight := newFixture(t, Options{}, src)
	for {
		out, err := straight.eng.Advance(ctx, "c")
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if out.Status == StatusEnded {
			break
		}
		if _, err := straight.eng.Resume(ctx, "c"); err != nil && !errors.Is(err, ErrNotPaused) {
			t.Fatalf("resume: %v", err)
		}
	}
	want, _ := straight.eng.State(ctx, "c")

	f := newFixture(t, Options{}, src)
	if _, err := f.eng.Advance(ctx, "c"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	f.reopen(t)
	if _, err := f.eng.Resume(ctx, "c"); err != nil {
		t.Fatalf("resume after reload: %v", err)
	}
	f.reopen(t)
	out, err := f.eng.Resume(ctx, "c")
	if err != nil || out.Status != StatusEnded {
		t.Fatalf("second resume after reload: %+v %v", out, err)
	}
	got, _ := f.eng.State(ctx, "c")
	if !reflect.DeepEqual(historyIDs(got), historyIDs(want)) {
		t.Fatalf("history differs:\n got %v\nwant %v", historyIDs(got), historyIDs(want))
	}
	seen := map[string]bool{}
	for _, id := range historyIDs(got) {
		if seen[id] {
			t.Fatalf("message %s replayed", id)
		}
		seen[id] = true
	}
}

func TestFailedPresentationLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, Options{}, pausedChapter)
	ctx := context.Background()
	if err := f.eng.Activate(ctx, "c"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	before, _ := f.eng.State(ctx, "c")

	boom := errors.New("screen gone")
	f.p.setHook(func(context.Context, Slice) error { return boom })
	if _, err := f.eng.Advance(ctx, "c"); !errors.Is(err, boom) {
		t.Fatalf("expected presenter error, got %v", err)
	}
	after, _ := f.eng.State(ctx, "c")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed:\nbefore %+v\n after %+v", before, after)
	}

	f.p.setHook(nil)
	if _, err := f.eng.Advance(ctx, "c"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := f.p.texts(); !reflect.DeepEqual(got, []string{"m0,m1"}) {
		t.Fatalf("slice not replayed: %v", got)
	}
}

func TestCancellationLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, Options{}, pausedChapter)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.eng.Activate(ctx, "c"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	before, _ := f.eng.State(ctx, "c")

	started := make(chan struct{})
	f.p.setHook(func(ctx context.Context, _ Slice) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	errCh := make(chan error, 1)
	go func() {
		_, err := f.eng.Advance(ctx, "c")
		errCh <- err
	}()
	<-started
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	after, _ := f.eng.State(context.Background(), "c")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed by cancelled slice")
	}
}

func TestChoiceWinsOverJump(t *testing.T) {
	src := `title: Ask
mira: "pick one"
<<jump Elsewhere>>
>> choice
-> "Left"
#player: "left!"
<<jump Left>>
-> "Right"
<<jump Right>>
>> endchoice
title: Left
mira: "went left"
title: Right
mira: "went right"
title: Elsewhere
mira: "never shown"
`
	ps, diags := script.Compile(src)
	dead := false
	for _, d := range diags {
		if d.Node == "Ask" && strings.Contains(d.Message, "dead") {
			dead = true
		}
	}
	if !dead {
		t.Fatalf("expected a dead-jump diagnostic, got %+v", diags)
	}
	if n, _ := ps.Node("Ask"); n.AutoJump != "Elsewhere" {
		t.Fatalf("auto jump dropped: %+v", n)
	}

	f := newFixture(t, Options{}, src)
	ctx := context.Background()
	out, err := f.eng.Advance(ctx, "c")
	if err != nil || out.Status != StatusAwaitingChoice || len(out.Choices) != 2 {
		t.Fatalf("advance: %+v %v", out, err)
	}
	// A repeated advance re-sends the prompt without presenting anything.
	if out, err = f.eng.Advance(ctx, "c"); err != nil || out.Status != StatusAwaitingChoice {
		t.Fatalf("repeat advance: %+v %v", out, err)
	}
	if len(f.p.prompts) != 2 || len(f.p.texts()) != 1 {
		t.Fatalf("prompts=%d slices=%v", len(f.p.prompts), f.p.texts())
	}
	if _, err := f.eng.SelectChoice(ctx, "c", 5); !errors.Is(err, ErrChoiceOutOfRange) {
		t.Fatalf("expected ErrChoiceOutOfRange, got %v", err)
	}

	out, err = f.eng.SelectChoice(ctx, "c", 0)
	if err != nil || out.Status != StatusEnded || out.Node != "Left" {
		t.Fatalf("select: %+v %v", out, err)
	}
	if got := f.p.texts(); !reflect.DeepEqual(got, []string{"pick one", "left!", "went left"}) {
		t.Fatalf("slices = %v", got)
	}
	if !f.p.slices[1].Player {
		t.Fatalf("responses not presented as player slice")
	}
	if _, err := f.eng.SelectChoice(ctx, "c", 0); !errors.Is(err, ErrEnded) {
		t.Fatalf("expected ErrEnded, got %v", err)
	}
}

func TestSelectChoiceWhileNotWaiting(t *testing.T) {
	f := newFixture(t, Options{}, pausedChapter)
	ctx := context.Background()
	if _, err := f.eng.Advance(ctx, "c"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := f.eng.SelectChoice(ctx, "c", 0); !errors.Is(err, ErrNotAwaitingChoice) {
		t.Fatalf("expected ErrNotAwaitingChoice, got %v", err)
	}
}

func TestJumpCrossesIntoNextChapter(t *testing.T) {
	ch0 := "title: Start\nmira: \"hi\"\n<<jump X>>\n"
	ch1 := "title: Intro\nmira: \"skipped\"\ntitle: X\n->\nmira: \"in X\"\n"
	f := newFixture(t, Options{}, ch0, ch1)
	ctx := context.Background()

	out, err := f.eng.Advance(ctx, "c")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Status != StatusAwaitingPause || out.Chapter != 1 || out.Node != "X" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	st, _ := f.eng.State(ctx, "c")
	if st.ChapterIndex != 1 || st.NodeName != "X" || st.NextMessageIndex != 0 {
		t.Fatalf("cursor = %d/%s/%d", st.ChapterIndex, st.NodeName, st.NextMessageIndex)
	}
	if !f.sink.has("chapter_crossed") {
		t.Fatalf("chapter_crossed event missing: %v", f.sink.events)
	}

	out, err = f.eng.Resume(ctx, "c")
	if err != nil || out.Status != StatusEnded {
		t.Fatalf("resume: %+v %v", out, err)
	}
	if got := f.p.texts(); !reflect.DeepEqual(got, []string{"hi", "in X"}) {
		t.Fatalf("slices = %v", got)
	}

	// The chapter survives a reload.
	f.reopen(t)
	st, _ = f.eng.State(ctx, "c")
	if err := f.eng.Activate(ctx, "c"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if st.ChapterIndex != 1 {
		t.Fatalf("chapter lost on reload: %d", st.ChapterIndex)
	}
}

func TestUnresolvedJumpIsContentError(t *testing.T) {
	cases := map[string][]string{
		"last chapter":        {"title: A\nmira: \"x\"\n<<jump Ghost>>\n"},
		"missing in next":     {"title: A\nmira: \"x\"\n<<jump Ghost>>\n", "title: B\nmira: \"y\"\n"},
		"choice without jump": {"title: A\nmira: \"x\"\n>> choice\n-> \"Go\"\n>> endchoice\n"},
	}
	for name, chapters := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Options{}, chapters...)
			ctx := context.Background()
			out, err := f.eng.Advance(ctx, "c")
			if err != nil {
				t.Fatalf("advance: %v", err)
			}
			if out.Status == StatusAwaitingChoice {
				out, err = f.eng.SelectChoice(ctx, "c", 0)
				if err != nil {
					t.Fatalf("select: %v", err)
				}
			}
			if out.Status != StatusContentError || out.Detail == "" {
				t.Fatalf("expected content error, got %+v", out)
			}
			if len(f.p.ends) != 1 || f.p.ends[0] != EndContentError {
				t.Fatalf("presenter ends = %v", f.p.ends)
			}
			st, _ := f.eng.State(ctx, "c")
			if st.ChapterIndex != 0 || st.NodeName != "A" {
				t.Fatalf("cursor moved: %d/%s", st.ChapterIndex, st.NodeName)
			}
		})
	}
}

func TestNoChaptersIsContentError(t *testing.T) {
	f := newFixture(t, Options{})
	out, err := f.eng.Advance(context.Background(), "c")
	if err != nil || out.Status != StatusContentError {
		t.Fatalf("expected content error, got %+v %v", out, err)
	}
}

func TestAutoJumpLoopIsBounded(t *testing.T) {
	f := newFixture(t, Options{MaxAutoJumps: 10}, "title: A\n<<jump B>>\ntitle: B\n<<jump A>>\n")
	out, err := f.eng.Advance(context.Background(), "c")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Status != StatusContentError || !strings.Contains(out.Detail, "jumps") {
		t.Fatalf("expected bounded loop, got %+v", out)
	}
}

func TestConcurrentAdvanceIsRejected(t *testing.T) {
	f := newFixture(t, Options{}, pausedChapter)
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.p.setHook(func(context.Context, Slice) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	errCh := make(chan error, 1)
	go func() {
		_, err := f.eng.Advance(ctx, "c")
		errCh <- err
	}()
	<-started
	if _, err := f.eng.Advance(ctx, "c"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := f.eng.Resume(ctx, "c"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for resume, got %v", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first advance: %v", err)
	}
}

func TestActivateDiscardsStaleConfirmation(t *testing.T) {
	f := newFixture(t, Options{}, pausedChapter)
	ctx := context.Background()
	started := make(chan struct{})
	var once sync.Once
	f.p.setHook(func(ctx context.Context, s Slice) error {
		if s.Ticket.ConversationID != "a" {
			return nil
		}
		once.Do(func() { close(started) })
		<-ctx.Done()
		// Confirm anyway, as a presenter finishing an animation would.
		return nil
	})
	errCh := make(chan error, 1)
	go func() {
		_, err := f.eng.Advance(ctx, "a")
		errCh <- err
	}()
	<-started
	if err := f.eng.Activate(ctx, "b"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrStaleConfirmation) {
		t.Fatalf("expected ErrStaleConfirmation, got %v", err)
	}
	if f.eng.Active() != "b" {
		t.Fatalf("active = %q", f.eng.Active())
	}
	st, err := f.mem.Load(ctx, "a")
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	if st.NextMessageIndex != 0 || len(st.History) != 0 {
		t.Fatalf("stale confirmation applied: %+v", st)
	}

	out, err := f.eng.Advance(ctx, "b")
	if err != nil || out.Status != StatusAwaitingPause {
		t.Fatalf("advance b: %+v %v", out, err)
	}
}

func TestResetIsThrottledAndKeepsUnlocks(t *testing.T) {
	src := "title: Start\n>> media mira type:image unlock:true path:img/cat.png\nmira: \"look\"\n"
	clock := &fakeClock{now: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)}
	f := newFixture(t, Options{MinResetInterval: time.Minute, Now: clock.Now}, src)
	ctx := context.Background()

	if out, err := f.eng.Advance(ctx, "c"); err != nil || out.Status != StatusEnded {
		t.Fatalf("advance: %+v %v", out, err)
	}
	if !reflect.DeepEqual(f.sink.items, []string{"c:img/cat.png"}) {
		t.Fatalf("unlock sink = %v", f.sink.items)
	}

	if err := f.eng.Reset(ctx, "c"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := f.eng.Reset(ctx, "c"); !errors.Is(err, ErrResetThrottled) {
		t.Fatalf("expected ErrResetThrottled, got %v", err)
	}
	if !reflect.DeepEqual(f.p.discarded, []string{"c"}) {
		t.Fatalf("discarded = %v", f.p.discarded)
	}
	if _, err := f.eng.State(ctx, "c"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record survived reset: %v", err)
	}
	clock.Add(2 * time.Minute)
	if err := f.eng.Reset(ctx, "c"); err != nil {
		t.Fatalf("reset after interval: %v", err)
	}

	if _, err := f.eng.Advance(ctx, "c"); err != nil {
		t.Fatalf("advance after reset: %v", err)
	}
	st, _ := f.eng.State(ctx, "c")
	if !st.UnlockedIDs.Has("img/cat.png") {
		t.Fatalf("unlock lost across reset: %v", st.UnlockedIDs.Sorted())
	}
	if len(st.History) != 2 {
		t.Fatalf("history not restarted: %d", len(st.History))
	}
	if len(f.sink.items) != 1 {
		t.Fatalf("item unlocked twice: %v", f.sink.items)
	}
	if !f.sink.has("story_reset") || !f.sink.has("story_ended") {
		t.Fatalf("events = %v", f.sink.events)
	}
}

func TestFreshStateIsRecordedOnActivate(t *testing.T) {
	f := newFixture(t, Options{}, pausedChapter)
	ctx := context.Background()
	if err := f.eng.Activate(ctx, "c"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	st, err := f.mem.Load(ctx, "c")
	if err != nil {
		t.Fatalf("fresh state not stored: %v", err)
	}
	if st.NodeName != "Start" || st.ChapterIndex != 0 || st.NextMessageIndex != 0 {
		t.Fatalf("unexpected fresh state %+v", st)
	}
}

func TestBrokenCursorIsRepaired(t *testing.T) {
	f := newFixture(t, Options{}, pausedChapter)
	ctx := context.Background()
	broken := state.New("c")
	broken.ChapterIndex = 3
	broken.NodeName = "Gone"
	broken.NextMessageIndex = 9
	broken.Paused = true
	if err := f.mem.Save(ctx, broken); err != nil {
		t.Fatalf("seed: %v", err)
	}
	out, err := f.eng.Advance(ctx, "c")
	if err != nil || out.Status != StatusAwaitingPause {
		t.Fatalf("advance: %+v %v", out, err)
	}
	if got := f.p.texts(); !reflect.DeepEqual(got, []string{"m0,m1"}) {
		t.Fatalf("slices = %v", got)
	}
}

func TestSuspendForcesThrottledSaves(t *testing.T) {
	f := newFixture(t, Options{}, pausedChapter)
	f.store.MinInterval = time.Hour
	ctx := context.Background()
	if _, err := f.eng.Advance(ctx, "c"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	stored, _ := f.mem.Load(ctx, "c")
	if stored.NextMessageIndex != 0 {
		t.Fatalf("throttled save written early: %d", stored.NextMessageIndex)
	}
	if err := f.eng.Suspend(ctx); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	stored, _ = f.mem.Load(ctx, "c")
	if stored.NextMessageIndex != 2 || !stored.Paused {
		t.Fatalf("suspend did not persist cursor: %+v", stored)
	}
}

func TestClosedEngineRejectsCalls(t *testing.T) {
	f := newFixture(t, Options{}, pausedChapter)
	ctx := context.Background()
	if err := f.eng.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.eng.Advance(ctx, "c"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
