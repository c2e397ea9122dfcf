/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package engine drives a conversation through its compiled chapters.
//
// Each call (Advance, Resume, SelectChoice) walks the graph until the story
// needs the reader: a pause, a choice, the end, or broken content. Messages
// are handed to a Presenter one slice at a time and only committed to the
// conversation state once Present returns nil for that slice.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	applog "chatstory/internal/log"
	"chatstory/internal/script"
	"chatstory/internal/state"
)

var (
	ErrBusy              = errors.New("conversation is busy")
	ErrNotAwaitingChoice = errors.New("conversation is not waiting for a choice")
	ErrNotPaused         = errors.New("conversation is not paused")
	ErrChoiceOutOfRange  = errors.New("choice index out of range")
	ErrResetThrottled    = errors.New("reset requested too soon")
	ErrStaleConfirmation = errors.New("stale confirmation discarded")
	ErrEnded             = errors.New("story has ended")
	ErrClosed            = errors.New("engine closed")
)

// Status is the observable result of a traversal.
type Status int

const (
	StatusAwaitingPause Status = iota + 1
	StatusAwaitingChoice
	StatusEnded
	StatusContentError
)

func (s Status) String() string {
	switch s {
	case StatusAwaitingPause:
		return "awaiting_pause"
	case StatusAwaitingChoice:
		return "awaiting_choice"
	case StatusEnded:
		return "ended"
	case StatusContentError:
		return "content_error"
	default:
		return "unknown"
	}
}

// EndKind tells a presenter why a conversation stopped for good.
type EndKind int

const (
	EndStory EndKind = iota
	EndContentError
)

// Outcome is where a traversal stopped.
type Outcome struct {
	Status         Status
	ConversationID string
	Chapter        int
	Node           string
	Choices        []script.Choice // set for StatusAwaitingChoice
	Detail         string          // set for StatusContentError
}

// Ticket identifies the state a slice was emitted from. A confirmation is
// applied only while the conversation is still active at the same node and
// generation.
type Ticket struct {
	ConversationID string
	Node           string
	Generation     uint64
}

// Slice is a run of messages presented together.
type Slice struct {
	Ticket   Ticket
	Chapter  int
	Messages []script.Message
	Player   bool // choice responses
}

// Prompt lists the choices of the node the conversation stopped at.
type Prompt struct {
	Ticket  Ticket
	Choices []script.Choice
}

// Presenter displays slices. Present returning nil confirms the slice; any
// error, including a cancelled context, leaves the state untouched.
type Presenter interface {
	Present(ctx context.Context, s Slice) error
	PresentChoices(ctx context.Context, p Prompt) error
	Ended(ctx context.Context, conversationID string, kind EndKind)
	Discard(ctx context.Context, conversationID string)
}

// UnlockSink is told about items unlocked by displayed messages.
type UnlockSink interface {
	Unlocked(ctx context.Context, conversationID, itemID string)
}

// EventSink receives anonymous usage events.
type EventSink interface {
	Event(name string, props map[string]any)
}

// Chapters is the ordered chapter list of a story.
type Chapters interface {
	Len() int
	Load(i int) (*script.ParsedScript, []script.Diagnostic, error)
}

// Store persists conversation state. Save may defer the write; SaveNow and
// Flush must not.
type Store interface {
	Load(ctx context.Context, id string) (*state.ConversationState, error)
	Save(ctx context.Context, st *state.ConversationState) error
	SaveNow(ctx context.Context, st *state.ConversationState) error
	Delete(ctx context.Context, id string) error
	Unlocked(ctx context.Context) ([]string, error)
	Flush(ctx context.Context) error
}

// Options tunes an Engine. Zero values are usable.
type Options struct {
	// MinResetInterval is the minimum time between two resets of one conversation.
	MinResetInterval time.Duration
	// MaxAutoJumps bounds consecutive auto-jumps that present nothing.
	MaxAutoJumps int
	Unlocks      UnlockSink
	Events       EventSink
	Logger       *slog.Logger
	Now          func() time.Time
}

const defaultMaxAutoJumps = 256

// Engine runs one active conversation at a time.
type Engine struct {
	chapters  Chapters
	store     Store
	presenter Presenter
	unlocks   UnlockSink
	events    EventSink
	log       *slog.Logger
	now       func() time.Time
	maxHops   int
	resetGap  time.Duration

	// actMu serializes activation switches and resets.
	actMu sync.Mutex

	mu       sync.Mutex
	cur      *session
	limiters map[string]*rate.Limiter
	closed   bool
}

// session is the in-memory view of the active conversation.
type session struct {
	id      string
	st      *state.ConversationState
	ps      *script.ParsedScript
	chapter int // chapter ps was compiled from
	fresh   bool

	gen    uint64
	busy   bool
	cancel context.CancelFunc
	done   chan struct{}
}

func New(chapters Chapters, store Store, presenter Presenter, opts Options) *Engine {
	e := &Engine{
		chapters:  chapters,
		store:     store,
		presenter: presenter,
		unlocks:   opts.Unlocks,
		events:    opts.Events,
		log:       opts.Logger,
		now:       opts.Now,
		maxHops:   opts.MaxAutoJumps,
		resetGap:  opts.MinResetInterval,
		limiters:  map[string]*rate.Limiter{},
	}
	if e.log == nil {
		e.log = applog.WithComponent("engine")
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.maxHops <= 0 {
		e.maxHops = defaultMaxAutoJumps
	}
	return e
}

// State returns a copy of the conversation's current state.
func (e *Engine) State(ctx context.Context, id string) (*state.ConversationState, error) {
	e.mu.Lock()
	if e.cur != nil && e.cur.id == id {
		c := e.cur.st.Clone()
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()
	return e.store.Load(ctx, id)
}

// Active returns the id of the active conversation, or "".
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return ""
	}
	return e.cur.id
}

func (e *Engine) event(name string, props map[string]any) {
	if e.events != nil {
		e.events.Event(name, props)
	}
}

func (e *Engine) outcome(s *session, status Status) Outcome {
	st := e.snapshot(s)
	return Outcome{Status: status, ConversationID: s.id, Chapter: st.ChapterIndex, Node: st.NodeName}
}

func (e *Engine) ticket(s *session) Ticket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Ticket{ConversationID: s.id, Node: s.st.NodeName, Generation: s.gen}
}

func wrap(op, id string, err error) error {
	return fmt.Errorf("%s %s: %w", op, id, err)
}
