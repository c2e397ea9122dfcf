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
	"fmt"
	"log/slog"

	"chatstory/internal/script"
	"chatstory/internal/state"
)

// Advance continues the conversation until it needs the reader. A paused
// conversation reports AwaitingPause again without moving.
func (e *Engine) Advance(ctx context.Context, id string) (Outcome, error) {
	s, rctx, end, err := e.begin(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer end()
	if err := e.prepare(rctx, s); err != nil {
		return e.contentError(rctx, s, err.Error())
	}
	return e.run(rctx, s, false)
}

// Resume continues past the pause the conversation is waiting at.
func (e *Engine) Resume(ctx context.Context, id string) (Outcome, error) {
	s, rctx, end, err := e.begin(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer end()
	if err := e.prepare(rctx, s); err != nil {
		return e.contentError(rctx, s, err.Error())
	}
	if !e.snapshot(s).Paused {
		return Outcome{}, wrap("resume", id, ErrNotPaused)
	}
	return e.run(rctx, s, true)
}

// SelectChoice presents the responses of the chosen option as player
// messages, then jumps to its target and continues.
func (e *Engine) SelectChoice(ctx context.Context, id string, index int) (Outcome, error) {
	s, rctx, end, err := e.begin(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer end()
	if err := e.prepare(rctx, s); err != nil {
		return e.contentError(rctx, s, err.Error())
	}

	st := e.snapshot(s)
	node, ok := s.node(st)
	if !ok || st.Paused || st.NextMessageIndex < len(node.Messages) {
		return Outcome{}, wrap("select choice", id, ErrNotAwaitingChoice)
	}
	if len(node.Choices) == 0 {
		if node.IsEnd() {
			return Outcome{}, wrap("select choice", id, ErrEnded)
		}
		return Outcome{}, wrap("select choice", id, ErrNotAwaitingChoice)
	}
	if index < 0 || index >= len(node.Choices) {
		return Outcome{}, wrap("select choice", id, fmt.Errorf("%w: %d of %d", ErrChoiceOutOfRange, index, len(node.Choices)))
	}
	choice := node.Choices[index]
	e.log.DebugContext(rctx, "choice selected", slog.String("node", node.Name), slog.String("label", choice.Label))

	if msgs := st.Unconsumed(choice.Responses); len(msgs) > 0 {
		t := e.ticket(s)
		if err := e.presenter.Present(rctx, Slice{Ticket: t, Chapter: s.chapter, Messages: msgs, Player: true}); err != nil {
			return Outcome{}, wrap("present responses", id, err)
		}
		var unlocked []string
		err := e.commit(s, t, func(n *state.ConversationState) {
			unlocked = consumeAll(n, msgs)
		})
		if err != nil {
			return Outcome{}, wrap("select choice", id, err)
		}
		e.persist(rctx, s)
		e.notifyUnlocks(rctx, id, unlocked)
	}

	if out, stop, err := e.jump(rctx, s, choice.Target); stop || err != nil {
		return out, err
	}
	return e.run(rctx, s, false)
}

// run walks the graph from the current cursor. With resume set, a pending
// pause is passed once.
func (e *Engine) run(ctx context.Context, s *session, resume bool) (Outcome, error) {
	hops := 0
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, wrap("advance", s.id, err)
		}
		st := e.snapshot(s)
		node, ok := s.node(st)
		if !ok {
			return e.contentError(ctx, s, fmt.Sprintf("node %q not found in chapter %d", st.NodeName, s.chapter))
		}
		if st.Paused && !resume {
			return e.outcome(s, StatusAwaitingPause), nil
		}
		resume = false

		i := st.NextMessageIndex
		if i < len(node.Messages) {
			end := node.SliceEnd(i)
			msgs := st.Unconsumed(node.Messages[i:end])
			t := e.ticket(s)
			if len(msgs) > 0 {
				if err := e.presenter.Present(ctx, Slice{Ticket: t, Chapter: s.chapter, Messages: msgs}); err != nil {
					return Outcome{}, wrap("present", s.id, err)
				}
				hops = 0
			}
			var unlocked []string
			err := e.commit(s, t, func(n *state.ConversationState) {
				unlocked = consumeAll(n, msgs)
				n.NextMessageIndex = end
				n.Paused = node.HasPauseAt(end)
			})
			if err != nil {
				return Outcome{}, wrap("advance", s.id, err)
			}
			e.persist(ctx, s)
			e.notifyUnlocks(ctx, s.id, unlocked)
			continue
		}

		if st.Paused {
			// Resumed past a pause after the last message.
			if err := e.commit(s, e.ticket(s), func(n *state.ConversationState) { n.Paused = false }); err != nil {
				return Outcome{}, wrap("advance", s.id, err)
			}
			e.persist(ctx, s)
		}

		switch {
		case len(node.Choices) > 0:
			if err := e.presenter.PresentChoices(ctx, Prompt{Ticket: e.ticket(s), Choices: node.Choices}); err != nil {
				return Outcome{}, wrap("present choices", s.id, err)
			}
			out := e.outcome(s, StatusAwaitingChoice)
			out.Choices = node.Choices
			return out, nil
		case node.AutoJump != "":
			hops++
			if hops > e.maxHops {
				return e.contentError(ctx, s, fmt.Sprintf("more than %d jumps without new content, last from %q", e.maxHops, node.Name))
			}
			if out, stop, err := e.jump(ctx, s, node.AutoJump); stop || err != nil {
				return out, err
			}
		default:
			return e.ended(ctx, s), nil
		}
	}
}

// jump moves the cursor to target, crossing into the next chapter when the
// current one has no such node. stop reports that the traversal is over.
func (e *Engine) jump(ctx context.Context, s *session, target string) (out Outcome, stop bool, err error) {
	from := e.snapshot(s).NodeName
	if target == "" {
		out, err = e.contentError(ctx, s, fmt.Sprintf("choice in %q has no target", from))
		return out, true, err
	}
	t := e.ticket(s)

	if node, ok := s.ps.Node(target); ok {
		if err := e.commit(s, t, func(n *state.ConversationState) {
			enter(n, target, node)
		}); err != nil {
			return Outcome{}, true, wrap("jump", s.id, err)
		}
		e.persist(ctx, s)
		return Outcome{}, false, nil
	}

	next := s.chapter + 1
	if next >= e.chapters.Len() {
		out, err = e.contentError(ctx, s, fmt.Sprintf("jump target %q from %q not found and no chapter follows", target, from))
		return out, true, err
	}
	ps, diags, lerr := e.chapters.Load(next)
	if lerr != nil {
		out, err = e.contentError(ctx, s, fmt.Sprintf("load chapter %d: %v", next, lerr))
		return out, true, err
	}
	node, ok := ps.Node(target)
	if !ok {
		out, err = e.contentError(ctx, s, fmt.Sprintf("jump target %q from %q not found in chapter %d or %d", target, from, s.chapter, next))
		return out, true, err
	}
	if script.HasErrors(diags) {
		e.log.WarnContext(ctx, "next chapter has errors", slog.Int("chapter", next), slog.Int("diagnostics", len(diags)))
	}
	prev := s.chapter
	if err := e.commit(s, t, func(n *state.ConversationState) {
		n.ChapterIndex = next
		enter(n, target, node)
		s.ps = ps
		s.chapter = next
	}); err != nil {
		return Outcome{}, true, wrap("jump", s.id, err)
	}
	e.persist(ctx, s)
	e.log.InfoContext(ctx, "chapter crossed", slog.Int("from", prev), slog.Int("to", next), slog.String("node", target))
	e.event("chapter_crossed", map[string]any{"from": prev, "to": next})
	return Outcome{}, false, nil
}

// enter points n at the start of node.
func enter(n *state.ConversationState, name string, node *script.Node) {
	n.NodeName = name
	n.NextMessageIndex = 0
	n.Paused = node.HasPauseAt(0)
}

func consumeAll(n *state.ConversationState, msgs []script.Message) []string {
	var unlocked []string
	for _, m := range msgs {
		if n.Consume(m) {
			unlocked = append(unlocked, state.UnlockKey(m))
		}
	}
	return unlocked
}

func (e *Engine) ended(ctx context.Context, s *session) Outcome {
	e.log.InfoContext(ctx, "story ended", slog.Int("chapter", s.chapter))
	e.presenter.Ended(ctx, s.id, EndStory)
	e.event("story_ended", map[string]any{"chapter": s.chapter})
	return e.outcome(s, StatusEnded)
}

// contentError ends the traversal without touching the state.
func (e *Engine) contentError(ctx context.Context, s *session, detail string) (Outcome, error) {
	e.log.ErrorContext(ctx, "content error", slog.String("detail", detail))
	e.presenter.Ended(ctx, s.id, EndContentError)
	e.event("content_error", map[string]any{"chapter": s.chapter})
	out := e.outcome(s, StatusContentError)
	out.Detail = detail
	return out, nil
}
