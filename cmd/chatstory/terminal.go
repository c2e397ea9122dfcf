/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"chatstory/internal/engine"
	"chatstory/internal/script"
)

// terminal prints slices to a writer. Every slice is confirmed as soon as
// it is written unless the context is already done.
type terminal struct {
	mu      sync.Mutex
	w       io.Writer
	contact string
}

func (t *terminal) Present(ctx context.Context, s engine.Slice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range s.Messages {
		if _, err := fmt.Fprintln(t.w, t.format(m)); err != nil {
			return err
		}
	}
	return nil
}

func (t *terminal) format(m script.Message) string {
	who := m.Speaker
	switch {
	case strings.EqualFold(who, script.SpeakerPlayer):
		who = "you"
	case who == "":
		who = t.contact
	}
	switch m.Kind {
	case script.KindSystemNotice:
		return "    (" + m.Text + ")"
	case script.KindImage:
		s := fmt.Sprintf("%-8s [image: %s]", who+":", m.MediaKey)
		if m.Text != "" {
			s += " " + m.Text
		}
		return s
	default:
		return fmt.Sprintf("%-8s %s", who+":", m.Text)
	}
}

func (t *terminal) PresentChoices(_ context.Context, p engine.Prompt) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range p.Choices {
		if _, err := fmt.Fprintf(t.w, "  [%d] %s\n", i+1, c.Label); err != nil {
			return err
		}
	}
	return nil
}

func (t *terminal) Ended(_ context.Context, _ string, kind engine.EndKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if kind == engine.EndContentError {
		fmt.Fprintln(t.w, "-- the story broke off here (content error); try reset --")
		return
	}
	fmt.Fprintln(t.w, "-- the end --")
}

func (t *terminal) Discard(_ context.Context, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "-- conversation %s cleared --\n", id)
}

func (t *terminal) Unlocked(_ context.Context, _ string, item string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "    * unlocked %s\n", item)
}
