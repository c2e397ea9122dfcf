/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package export renders a conversation history as a shareable transcript.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"chatstory/internal/script"
	"chatstory/internal/state"
)

// Transcript is the exported view of one conversation.
type Transcript struct {
	ConversationID string
	Contact        string
	Chapter        int
	Messages       []script.Message
	Unlocked       []string
	Exported       time.Time
}

// FromState builds a transcript of st. contact names the other party; it
// falls back to the conversation id.
func FromState(st *state.ConversationState, contact string, now time.Time) Transcript {
	if contact == "" {
		contact = st.ConversationID
	}
	return Transcript{
		ConversationID: st.ConversationID,
		Contact:        contact,
		Chapter:        st.ChapterIndex,
		Messages:       append([]script.Message(nil), st.History...),
		Unlocked:       st.UnlockedIDs.Sorted(),
		Exported:       now.UTC(),
	}
}

// Title is the heading used by every format.
func (t Transcript) Title() string {
	return fmt.Sprintf("Conversation with %s", t.Contact)
}

// line renders one message as plain text.
func line(m script.Message) string {
	switch m.Kind {
	case script.KindSystemNotice:
		return "-- " + m.Text + " --"
	case script.KindImage:
		s := fmt.Sprintf("%s: [image %s]", m.Speaker, m.MediaKey)
		if m.Text != "" {
			s += " " + m.Text
		}
		return s
	default:
		return m.Speaker + ": " + m.Text
	}
}

// WriteText writes the transcript as plain UTF-8 text.
func WriteText(w io.Writer, t Transcript) error {
	var b strings.Builder
	b.WriteString(t.Title())
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Exported %s, chapter %d\n\n", t.Exported.Format(time.RFC3339), t.Chapter+1)
	for _, m := range t.Messages {
		b.WriteString(line(m))
		b.WriteByte('\n')
	}
	if len(t.Unlocked) > 0 {
		b.WriteString("\nUnlocked:\n")
		for _, item := range t.Unlocked {
			b.WriteString("  ")
			b.WriteString(item)
			b.WriteByte('\n')
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
