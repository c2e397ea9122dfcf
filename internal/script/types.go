/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package script

import (
	"fmt"
	"sort"
	"strings"
)

// Reserved speaker ids. Comparison is case-insensitive.
const (
	SpeakerPlayer = "player"
	SpeakerSystem = "system"
)

// MessageKind indicates what a message carries.
// Text:         SPEAKER: "text"
// Image:        >> media SPEAKER type:image path:KEY
// SystemNotice: system: "text"

type MessageKind int

const (
	KindText MessageKind = iota
	KindImage
	KindSystemNotice
)

func (k MessageKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindSystemNotice:
		return "system"
	default:
		return "text"
	}
}

// MarshalText keeps persisted records readable and independent of the iota order.
func (k MessageKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *MessageKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "text":
		*k = KindText
	case "image":
		*k = KindImage
	case "system":
		*k = KindSystemNotice
	default:
		return fmt.Errorf("unknown message kind %q", string(b))
	}
	return nil
}

// Message is one emitted utterance or media event.
// For Image messages MediaKey is primary and Text is an optional caption;
// for the other kinds Text is primary and MediaKey is empty.
type Message struct {
	ID       string      `json:"id"`
	Kind     MessageKind `json:"kind"`
	Speaker  string      `json:"speaker"`
	Text     string      `json:"text,omitempty"`
	MediaKey string      `json:"media_key,omitempty"`
	Unlocks  bool        `json:"unlocks,omitempty"`
}

// IsPlayer reports whether the message is authored by the player.
func (m Message) IsPlayer() bool { return strings.EqualFold(m.Speaker, SpeakerPlayer) }

// Choice is one branch option inside a choice block.
type Choice struct {
	Label     string
	Target    string
	Responses []Message
	Line      int
}

// Node is one addressable point in the graph.
// PauseOffsets is kept sorted and free of duplicates.
type Node struct {
	Name         string
	Messages     []Message
	Choices      []Choice
	PauseOffsets []int
	AutoJump     string
	Line         int
}

// HasPauseAt reports whether execution must stop before message index i.
func (n *Node) HasPauseAt(i int) bool {
	k := sort.SearchInts(n.PauseOffsets, i)
	return k < len(n.PauseOffsets) && n.PauseOffsets[k] == i
}

// SliceEnd returns the exclusive end of the slice that starts at from:
// the first pause offset greater than from, or the message count.
func (n *Node) SliceEnd(from int) int {
	for _, p := range n.PauseOffsets {
		if p > from && p <= len(n.Messages) {
			return p
		}
	}
	return len(n.Messages)
}

// IsEnd reports whether the node terminates the story (no choices, no jump).
func (n *Node) IsEnd() bool { return len(n.Choices) == 0 && n.AutoJump == "" }

func (n *Node) addPause(at int) bool {
	if k := len(n.PauseOffsets); k > 0 && n.PauseOffsets[k-1] == at {
		return false
	}
	n.PauseOffsets = append(n.PauseOffsets, at)
	return true
}

// ParsedScript is the compiled graph of one chapter. It is derived from
// source on every load and never persisted.
type ParsedScript struct {
	Unit  string
	Nodes map[string]*Node
	// Order lists node names in the order they were first declared.
	Order []string
}

// Node returns the node with the given name.
func (p *ParsedScript) Node(name string) (*Node, bool) {
	if p == nil {
		return nil, false
	}
	n, ok := p.Nodes[name]
	return n, ok
}

// First returns the first node declared in the source, or "" when empty.
func (p *ParsedScript) First() string {
	if p == nil || len(p.Order) == 0 {
		return ""
	}
	return p.Order[0]
}

// Severity grades a diagnostic.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Diagnostic describes a recoverable authoring problem found while compiling.
// Line is 1-based; 0 means the diagnostic comes from a whole-script check.
type Diagnostic struct {
	Severity Severity
	Line     int
	Node     string
	Target   string
	Message  string
}

func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(d.Severity.String())
	if d.Line > 0 {
		fmt.Fprintf(&b, " line %d", d.Line)
	}
	if d.Node != "" {
		fmt.Fprintf(&b, " [%s]", d.Node)
	}
	b.WriteString(": ")
	b.WriteString(d.Message)
	return b.String()
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
