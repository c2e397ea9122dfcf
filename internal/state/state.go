/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package state holds the persisted conversation cursor, its repair rules
// against a freshly compiled chapter, and the record format with migrations.
package state

import (
	"encoding/json"
	"sort"
	"time"

	"chatstory/internal/script"
)

// IDSet is a set of message or item ids. It serializes as a sorted list.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Add(id string) {
	if id != "" {
		s[id] = struct{}{}
	}
}

// Sorted returns the ids in lexical order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s IDSet) Clone() IDSet {
	c := make(IDSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

func (s IDSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Sorted()) }

func (s *IDSet) UnmarshalJSON(b []byte) error {
	var ids []string
	if err := json.Unmarshal(b, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// ConversationState is the persisted cursor and history of one conversation.
// NextMessageIndex may equal the node's message count, meaning the node's
// messages are done and a decision (choice, jump or end) is pending.
type ConversationState struct {
	SchemaVersion    int              `json:"schema_version"`
	ConversationID   string           `json:"conversation_id"`
	ChapterIndex     int              `json:"chapter_index"`
	NodeName         string           `json:"node_name"`
	NextMessageIndex int              `json:"next_message_index"`
	ConsumedIDs      IDSet            `json:"consumed_message_ids"`
	History          []script.Message `json:"history"`
	Paused           bool             `json:"is_paused"`
	UnlockedIDs      IDSet            `json:"unlocked_ids"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// New returns the default state for a conversation: chapter 0, no node yet.
// The validator points NodeName at the chapter's first node.
func New(conversationID string) *ConversationState {
	return &ConversationState{
		SchemaVersion:  CurrentVersion,
		ConversationID: conversationID,
		ConsumedIDs:    IDSet{},
		History:        []script.Message{},
		UnlockedIDs:    IDSet{},
	}
}

// Clone returns a deep copy.
func (s *ConversationState) Clone() *ConversationState {
	c := *s
	c.ConsumedIDs = s.ConsumedIDs.Clone()
	c.UnlockedIDs = s.UnlockedIDs.Clone()
	c.History = append([]script.Message(nil), s.History...)
	return &c
}

// Consume appends a presented message to the history and marks it seen.
// Messages flagged as unlocks register their item id; the returned value
// reports whether the item was newly unlocked.
func (s *ConversationState) Consume(m script.Message) (unlockedNow bool) {
	s.History = append(s.History, m)
	s.ConsumedIDs.Add(m.ID)
	if !m.Unlocks {
		return false
	}
	key := UnlockKey(m)
	if s.UnlockedIDs.Has(key) {
		return false
	}
	s.UnlockedIDs.Add(key)
	return true
}

// UnlockKey is the item id registered when m is displayed: the media key for
// images, the message id otherwise.
func UnlockKey(m script.Message) string {
	if m.MediaKey != "" {
		return m.MediaKey
	}
	return m.ID
}

// Unconsumed filters out messages whose id has already been consumed.
func (s *ConversationState) Unconsumed(msgs []script.Message) []script.Message {
	out := make([]script.Message, 0, len(msgs))
	for _, m := range msgs {
		if !s.ConsumedIDs.Has(m.ID) {
			out = append(out, m)
		}
	}
	return out
}
