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
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var messageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:chatstory:message"))

// idScope assigns content-derived ids to the messages of one container
// (a node body or one choice's responses). Identical messages in the same
// container are told apart by their occurrence count, so inserting unrelated
// lines elsewhere does not change existing ids.
type idScope struct {
	prefix string
	seen   map[string]int
}

func newIDScope(unit, node, container string) *idScope {
	return &idScope{prefix: unit + "\x1f" + node + "\x1f" + container, seen: map[string]int{}}
}

func (s *idScope) assign(m *Message) {
	key := strings.Join([]string{
		s.prefix,
		m.Kind.String(),
		strings.ToLower(m.Speaker),
		m.Text,
		m.MediaKey,
	}, "\x1f")
	n := s.seen[key]
	s.seen[key] = n + 1
	m.ID = uuid.NewSHA1(messageNamespace, []byte(key+"\x1f"+strconv.Itoa(n))).String()
}
