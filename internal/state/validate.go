/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package state

import "chatstory/internal/script"

// Repair names a correction applied by Validate.
type Repair string

const (
	RepairChapter = Repair("chapter_out_of_range")
	RepairNode    = Repair("node_missing")
	RepairIndex   = Repair("message_index_out_of_range")
	RepairPause   = Repair("stale_pause")
)

// ChapterToLoad returns the chapter whose script must be passed to Validate:
// the cursor's chapter, or 0 when that index is out of range.
func ChapterToLoad(s *ConversationState, chapterCount int) int {
	if s.ChapterIndex < 0 || s.ChapterIndex >= chapterCount {
		return 0
	}
	return s.ChapterIndex
}

// Validate repairs s in place against the chapter list length and the
// compiled script of chapter ChapterToLoad(s, chapterCount). The four repairs
// run in order and each is idempotent, so a second call is a no-op.
func Validate(s *ConversationState, chapterCount int, ps *script.ParsedScript) []Repair {
	var repairs []Repair
	if s.ConsumedIDs == nil {
		s.ConsumedIDs = IDSet{}
	}
	if s.UnlockedIDs == nil {
		s.UnlockedIDs = IDSet{}
	}

	if s.ChapterIndex < 0 || s.ChapterIndex >= chapterCount {
		if s.ChapterIndex != 0 || s.NodeName != ps.First() || s.NextMessageIndex != 0 || len(s.ConsumedIDs) > 0 {
			s.ChapterIndex = 0
			s.NodeName = ps.First()
			s.NextMessageIndex = 0
			s.ConsumedIDs = IDSet{}
			repairs = append(repairs, RepairChapter)
		}
	}

	node, ok := ps.Node(s.NodeName)
	if !ok {
		if s.NodeName != ps.First() || s.NextMessageIndex != 0 {
			s.NodeName = ps.First()
			s.NextMessageIndex = 0
			repairs = append(repairs, RepairNode)
		}
		node, ok = ps.Node(s.NodeName)
	}

	if ok && (s.NextMessageIndex < 0 || s.NextMessageIndex > len(node.Messages)) {
		s.NextMessageIndex = 0
		repairs = append(repairs, RepairIndex)
	}

	if s.Paused && (!ok || !node.HasPauseAt(s.NextMessageIndex)) {
		s.Paused = false
		repairs = append(repairs, RepairPause)
	}
	return repairs
}
