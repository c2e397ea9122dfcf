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

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gojsonschema "github.com/xeipuuv/gojsonschema"

	"chatstory/internal/script"
)

// CurrentVersion is the record schema written by Encode.
const CurrentVersion = 2

//go:embed record.schema.json
var recordSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(recordSchema)

// ErrInvalidRecord wraps schema violations found by Decode.
var ErrInvalidRecord = errors.New("invalid conversation record")

// migration upgrades a raw record from one version to the next in place.
type migration func(rec map[string]any) error

// migrations is keyed by the version a step upgrades from.
var migrations = map[int]migration{
	1: migrateV1ToV2,
}

// v1 records were written with camelCase keys and no version field.
func migrateV1ToV2(rec map[string]any) error {
	renames := map[string]string{
		"conversationId": "conversation_id",
		"chapterIndex":   "chapter_index",
		"nodeName":       "node_name",
		"messageIndex":   "next_message_index",
		"consumed":       "consumed_message_ids",
		"isPaused":       "is_paused",
		"unlocked":       "unlocked_ids",
		"updatedAt":      "updated_at",
	}
	for from, to := range renames {
		if v, ok := rec[from]; ok {
			if _, exists := rec[to]; !exists {
				rec[to] = v
			}
			delete(rec, from)
		}
	}
	for _, key := range []string{"consumed_message_ids", "unlocked_ids", "history"} {
		if rec[key] == nil {
			rec[key] = []any{}
		}
	}
	if _, ok := rec["is_paused"]; !ok {
		rec["is_paused"] = false
	}
	if _, ok := rec["node_name"]; !ok {
		rec["node_name"] = ""
	}
	for _, key := range []string{"chapter_index", "next_message_index"} {
		if _, ok := rec[key]; !ok {
			rec[key] = 0
		}
	}
	return nil
}

func recordVersion(rec map[string]any) (int, error) {
	raw, ok := rec["schema_version"]
	if !ok {
		return 1, nil
	}
	f, ok := raw.(float64)
	if !ok || f != float64(int(f)) {
		return 0, fmt.Errorf("%w: schema_version %v is not an integer", ErrInvalidRecord, raw)
	}
	return int(f), nil
}

// Migrate upgrades a raw record to CurrentVersion. Records from a newer
// version are rejected. It reports the version the record was read at.
func Migrate(data []byte) ([]byte, int, error) {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	from, err := recordVersion(rec)
	if err != nil {
		return nil, 0, err
	}
	if from > CurrentVersion {
		return nil, from, fmt.Errorf("%w: schema_version %d is newer than supported %d", ErrInvalidRecord, from, CurrentVersion)
	}
	if from == CurrentVersion {
		return data, from, nil
	}
	for v := from; v < CurrentVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return nil, from, fmt.Errorf("%w: no migration from version %d", ErrInvalidRecord, v)
		}
		if err := step(rec); err != nil {
			return nil, from, fmt.Errorf("migrate v%d: %w", v, err)
		}
		rec["schema_version"] = v + 1
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return nil, from, err
	}
	return out, from, nil
}

// CheckSchema validates a current-version record against the embedded JSON schema.
func CheckSchema(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(msgs, "; "))
	}
	return nil
}

// Decode migrates, schema-checks and unmarshals a stored record.
func Decode(data []byte) (*ConversationState, error) {
	cur, _, err := Migrate(data)
	if err != nil {
		return nil, err
	}
	if err := CheckSchema(cur); err != nil {
		return nil, err
	}
	var s ConversationState
	if err := json.Unmarshal(cur, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if s.ConsumedIDs == nil {
		s.ConsumedIDs = IDSet{}
	}
	if s.UnlockedIDs == nil {
		s.UnlockedIDs = IDSet{}
	}
	if s.History == nil {
		s.History = []script.Message{}
	}
	return &s, nil
}

// Encode stamps the current version and serializes s.
func Encode(s *ConversationState) ([]byte, error) {
	c := *s
	c.SchemaVersion = CurrentVersion
	if c.ConsumedIDs == nil {
		c.ConsumedIDs = IDSet{}
	}
	if c.UnlockedIDs == nil {
		c.UnlockedIDs = IDSet{}
	}
	if c.History == nil {
		c.History = []script.Message{}
	}
	return json.MarshalIndent(&c, "", "  ")
}
