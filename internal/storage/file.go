/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	applog "chatstory/internal/log"
	"chatstory/internal/state"
)

const (
	ConversationsDirName = "conversations"
	BackupsDirName       = "backups"
	ProfileFileName      = "profile.json"

	// MaxBackups is how many timestamped backups are kept per conversation.
	MaxBackups = 5
)

var reSafeID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

// FileStore keeps one JSON file per conversation under Root/conversations.
// Every save replaces the file transactionally and first copies the previous
// version to Root/backups. A record that fails to decode is replaced by the
// newest backup that does.
type FileStore struct {
	Root string
	mu   sync.Mutex
}

// OpenFileStore creates the directory layout under root if needed.
func OpenFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("file store root is required")
	}
	for _, d := range []string{ConversationsDirName, BackupsDirName} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", d, err)
		}
	}
	return &FileStore{Root: root}, nil
}

func (f *FileStore) recordPath(id string) (string, error) {
	if !reSafeID.MatchString(id) {
		return "", fmt.Errorf("conversation id %q cannot be used as a file name", id)
	}
	return filepath.Join(f.Root, ConversationsDirName, id+".json"), nil
}

func (f *FileStore) Load(_ context.Context, id string) (*state.ConversationState, error) {
	p, err := f.recordPath(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err == nil {
		st, derr := state.Decode(b)
		if derr == nil {
			return st, nil
		}
		err = derr
	}
	st, berr := f.latestBackup(id)
	if berr != nil {
		return nil, fmt.Errorf("read %s: %w; backup attempt: %v", filepath.Base(p), err, berr)
	}
	applog.WithComponent("storage").Warn("conversation restored from backup",
		slog.String("conversation", id), slog.Any("err", err))
	return st, nil
}

func (f *FileStore) Save(_ context.Context, st *state.ConversationState) error {
	p, err := f.recordPath(st.ConversationID)
	if err != nil {
		return err
	}
	data, err := state.Encode(st)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, statErr := os.Stat(p); statErr == nil {
		stamp := time.Now().UTC().Format(backupStampLayout)
		bpath := filepath.Join(f.Root, BackupsDirName, fmt.Sprintf("%s.json.%s.bak", st.ConversationID, stamp))
		if cerr := copyFile(p, bpath); cerr != nil {
			return fmt.Errorf("backup current record: %w", cerr)
		}
		f.pruneBackups(st.ConversationID)
	}
	if err := replaceFile(p, data); err != nil {
		return err
	}
	return f.mergeProfile(st.UnlockedIDs.Sorted())
}

// Delete removes the record and its backups. The profile is kept.
func (f *FileStore) Delete(_ context.Context, id string) error {
	p, err := f.recordPath(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record: %w", err)
	}
	for _, b := range f.backups(id) {
		_ = os.Remove(b)
	}
	return nil
}

func (f *FileStore) List(_ context.Context) ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(f.Root, ConversationsDirName))
	if err != nil {
		return nil, fmt.Errorf("read conversations dir: %w", err)
	}
	ids := []string{}
	for _, e := range ents {
		if name := e.Name(); !e.IsDir() && strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *FileStore) Unlocked(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readProfile()
}

func (f *FileStore) Close() error { return nil }

type profileFile struct {
	Unlocked []string `json:"unlocked"`
}

func (f *FileStore) readProfile() ([]string, error) {
	b, err := os.ReadFile(filepath.Join(f.Root, ProfileFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var pf profileFile
	if err := json.Unmarshal(b, &pf); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	sort.Strings(pf.Unlocked)
	return pf.Unlocked, nil
}

func (f *FileStore) mergeProfile(items []string) error {
	if len(items) == 0 {
		return nil
	}
	cur, err := f.readProfile()
	if err != nil {
		return err
	}
	set := state.NewIDSet(cur...)
	before := len(set)
	for _, it := range items {
		set.Add(it)
	}
	if len(set) == before {
		return nil
	}
	data, err := json.MarshalIndent(profileFile{Unlocked: set.Sorted()}, "", "  ")
	if err != nil {
		return err
	}
	return replaceFile(filepath.Join(f.Root, ProfileFileName), append(data, '\n'))
}

const backupStampLayout = "20060102-150405.000000000"

// reBackupStamp matches the part of a backup name after "<id>.json.".
var reBackupStamp = regexp.MustCompile(`^\d{8}-\d{6}\.\d{9}\.bak$`)

func (f *FileStore) backups(id string) []string {
	ents, err := os.ReadDir(filepath.Join(f.Root, BackupsDirName))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		stamp, ok := strings.CutPrefix(name, id+".json.")
		if ok && reBackupStamp.MatchString(stamp) {
			out = append(out, filepath.Join(f.Root, BackupsDirName, name))
		}
	}
	sort.Strings(out) // timestamp in name yields lexicographic order
	return out
}

func (f *FileStore) pruneBackups(id string) {
	all := f.backups(id)
	for len(all) > MaxBackups {
		_ = os.Remove(all[0])
		all = all[1:]
	}
}

// latestBackup returns the newest backup that still decodes.
func (f *FileStore) latestBackup(id string) (*state.ConversationState, error) {
	all := f.backups(id)
	if len(all) == 0 {
		return nil, errors.New("no backups found")
	}
	var lastErr error
	for i := len(all) - 1; i >= 0; i-- {
		b, err := os.ReadFile(all[i])
		if err != nil {
			lastErr = err
			continue
		}
		st, err := state.Decode(b)
		if err != nil {
			lastErr = err
			continue
		}
		return st, nil
	}
	return nil, fmt.Errorf("no readable backup: %w", lastErr)
}

// replaceFile writes data to a temp file in the target's directory, syncs it
// and renames it over the target.
func replaceFile(target string, data []byte) error {
	dir := filepath.Dir(target)
	temp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", filepath.Base(target), os.Getpid(), rand.Int()))
	if err := writeFileSync(temp, data); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(temp, target); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("replace %s: %w", filepath.Base(target), err)
	}
	return nil
}

func writeFileSync(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeFileSync(dst, data)
}
