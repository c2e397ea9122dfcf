/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package story locates the chapter sources of a story and compiles them on demand.
package story

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	applog "chatstory/internal/log"
	"chatstory/internal/script"
)

// DefaultPattern matches chapter files inside a story directory.
const DefaultPattern = "*.chat"

// ErrNoChapters is returned when a story directory holds no chapter files.
var ErrNoChapters = errors.New("story has no chapters")

var reContactHeader = regexp.MustCompile(`^(?i)contact\s*:\s*(.+?)\s*$`)

// Chapter is one compiled chapter source.
type Chapter struct {
	Index  int
	Name   string // file base name, also the compile unit
	Script *script.ParsedScript
	Diags  []script.Diagnostic
}

// Library is the ordered list of chapter sources of one story. Chapters are
// compiled on first use and cached.
type Library struct {
	names   []string
	sources func(i int) (string, error)

	mu    sync.Mutex
	cache map[int]*Chapter
}

// Open lists the files in dir matching pattern (DefaultPattern when empty), in
// lexical order.
func Open(dir, pattern string) (*Library, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	paths, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	sort.Strings(paths)
	var files []string
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoChapters)
	}
	names := make([]string, len(files))
	for i, p := range files {
		names[i] = filepath.Base(p)
	}
	return &Library{
		names: names,
		sources: func(i int) (string, error) {
			b, err := os.ReadFile(files[i])
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
		cache: map[int]*Chapter{},
	}, nil
}

// FromSources builds a library from in-memory chapter texts. Names double as
// compile units and must be distinct.
func FromSources(names []string, sources []string) *Library {
	n := append([]string(nil), names...)
	src := append([]string(nil), sources...)
	return &Library{
		names:   n,
		sources: func(i int) (string, error) { return src[i], nil },
		cache:   map[int]*Chapter{},
	}
}

// Len returns the number of chapters.
func (l *Library) Len() int { return len(l.names) }

// Names returns the chapter names in order.
func (l *Library) Names() []string { return append([]string(nil), l.names...) }

// Chapter compiles chapter i, or returns the cached result.
func (l *Library) Chapter(i int) (*Chapter, error) {
	if i < 0 || i >= len(l.names) {
		return nil, fmt.Errorf("chapter %d out of range [0,%d)", i, len(l.names))
	}
	l.mu.Lock()
	if ch, ok := l.cache[i]; ok {
		l.mu.Unlock()
		return ch, nil
	}
	l.mu.Unlock()

	src, err := l.sources(i)
	if err != nil {
		return nil, fmt.Errorf("read chapter %s: %w", l.names[i], err)
	}
	ps, diags := script.CompileUnit(l.names[i], src)
	ch := &Chapter{Index: i, Name: l.names[i], Script: ps, Diags: diags}
	if len(diags) > 0 {
		applog.WithOperation(applog.WithComponent("story"), "compile").Debug("chapter compiled with diagnostics",
			slog.String("chapter", ch.Name), slog.Int("diagnostics", len(diags)))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if cached, ok := l.cache[i]; ok {
		return cached, nil
	}
	l.cache[i] = ch
	return ch, nil
}

// Load returns the compiled script and diagnostics of chapter i.
func (l *Library) Load(i int) (*script.ParsedScript, []script.Diagnostic, error) {
	ch, err := l.Chapter(i)
	if err != nil {
		return nil, nil, err
	}
	return ch.Script, ch.Diags, nil
}

// Contact returns the contact header of the first chapter that declares one.
func (l *Library) Contact() (string, error) {
	for i := range l.names {
		src, err := l.sources(i)
		if err != nil {
			return "", fmt.Errorf("read chapter %s: %w", l.names[i], err)
		}
		if name, ok := ReadContact(src); ok {
			return name, nil
		}
	}
	return "", nil
}

// ReadContact scans source for a "contact: NAME" header before the first node.
func ReadContact(source string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(strings.TrimPrefix(source, "\uFEFF")))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := reContactHeader.FindStringSubmatch(line); m != nil {
			return m[1], true
		}
		if strings.HasPrefix(strings.ToLower(line), "title") {
			return "", false
		}
	}
	return "", false
}

// LintAll compiles every chapter in parallel and returns them in order.
// Diagnostics are reported per chapter; the error is only set when a chapter
// cannot be read or ctx is done.
func (l *Library) LintAll(ctx context.Context) ([]*Chapter, error) {
	out := make([]*Chapter, len(l.names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range l.names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ch, err := l.Chapter(i)
			if err != nil {
				return err
			}
			out[i] = ch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
