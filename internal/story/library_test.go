/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package story

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeChapters(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestOpenOrdersChaptersLexically(t *testing.T) {
	dir := writeChapters(t, map[string]string{
		"02_night.chat":   "title: X\nmira: \"late\"\n",
		"01_morning.chat": "contact: Mira // the neighbour\ntitle: Start\nmira: \"hi\"\n<<jump X>>\n",
		"notes.txt":       "not a chapter",
	})
	lib, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if lib.Len() != 2 || !reflect.DeepEqual(lib.Names(), []string{"01_morning.chat", "02_night.chat"}) {
		t.Fatalf("unexpected chapters: %v", lib.Names())
	}
	contact, err := lib.Contact()
	if err != nil || contact != "Mira" {
		t.Fatalf("Contact = %q, %v", contact, err)
	}
	ps, diags, err := lib.Load(0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ps.Unit != "01_morning.chat" || ps.First() != "Start" {
		t.Fatalf("unexpected script: unit=%q first=%q", ps.Unit, ps.First())
	}
	if len(diags) != 1 || diags[0].Target != "X" {
		t.Fatalf("expected one dangling-jump warning for X, got %+v", diags)
	}
	again, _, _ := lib.Load(0)
	if again != ps {
		t.Fatalf("second Load should hit the cache")
	}
	if _, _, err := lib.Load(2); err == nil {
		t.Fatalf("out-of-range chapter must fail")
	}
}

func TestOpenEmptyDir(t *testing.T) {
	_, err := Open(t.TempDir(), "")
	if !errors.Is(err, ErrNoChapters) {
		t.Fatalf("expected ErrNoChapters, got %v", err)
	}
}

func TestReadContact(t *testing.T) {
	cases := []struct {
		src  string
		want string
		ok   bool
	}{
		{"contact: Ada\ntitle: A\n", "Ada", true},
		{"\n// header\nCONTACT :  Dr. Voss  \n", "Dr. Voss", true},
		{"\ufeffcontact: Bom\ntitle: A\n", "Bom", true},
		{"title: A\ncontact: Late\n", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := ReadContact(c.src)
		if got != c.want || ok != c.ok {
			t.Fatalf("ReadContact(%q) = %q, %v; want %q, %v", c.src, got, ok, c.want, c.ok)
		}
	}
}

func TestLintAllKeepsOrder(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e", "f"}
	srcs := make([]string, len(names))
	for i := range names {
		srcs[i] = "title: N" + names[i] + "\nmira: \"x\"\n"
	}
	srcs[3] = "title: Nd\n<<jump Nd>>\n"
	lib := FromSources(names, srcs)
	chapters, err := lib.LintAll(context.Background())
	if err != nil {
		t.Fatalf("LintAll: %v", err)
	}
	for i, ch := range chapters {
		if ch.Index != i || ch.Name != names[i] {
			t.Fatalf("chapter %d out of order: %+v", i, ch)
		}
	}
	if len(chapters[3].Diags) == 0 {
		t.Fatalf("self-loop chapter should report a cycle")
	}
	if len(chapters[0].Diags) != 0 {
		t.Fatalf("clean chapter reported %+v", chapters[0].Diags)
	}
}

func TestLintAllStopsOnCancelledContext(t *testing.T) {
	lib := FromSources([]string{"a"}, []string{"title: A\n"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := lib.LintAll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
