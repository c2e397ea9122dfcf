/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package log

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func lastJSONLine(t *testing.T, path string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var last string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if s := strings.TrimSpace(sc.Text()); s != "" {
			last = s
		}
	}
	if last == "" {
		t.Fatalf("no log lines in %s", path)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		t.Fatalf("unmarshal json log: %v", err)
	}
	return m
}

func TestInitWritesStructuredFileLog(t *testing.T) {
	fpath := filepath.Join(t.TempDir(), "chatstory.log")
	Init(Options{Level: "debug", Format: "json", File: fpath})
	t.Cleanup(func() { Init(Options{Level: "error"}) })

	l := WithOperation(WithComponent("engine"), "advance")
	l.InfoContext(WithConversation(context.Background(), "mira"), "slice presented", slog.Int("count", 3))

	m := lastJSONLine(t, fpath)
	if m["app"] != "chatstory" {
		t.Fatalf("missing app attr: %v", m["app"])
	}
	if _, ok := m["ver"].(string); !ok {
		t.Fatalf("missing ver attr")
	}
	if m["component"] != "engine" || m["op"] != "advance" {
		t.Fatalf("component/op mismatch: %v", m)
	}
	if m["conversation"] != "mira" {
		t.Fatalf("conversation attr not taken from context: %v", m["conversation"])
	}
	if m["count"] != float64(3) || m["msg"] != "slice presented" {
		t.Fatalf("record attrs mismatch: %v", m)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CHS_LOG_LEVEL", "warn")
	t.Setenv("CHS_LOG_FORMAT", "json")
	t.Setenv("CHS_LOG_SOURCE", "true")
	t.Setenv("CHS_LOG_FILE", "")

	opts := FromEnv()
	if opts.Level != "warn" || opts.Format != "json" || !opts.AddSource || opts.File != "" {
		t.Fatalf("FromEnv mismatch: %+v", opts)
	}
	if v := getenv("CHS_SURELY_UNSET_VAR", "fallback"); v != "fallback" {
		t.Fatalf("getenv fallback failed: %q", v)
	}
}

func TestConversationFromEmptyContext(t *testing.T) {
	if _, ok := ConversationFrom(context.Background()); ok {
		t.Fatalf("background context must not carry a conversation")
	}
	if _, ok := ConversationFrom(WithConversation(context.Background(), "")); ok {
		t.Fatalf("empty id must be ignored")
	}
}

func TestPrettyTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := &prettyTextHandler{opts: prettyOpts{Level: slog.LevelWarn}, w: &buf}

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should not be enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error should be enabled at warn level")
	}

	h2 := h.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("grp")
	r := slog.NewRecord(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), slog.LevelError, "boom", 0)
	r.AddAttrs(slog.Int("n", 42), slog.Float64("pi", 3.14), slog.Bool("ok", true), slog.String("text", "two words"))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("handle error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"03:04:05 ERR boom", " k=v", "grp.n=42", "grp.pi=3.14", "grp.ok=true", `grp.text="two words"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "grp.k=v") {
		t.Fatalf("attrs added before the group must not be prefixed: %q", out)
	}
}

func TestPrettyHandlerAddSource(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(&prettyTextHandler{opts: prettyOpts{AddSource: true}, w: &buf})
	l.Info("with source")
	out := buf.String()
	if !strings.Contains(out, "INF with source") {
		t.Fatalf("unexpected line: %q", out)
	}
	// Toolchains without Record.Source print no location at all.
	if i := strings.Index(out, " src="); i >= 0 && !strings.Contains(out[i:], ".go:") {
		t.Fatalf("malformed source attr: %q", out)
	}
}
