/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"chatstory/internal/config"
	"chatstory/internal/crash"
	"chatstory/internal/engine"
	"chatstory/internal/export"
	applog "chatstory/internal/log"
	"chatstory/internal/script"
	"chatstory/internal/storage"
	"chatstory/internal/story"
	"chatstory/internal/telemetry"
	"chatstory/internal/version"
)

func usage() {
	fmt.Println("chatstory: branching chat stories in the terminal")
	fmt.Printf("Version: %s\n", version.String())
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  chatstory version|-v|--version          Show version")
	fmt.Println("  chatstory lint [<dir>]                  Compile every chapter and print diagnostics")
	fmt.Println("  chatstory play <id> [<dir>]             Play conversation <id> from the chapters in <dir>")
	fmt.Println("  chatstory reset <id>                    Discard conversation <id> (unlocks are kept)")
	fmt.Println("  chatstory export <id> <out> [fmt,...]   Write the transcript of <id> (pdf, txt, json)")
	fmt.Println("  chatstory list                          List stored conversations and unlocked items")
	fmt.Println()
	fmt.Println("<dir> defaults to story.dir from the config file.")
}

func main() {
	cfg, password, err := config.Load()
	if err != nil {
		fmt.Println("Error: config:", err)
		os.Exit(2)
	}
	applog.Init(applog.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.Source,
		File:      cfg.Logging.File,
	})
	l := applog.WithComponent("cli")
	events := telemetry.NewDefault(telemetryConfig(cfg))
	defer events.Close()

	args := os.Args
	l.Debug("start", slog.Int("args", len(args)))
	if len(args) < 2 {
		usage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "version", "--version", "-v":
		fmt.Println("chatstory")
		fmt.Println(version.String())
		return
	case "lint":
		dir := cfg.Story.Dir
		if len(args) >= 3 {
			dir = args[2]
		}
		os.Exit(runLint(ctx, dir, cfg.Story.Pattern, os.Stdout))
	case "play":
		if len(args) < 3 {
			fmt.Println("play requires <id>")
			usage()
			os.Exit(2)
		}
		dir := cfg.Story.Dir
		if len(args) >= 4 {
			dir = args[3]
		}
		if err := runPlay(ctx, cfg, password, args[2], dir, os.Stdin, os.Stdout); err != nil {
			l.Error("play failed", slog.Any("err", err))
			fmt.Println("Error:", err)
			os.Exit(1)
		}
	case "reset":
		if len(args) < 3 {
			fmt.Println("reset requires <id>")
			usage()
			os.Exit(2)
		}
		if err := runReset(ctx, cfg, password, args[2]); err != nil {
			l.Error("reset failed", slog.Any("err", err))
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		fmt.Println("Conversation reset:", args[2])
	case "export":
		if len(args) < 4 {
			fmt.Println("export requires <id> and <out>")
			usage()
			os.Exit(2)
		}
		var formats []string
		if len(args) >= 5 {
			formats = strings.Split(args[4], ",")
		}
		paths, err := runExport(ctx, cfg, password, args[2], args[3], formats)
		if err != nil {
			l.Error("export failed", slog.Any("err", err))
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		for _, p := range paths {
			fmt.Println("Wrote", p)
		}
	case "list":
		if err := runList(ctx, cfg, password, os.Stdout); err != nil {
			l.Error("list failed", slog.Any("err", err))
			fmt.Println("Error:", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func telemetryConfig(cfg config.AppConfig) telemetry.Config {
	tc := telemetry.FromEnv()
	tc.OptIn = tc.OptIn || cfg.General.TelemetryOptIn
	if tc.EventsURL == "" {
		tc.EventsURL = cfg.General.EventsURL
	}
	return tc
}

func openStore(ctx context.Context, cfg config.AppConfig, password string) (*storage.Throttled, error) {
	opts := storage.Options{
		Backend: cfg.Storage.Driver,
		Path:    cfg.Storage.Path,
		DSN:     cfg.Storage.EffectiveDSN(password),
	}
	if opts.Path != "" && opts.Backend != "postgres" && opts.Backend != "pg" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, err
		}
	}
	inner, err := storage.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	return storage.NewThrottled(inner, cfg.Storage.SaveInterval()), nil
}

func runLint(ctx context.Context, dir, pattern string, out io.Writer) int {
	lib, err := story.Open(dir, pattern)
	if err != nil {
		fmt.Fprintln(out, "Error:", err)
		return 1
	}
	chapters, err := lib.LintAll(ctx)
	if err != nil {
		fmt.Fprintln(out, "Error:", err)
		return 1
	}
	failed := false
	for _, ch := range chapters {
		fmt.Fprintf(out, "%s: %d nodes, %d diagnostics\n", ch.Name, len(ch.Script.Order), len(ch.Diags))
		for _, d := range ch.Diags {
			fmt.Fprintf(out, "  %s:%s\n", ch.Name, d.String())
		}
		if script.HasErrors(ch.Diags) {
			failed = true
		}
	}
	if failed {
		return 1
	}
	return 0
}

func runPlay(ctx context.Context, cfg config.AppConfig, password, id, dir string, in io.Reader, out io.Writer) error {
	lib, err := story.Open(dir, cfg.Story.Pattern)
	if err != nil {
		return err
	}
	contact, err := lib.Contact()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, password)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	term := &terminal{w: out, contact: contact}
	eng := engine.New(lib, store, term, engine.Options{
		MinResetInterval: cfg.Engine.ResetInterval(),
		MaxAutoJumps:     cfg.Engine.MaxAutoJumps,
		Unlocks:          term,
		Events:           telemetry.Default(),
	})
	defer func() {
		if err := eng.Close(context.WithoutCancel(ctx)); err != nil {
			applog.WithComponent("cli").Error("close engine", slog.Any("err", err))
		}
	}()
	defer crash.Recover(eng, filepath.Join(config.DataDir(), "crashes"))

	return playLoop(ctx, eng, id, in, out)
}

// playLoop drives the engine from line-based input until the story ends,
// input runs out or the user quits.
func playLoop(ctx context.Context, eng *engine.Engine, id string, in io.Reader, out io.Writer) error {
	lines := bufio.NewScanner(in)
	read := func() (string, bool) {
		if !lines.Scan() {
			return "", false
		}
		return strings.TrimSpace(lines.Text()), true
	}

	o, err := eng.Advance(ctx, id)
	for {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		switch o.Status {
		case engine.StatusAwaitingPause:
			fmt.Fprint(out, "(enter to continue, q to quit) ")
			s, ok := read()
			if !ok || s == "q" {
				return nil
			}
			o, err = eng.Resume(ctx, id)
		case engine.StatusAwaitingChoice:
			fmt.Fprint(out, "> ")
			s, ok := read()
			if !ok || s == "q" {
				return nil
			}
			n, convErr := strconv.Atoi(s)
			if convErr != nil {
				fmt.Fprintln(out, "enter a number")
				continue
			}
			prompt := o
			o, err = eng.SelectChoice(ctx, id, n-1)
			if errors.Is(err, engine.ErrChoiceOutOfRange) {
				fmt.Fprintf(out, "pick 1 to %d\n", len(prompt.Choices))
				o, err = prompt, nil
			}
		case engine.StatusEnded, engine.StatusContentError:
			fmt.Fprint(out, "(r to start over, enter to quit) ")
			s, ok := read()
			if !ok || s != "r" {
				return nil
			}
			if rerr := eng.Reset(ctx, id); rerr != nil {
				if errors.Is(rerr, engine.ErrResetThrottled) {
					fmt.Fprintln(out, "too soon, try again in a moment")
					continue
				}
				return rerr
			}
			o, err = eng.Advance(ctx, id)
		default:
			return fmt.Errorf("unexpected outcome %v", o.Status)
		}
	}
}

func runReset(ctx context.Context, cfg config.AppConfig, password, id string) error {
	store, err := openStore(ctx, cfg, password)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	lib, _ := story.Open(cfg.Story.Dir, cfg.Story.Pattern)
	var chapters engine.Chapters = story.FromSources(nil, nil)
	if lib != nil {
		chapters = lib
	}
	eng := engine.New(chapters, store, discardPresenter{}, engine.Options{Events: telemetry.Default()})
	defer func() { _ = eng.Close(context.WithoutCancel(ctx)) }()
	return eng.Reset(ctx, id)
}

// discardPresenter is used by commands that never present messages.
type discardPresenter struct{}

func (discardPresenter) Present(context.Context, engine.Slice) error         { return nil }
func (discardPresenter) PresentChoices(context.Context, engine.Prompt) error { return nil }
func (discardPresenter) Ended(context.Context, string, engine.EndKind)       {}
func (discardPresenter) Discard(context.Context, string)                     {}

func runExport(ctx context.Context, cfg config.AppConfig, password, id, outDir string, formats []string) ([]string, error) {
	store, err := openStore(ctx, cfg, password)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()
	st, err := store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	contact := ""
	if lib, err := story.Open(cfg.Story.Dir, cfg.Story.Pattern); err == nil {
		contact, _ = lib.Contact()
	}
	return export.Batch(export.FromState(st, contact, time.Now()), export.BatchOptions{Formats: formats, OutDir: outDir})
}

func runList(ctx context.Context, cfg config.AppConfig, password string, out io.Writer) error {
	store, err := openStore(ctx, cfg, password)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	ids, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		st, err := store.Load(ctx, id)
		if err != nil {
			fmt.Fprintf(out, "%s  (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Fprintf(out, "%s  chapter %d, node %s, %d messages\n", id, st.ChapterIndex+1, st.NodeName, len(st.History))
	}
	items, err := store.Unlocked(ctx)
	if err != nil {
		return err
	}
	if len(items) > 0 {
		fmt.Fprintln(out, "unlocked:", strings.Join(items, ", "))
	}
	return nil
}
