/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package telemetry sends anonymous, opt-in engine events in batches and
// uploads crash reports. Events carry scalar counters only: conversation ids,
// node names and message text never leave the process.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	applog "chatstory/internal/log"
	"chatstory/internal/version"
)

// Config controls the client. Nothing is sent unless OptIn is set and the
// matching URL is configured.
//
// FromEnv reads:
//   - CHS_TELEMETRY_OPT_IN: 1|true|yes|on
//   - CHS_TELEMETRY_EVENTS_URL: batch endpoint (JSON POST)
//   - CHS_CRASH_UPLOAD_URL: crash report endpoint (text POST)
//   - CHS_TELEMETRY_TIMEOUT_MS: request timeout, default 1500
//   - CHS_TELEMETRY_DEBUG: log send results
type Config struct {
	OptIn        bool
	EventsURL    string
	CrashURL     string
	Timeout      time.Duration
	DebugLogging bool
	// BatchSize events are sent together; a partial batch goes out after
	// FlushInterval. Zero values fall back to 20 and 10s.
	BatchSize     int
	FlushInterval time.Duration
}

func FromEnv() Config {
	cfg := Config{
		OptIn:        parseBool(os.Getenv("CHS_TELEMETRY_OPT_IN")),
		EventsURL:    strings.TrimSpace(os.Getenv("CHS_TELEMETRY_EVENTS_URL")),
		CrashURL:     strings.TrimSpace(os.Getenv("CHS_CRASH_UPLOAD_URL")),
		Timeout:      1500 * time.Millisecond,
		DebugLogging: os.Getenv("CHS_TELEMETRY_DEBUG") != "",
	}
	if ms, err := strconv.Atoi(strings.TrimSpace(os.Getenv("CHS_TELEMETRY_TIMEOUT_MS"))); err == nil && ms > 0 {
		cfg.Timeout = time.Duration(ms) * time.Millisecond
	}
	return cfg
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// event is one entry of a batch.
type event struct {
	Name  string         `json:"name"`
	At    time.Time      `json:"at"`
	Props map[string]any `json:"props,omitempty"`
}

// batch is the body posted to EventsURL. Run is a random id per process so
// events of one play session can be grouped without identifying anyone.
type batch struct {
	Run     string  `json:"run"`
	Version string  `json:"version"`
	OS      string  `json:"os"`
	Arch    string  `json:"arch"`
	Events  []event `json:"events"`
}

// Client queues engine events and posts them in batches from one goroutine.
// Event never blocks: when the queue is full the event is counted and dropped.
type Client struct {
	cfg  Config
	log  *slog.Logger
	http *http.Client
	run  string

	queue   chan event
	flushes chan chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once

	sent    atomic.Int64
	dropped atomic.Int64
}

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// NewDefault installs a client built from cfg as the package default,
// closing the previous one.
func NewDefault(cfg Config) *Client {
	c := New(cfg)
	defaultMu.Lock()
	old := defaultClient
	defaultClient = c
	defaultMu.Unlock()
	if old != nil {
		old.Close()
	}
	return c
}

// Default returns the package default client, creating it from the
// environment on first use.
func Default() *Client {
	defaultMu.Lock()
	c := defaultClient
	defaultMu.Unlock()
	if c == nil {
		return NewDefault(FromEnv())
	}
	return c
}

func New(cfg Config) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		log:     applog.WithComponent("telemetry"),
		http:    &http.Client{Timeout: cfg.Timeout},
		run:     uuid.NewString(),
		queue:   make(chan event, 4*cfg.BatchSize),
		flushes: make(chan chan struct{}),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.loop()
	return c
}

// Enabled reports whether events are sent at all.
func (c *Client) Enabled() bool { return c != nil && c.cfg.OptIn && c.cfg.EventsURL != "" }

// Event queues an engine event. Only bool, int, int64 and float64 props are
// kept.
func (c *Client) Event(name string, props map[string]any) {
	if !c.Enabled() || name == "" {
		return
	}
	ev := event{Name: name, At: time.Now().UTC()}
	for k, v := range props {
		switch v.(type) {
		case bool, int, int64, float64:
			if ev.Props == nil {
				ev.Props = map[string]any{}
			}
			ev.Props[k] = v
		}
	}
	select {
	case c.queue <- ev:
	default:
		c.dropped.Add(1)
	}
}

// Sent reports how many events reached the endpoint.
func (c *Client) Sent() int64 { return c.sent.Load() }

// Dropped reports how many events were discarded: queue full or a failed post.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Flush posts everything queued so far and waits for it, or for ctx.
func (c *Client) Flush(ctx context.Context) {
	if c == nil {
		return
	}
	done := make(chan struct{})
	select {
	case c.flushes <- done:
	case <-c.stopped:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Close sends the pending batch and stops the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.once.Do(func() { close(c.stop) })
	<-c.stopped
}

func (c *Client) loop() {
	defer close(c.stopped)
	tick := time.NewTicker(c.cfg.FlushInterval)
	defer tick.Stop()

	var pending []event
	send := func() {
		if len(pending) == 0 {
			return
		}
		c.post(pending)
		pending = nil
	}
	drain := func() {
		for {
			select {
			case ev := <-c.queue:
				pending = append(pending, ev)
			default:
				return
			}
		}
	}
	for {
		select {
		case ev := <-c.queue:
			pending = append(pending, ev)
			if len(pending) >= c.cfg.BatchSize {
				send()
			}
		case <-tick.C:
			send()
		case done := <-c.flushes:
			drain()
			send()
			close(done)
		case <-c.stop:
			drain()
			send()
			return
		}
	}
}

func (c *Client) post(events []event) {
	body, err := json.Marshal(batch{
		Run:     c.run,
		Version: version.String(),
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
		Events:  events,
	})
	if err == nil {
		err = c.do(context.Background(), c.cfg.EventsURL, "application/json", body)
	}
	if err != nil {
		c.dropped.Add(int64(len(events)))
		if c.cfg.DebugLogging {
			c.log.Debug("event batch not sent", slog.Int("events", len(events)), slog.Any("err", err))
		}
		return
	}
	c.sent.Add(int64(len(events)))
	if c.cfg.DebugLogging {
		c.log.Debug("event batch sent", slog.Int("events", len(events)))
	}
}

func (c *Client) do(ctx context.Context, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry endpoint returned %s", resp.Status)
	}
	return nil
}

// UploadCrash posts a crash report and waits for the answer. The process is
// about to exit, so nothing is sent in the background. Without opt-in or a
// crash URL it does nothing.
func (c *Client) UploadCrash(ctx context.Context, report []byte) error {
	if c == nil || !c.cfg.OptIn || c.cfg.CrashURL == "" {
		return nil
	}
	if err := c.do(ctx, c.cfg.CrashURL, "text/plain; charset=utf-8", report); err != nil {
		return fmt.Errorf("upload crash report: %w", err)
	}
	return nil
}
