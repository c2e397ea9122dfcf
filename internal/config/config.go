/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// AppConfig is the user-editable configuration persisted to a YAML file in the user scope.
// Environment variables (and a .env file in the working directory) are read-only overrides.
//
// config_version: bump when the structure changes in a backward-incompatible way.

type StoryConfig struct {
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" | "postgres" | "file" | "memory"
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	// SaveIntervalMs bounds how often one conversation is written during play.
	SaveIntervalMs int `yaml:"save_interval_ms"`
	// The Postgres password is not stored on disk; it lives in the OS keychain.
}

type EngineConfig struct {
	ResetIntervalMs int `yaml:"reset_interval_ms"`
	MaxAutoJumps    int `yaml:"max_auto_jumps"`
}

type GeneralConfig struct {
	TelemetryOptIn bool   `yaml:"telemetry_opt_in"`
	EventsURL      string `yaml:"events_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type AppConfig struct {
	ConfigVersion int           `yaml:"config_version"`
	Story         StoryConfig   `yaml:"story"`
	Storage       StorageConfig `yaml:"storage"`
	Engine        EngineConfig  `yaml:"engine"`
	General       GeneralConfig `yaml:"general"`
	Logging       LoggingConfig `yaml:"logging"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		Story:         StoryConfig{Dir: "story", Pattern: "*.chat"},
		Storage:       StorageConfig{Driver: "sqlite", Path: "", SaveIntervalMs: 2000},
		Engine:        EngineConfig{ResetIntervalMs: 1500, MaxAutoJumps: 256},
		General:       GeneralConfig{TelemetryOptIn: false},
		Logging:       LoggingConfig{Level: "info", Format: "console", Source: false, File: ""},
	}
}

// Env var names used as overrides.
const (
	EnvConfigFile      = "CHS_CONFIG"
	EnvStoryDir        = "CHS_STORY_DIR"
	EnvStorageDriver   = "CHS_STORAGE_DRIVER"
	EnvStoragePath     = "CHS_STORAGE_PATH"
	EnvStorageDSN      = "CHS_PG_DSN"
	EnvSaveIntervalMs  = "CHS_SAVE_INTERVAL_MS"
	EnvResetIntervalMs = "CHS_RESET_INTERVAL_MS"
	EnvTelemetryOptIn  = "CHS_TELEMETRY_OPT_IN"
	EnvEventsURL       = "CHS_TELEMETRY_EVENTS_URL"
	// EnvLogLevel Logging envs
	EnvLogLevel  = "CHS_LOG_LEVEL"
	EnvLogFormat = "CHS_LOG_FORMAT"
	EnvLogSource = "CHS_LOG_SOURCE"
	EnvLogFile   = "CHS_LOG_FILE"
)

// Service/keys for OS keyring.
const (
	keyringService  = "chatstory"
	keyringPassword = "postgres_password"
)

// secrets abstracts the keyring, so we can stub in tests.
var secrets SecretStore = osKeyring{}

type SecretStore interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

// osKeyring implements SecretStore using the OS keyring via github.com/zalando/go-keyring.
type osKeyring struct{}

func (osKeyring) Get(service, key string) (string, error) { return keyring.Get(service, key) }
func (osKeyring) Set(service, key, value string) error { return keyring.Set(service, key, value) }
func (osKeyring) Delete(service, key string) error {
	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// ConfigPath returns the per-user config file path, or CHS_CONFIG when set.
func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigFile)); p != "" {
		return p, nil
	}
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" { // fallback
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "chatstory")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "chatstory")
	default: // linux and others
		base = filepath.Join(os.Getenv("HOME"), ".config", "chatstory")
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// DataDir is where the default SQLite database and JSON store live.
func DataDir() string {
	if p, err := ConfigPath(); err == nil {
		return filepath.Dir(p)
	}
	return "."
}

// Load reads .env (if present), the user config file (if present), applies
// defaults, and merges environment overrides. The Postgres password is read
// from the keyring and returned separately.
func Load() (AppConfig, string, error) {
	// Existing variables win over .env entries.
	_ = godotenv.Load(".env")

	cfg := Defaults()
	path, err := ConfigPath()
	if err != nil {
		return cfg, "", err
	}
	if data, err := os.ReadFile(path); err == nil {
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return cfg, "", err
		}
		mergeInto(&cfg, &fileCfg)
	}
	applyEnvOverrides(&cfg)
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath(cfg.Storage.Driver)
	}
	pw, _ := secrets.Get(keyringService, keyringPassword)
	return cfg, pw, nil
}

// Save writes the user config YAML and persists the password into the OS keyring (if non-empty).
func Save(cfg AppConfig, password string) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if password != "" {
		if err := secrets.Set(keyringService, keyringPassword, password); err != nil {
			return err
		}
	}
	return nil
}

func defaultStoragePath(driver string) string {
	switch strings.ToLower(driver) {
	case "file", "json":
		return filepath.Join(DataDir(), "conversations")
	default:
		return filepath.Join(DataDir(), "chatstory.db")
	}
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	if strings.TrimSpace(src.Story.Dir) != "" {
		dst.Story.Dir = strings.TrimSpace(src.Story.Dir)
	}
	if strings.TrimSpace(src.Story.Pattern) != "" {
		dst.Story.Pattern = strings.TrimSpace(src.Story.Pattern)
	}
	if strings.TrimSpace(src.Storage.Driver) != "" {
		dst.Storage.Driver = strings.ToLower(strings.TrimSpace(src.Storage.Driver))
	}
	if strings.TrimSpace(src.Storage.Path) != "" {
		dst.Storage.Path = strings.TrimSpace(src.Storage.Path)
	}
	if strings.TrimSpace(src.Storage.DSN) != "" {
		dst.Storage.DSN = strings.TrimSpace(src.Storage.DSN)
	}
	if src.Storage.SaveIntervalMs != 0 {
		dst.Storage.SaveIntervalMs = src.Storage.SaveIntervalMs
	}
	if src.Engine.ResetIntervalMs != 0 {
		dst.Engine.ResetIntervalMs = src.Engine.ResetIntervalMs
	}
	if src.Engine.MaxAutoJumps != 0 {
		dst.Engine.MaxAutoJumps = src.Engine.MaxAutoJumps
	}
	// booleans: copy directly from src (file) so user preferences persist
	dst.General.TelemetryOptIn = src.General.TelemetryOptIn
	if strings.TrimSpace(src.General.EventsURL) != "" {
		dst.General.EventsURL = strings.TrimSpace(src.General.EventsURL)
	}
	// logging
	if strings.TrimSpace(src.Logging.Level) != "" {
		dst.Logging.Level = strings.ToLower(strings.TrimSpace(src.Logging.Level))
	}
	if strings.TrimSpace(src.Logging.Format) != "" {
		dst.Logging.Format = strings.ToLower(strings.TrimSpace(src.Logging.Format))
	}
	dst.Logging.Source = src.Logging.Source
	if strings.TrimSpace(src.Logging.File) != "" {
		dst.Logging.File = strings.TrimSpace(src.Logging.File)
	}
}

func truthy(v string) bool {
	lv := strings.ToLower(v)
	return lv == "1" || lv == "true" || lv == "on" || lv == "yes"
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvStoryDir)); v != "" {
		cfg.Story.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorageDriver)); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvStoragePath)); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorageDSN)); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSaveIntervalMs)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.SaveIntervalMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvResetIntervalMs)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.ResetIntervalMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelemetryOptIn)); v != "" {
		cfg.General.TelemetryOptIn = truthy(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvEventsURL)); v != "" {
		cfg.General.EventsURL = v
	}
	// logging overrides
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		cfg.Logging.Source = truthy(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	names := map[string]string{
		"story.dir":                EnvStoryDir,
		"storage.driver":           EnvStorageDriver,
		"storage.path":             EnvStoragePath,
		"storage.dsn":              EnvStorageDSN,
		"storage.save_interval_ms": EnvSaveIntervalMs,
		"engine.reset_interval_ms": EnvResetIntervalMs,
		"general.telemetry_opt_in": EnvTelemetryOptIn,
		"general.events_url":       EnvEventsURL,
		"logging.level":            EnvLogLevel,
		"logging.format":           EnvLogFormat,
		"logging.source":           EnvLogSource,
		"logging.file":             EnvLogFile,
	}
	if env, ok := names[key]; ok && os.Getenv(env) != "" {
		return env, true
	}
	return "", false
}

// SaveInterval returns the per-conversation save throttle.
func (s StorageConfig) SaveInterval() time.Duration {
	if s.SaveIntervalMs < 0 {
		return 0
	}
	return time.Duration(s.SaveIntervalMs) * time.Millisecond
}

// ResetInterval returns the minimum time between two resets of one conversation.
func (e EngineConfig) ResetInterval() time.Duration {
	if e.ResetIntervalMs < 0 {
		return 0
	}
	return time.Duration(e.ResetIntervalMs) * time.Millisecond
}

// EffectiveDSN adds password to a URL-style DSN that has a user but no
// password. Other DSNs are returned unchanged.
func (s StorageConfig) EffectiveDSN(password string) string {
	if password == "" || s.DSN == "" {
		return s.DSN
	}
	u, err := url.Parse(s.DSN)
	if err != nil || u.User == nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return s.DSN
	}
	if _, set := u.User.Password(); set {
		return s.DSN
	}
	u.User = url.UserPassword(u.User.Username(), password)
	return u.String()
}
