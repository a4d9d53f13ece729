package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
	Errors  []error
}

// restartRequiredFields lists top-level config fields that cannot be
// hot-reloaded and require a full process restart.
var restartRequiredFields = map[string]bool{
	"Server.Port":    true,
	"Server.DataDir": true,
	"Events.MQTT":    true,
}

// hotReloadableFields lists fields that can be applied at runtime, between
// loop iterations.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Providers",
	"Skills",
	"Targets",
	"Evolution",
	"Sandbox",
	"Gate",
	"Loop",
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, validates it, diffs against the
// current config, and applies hot-reloadable changes in place. An invalid
// file leaves the current (last-known-good) config untouched.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	newCfg := DefaultConfig()
	if err := json.Unmarshal(data, newCfg); err != nil {
		return nil, fmt.Errorf("parse config for reload: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("reloaded config invalid: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	diffAndApply(c, newCfg, result)
	return result, nil
}

// diffAndApply compares old and new configs, applying hot-reloadable changes.
func diffAndApply(old, new *Config, result *ReloadResult) {
	if old.Server.Port != new.Server.Port {
		result.Changed = append(result.Changed, "Server.Port")
		result.Skipped = append(result.Skipped, "Server.Port (requires restart)")
	}
	if old.Server.DataDir != new.Server.DataDir {
		result.Changed = append(result.Changed, "Server.DataDir")
		result.Skipped = append(result.Skipped, "Server.DataDir (requires restart)")
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		result.Changed = append(result.Changed, "Server.LogLevel")
		old.Server.LogLevel = new.Server.LogLevel
		result.Applied = append(result.Applied, "Server.LogLevel")
	}

	if !reflect.DeepEqual(old.Events.MQTT, new.Events.MQTT) {
		result.Changed = append(result.Changed, "Events.MQTT")
		result.Skipped = append(result.Skipped, "Events.MQTT (requires restart)")
	}

	if !reflect.DeepEqual(old.Providers, new.Providers) {
		result.Changed = append(result.Changed, "Providers")
		old.Providers = new.Providers
		result.Applied = append(result.Applied, "Providers")
	}

	if !reflect.DeepEqual(old.Skills, new.Skills) {
		result.Changed = append(result.Changed, "Skills")
		old.Skills = new.Skills
		result.Applied = append(result.Applied, "Skills")
	}

	if !reflect.DeepEqual(old.Targets, new.Targets) {
		result.Changed = append(result.Changed, "Targets")
		old.Targets = new.Targets
		result.Applied = append(result.Applied, "Targets")
	}

	if !reflect.DeepEqual(old.Evolution, new.Evolution) {
		result.Changed = append(result.Changed, "Evolution")
		old.Evolution = new.Evolution
		result.Applied = append(result.Applied, "Evolution")
	}

	if !reflect.DeepEqual(old.Sandbox, new.Sandbox) {
		result.Changed = append(result.Changed, "Sandbox")
		old.Sandbox = new.Sandbox
		result.Applied = append(result.Applied, "Sandbox")
	}

	if !reflect.DeepEqual(old.Gate, new.Gate) {
		result.Changed = append(result.Changed, "Gate")
		old.Gate = new.Gate
		result.Applied = append(result.Applied, "Gate")
	}

	if !reflect.DeepEqual(old.Loop, new.Loop) {
		result.Changed = append(result.Changed, "Loop")
		old.Loop = new.Loop
		result.Applied = append(result.Applied, "Loop")
	}
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
