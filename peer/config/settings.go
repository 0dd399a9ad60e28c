// Package config loads and validates the peer's on-disk settings.json
// (spec.md §6): server_url, host_id, watch_dir, debug.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

var hostIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Settings is the peer's on-disk configuration document.
type Settings struct {
	ServerURL string `json:"server_url"`
	HostID    string `json:"host_id"`
	WatchDir  string `json:"watch_dir"`
	Debug     bool   `json:"debug"`
}

// ValidateHostID enforces spec.md §6: "host_id must be ≥ 6 chars,
// [A-Za-z0-9_-]+; enforce at prompt time."
func ValidateHostID(hostID string) error {
	if len(hostID) < 6 {
		return fmt.Errorf("host_id must be at least 6 characters, got %q", hostID)
	}
	if !hostIDPattern.MatchString(hostID) {
		return fmt.Errorf("host_id must match [A-Za-z0-9_-]+, got %q", hostID)
	}
	return nil
}

// Load reads settings.json from path and validates it.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: failed to read settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("config: failed to parse settings: %w", err)
	}
	if s.ServerURL == "" {
		return Settings{}, fmt.Errorf("config: server_url is required")
	}
	if err := ValidateHostID(s.HostID); err != nil {
		return Settings{}, err
	}
	if s.WatchDir == "" {
		return Settings{}, fmt.Errorf("config: watch_dir is required")
	}
	return s, nil
}
