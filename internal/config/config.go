// Package config loads the server's freekill.server.config.json file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ServerConfig holds every value recognized in freekill.server.config.json.
// Unrecognized keys are ignored (forward-compatible with newer clients).
type ServerConfig struct {
	BanWords           []string `json:"banWords"`
	HiddenPacks        []string `json:"hiddenPacks"`
	DisabledFeatures   []string `json:"disabledFeatures"`
	Description        string   `json:"description"`
	IconURL            string   `json:"iconUrl"`
	Capacity           int      `json:"capacity"`
	TempBanTime        int      `json:"tempBanTime"`
	Motd               string   `json:"motd"`
	RoomCountPerThread int      `json:"roomCountPerThread"`
	MaxPlayersPerDevice int     `json:"maxPlayersPerDevice"`
	EnableWhitelist    bool     `json:"enableWhitelist"`

	// Legacy compatibility keys, folded into DisabledFeatures on load.
	EnableBots       *bool `json:"enableBots"`
	EnableChangeRoom *bool `json:"enableChangeRoom"`
}

// Default returns a ServerConfig populated with the documented defaults.
func Default() ServerConfig {
	return ServerConfig{
		BanWords:            nil,
		HiddenPacks:         nil,
		DisabledFeatures:    nil,
		Description:         "",
		IconURL:             "",
		Capacity:            100,
		TempBanTime:         60,
		Motd:                "",
		RoomCountPerThread:  200,
		MaxPlayersPerDevice: 3,
		EnableWhitelist:     false,
	}
}

// HasDisabledFeature reports whether the named feature toggle is off.
func (c ServerConfig) HasDisabledFeature(name string) bool {
	for _, f := range c.DisabledFeatures {
		if f == name {
			return true
		}
	}
	return false
}

// HasBanWord reports whether s contains any configured ban-word substring.
func (c ServerConfig) HasBanWord(s string) bool {
	for _, w := range c.BanWords {
		if w == "" {
			continue
		}
		if containsSubstring(s, w) {
			return true
		}
	}
	return false
}

func containsSubstring(s, sub string) bool {
	if len(sub) == 0 {
		return false
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// Load reads path and returns a ServerConfig. A missing file is not an
// error: it yields Default(). A malformed file logs nothing itself (the
// caller is expected to log) and returns a fresh Default(), per spec's
// "prior ServerConfig is replaced by a fresh default-initialized one".
func Load(path string) (ServerConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Default(), fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyLegacyCompat(&cfg)
	return cfg, nil
}

func applyLegacyCompat(cfg *ServerConfig) {
	if cfg.EnableBots != nil && !*cfg.EnableBots && !cfg.HasDisabledFeature("AddRobot") {
		cfg.DisabledFeatures = append(cfg.DisabledFeatures, "AddRobot")
	}
	if cfg.EnableChangeRoom != nil && !*cfg.EnableChangeRoom && !cfg.HasDisabledFeature("ChangeRoom") {
		cfg.DisabledFeatures = append(cfg.DisabledFeatures, "ChangeRoom")
	}
}
