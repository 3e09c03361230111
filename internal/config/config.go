// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config manages llmchat configuration.
//
// Configuration file locations (in order of precedence):
//  1. ~/.llmchat/config.toml
//  2. ~/.llmchat/config.json (legacy)
//
// Environment variables override file values; see ApplyEnvOverrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/llmchat/internal/model"
)

// MessageLimitAll disables history truncation when set as MessageLimit.
const MessageLimitAll = "all"

// =============================================================================
// CONFIGURATION TYPES
// =============================================================================

// Preferences holds the user-tunable generation settings applied to every
// request.
type Preferences struct {
	// DefaultModel is the catalog key used when a request names no model.
	DefaultModel string `toml:"default_model" json:"defaultModel"`

	// SystemPrompt opens the system turn of every assembled prompt.
	SystemPrompt string `toml:"system_prompt" json:"systemPrompt"`

	// MessageLimit is "all" or a positive integer bounding how many prior
	// messages are replayed into the prompt.
	MessageLimit string `toml:"message_limit" json:"messageLimit"`

	// Sampling parameters forwarded to the provider.
	Temperature float64 `toml:"temperature" json:"temperature"`
	TopP        float64 `toml:"top_p" json:"topP"`
	TopK        int     `toml:"top_k" json:"topK"`
	MaxTokens   int     `toml:"max_tokens" json:"maxTokens"`
}

// HistoryLimit interprets MessageLimit. The bool reports whether history
// is bounded; when true, the int is the bound.
func (p Preferences) HistoryLimit() (int, bool) {
	limit := strings.TrimSpace(p.MessageLimit)
	if limit == "" || strings.EqualFold(limit, MessageLimitAll) {
		return 0, false
	}
	n, err := strconv.Atoi(limit)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Config represents the complete llmchat configuration.
type Config struct {
	Preferences Preferences `toml:"preferences" json:"preferences"`

	// Keys maps a provider family ("openai", "anthropic", "gemini") to its
	// API key.
	Keys map[string]string `toml:"keys" json:"keys"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero-valued fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Preferences.DefaultModel == "" {
		c.Preferences.DefaultModel = "gpt-3.5-turbo"
	}
	if c.Preferences.SystemPrompt == "" {
		c.Preferences.SystemPrompt = "You are a helpful assistant."
	}
	if c.Preferences.MessageLimit == "" {
		c.Preferences.MessageLimit = MessageLimitAll
	}
	if c.Preferences.Temperature == 0 {
		c.Preferences.Temperature = 0.5
	}
	if c.Preferences.TopP == 0 {
		c.Preferences.TopP = 1
	}
	if c.Preferences.TopK == 0 {
		c.Preferences.TopK = 5
	}
	if c.Preferences.MaxTokens == 0 {
		c.Preferences.MaxTokens = 1000
	}
	if c.Keys == nil {
		c.Keys = make(map[string]string)
	}
}

// Validate clamps out-of-range sampling values back into their legal
// ranges rather than failing the load.
func (c *Config) Validate() {
	p := &c.Preferences
	p.Temperature = clampFloat(p.Temperature, 0, 1)
	p.TopP = clampFloat(p.TopP, 0, 1)
	if p.TopK < 1 {
		p.TopK = 1
	}
	if p.MaxTokens < 1 {
		p.MaxTokens = 1
	}
	if _, ok := model.GetModel(p.DefaultModel); !ok {
		p.DefaultModel = "gpt-3.5-turbo"
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ApplyEnvOverrides applies environment variable overrides.
// Supported variables:
//   - LLMCHAT_DEFAULT_MODEL: override the default model key
//   - LLMCHAT_SYSTEM_PROMPT: override the system prompt
//   - LLMCHAT_MESSAGE_LIMIT: override the history bound ("all" or a number)
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY: provider keys
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("LLMCHAT_DEFAULT_MODEL"); v != "" {
		c.Preferences.DefaultModel = v
	}
	if v := os.Getenv("LLMCHAT_SYSTEM_PROMPT"); v != "" {
		c.Preferences.SystemPrompt = v
	}
	if v := os.Getenv("LLMCHAT_MESSAGE_LIMIT"); v != "" {
		c.Preferences.MessageLimit = v
	}

	if c.Keys == nil {
		c.Keys = make(map[string]string)
	}
	envKeys := map[model.ProviderFamily]string{
		model.ProviderOpenAI:    "OPENAI_API_KEY",
		model.ProviderAnthropic: "ANTHROPIC_API_KEY",
		model.ProviderGemini:    "GEMINI_API_KEY",
	}
	for family, envVar := range envKeys {
		if v := os.Getenv(envVar); v != "" {
			c.Keys[string(family)] = v
		}
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the llmchat configuration directory path. It can be
// overridden with LLMCHAT_CONFIG_DIR.
func ConfigDir() (string, error) {
	if dir := os.Getenv("LLMCHAT_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".llmchat"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the configuration, trying TOML first and falling back to the
// legacy JSON file. A missing file yields the defaults. Environment
// overrides and validation are always applied.
func Load() (*Config, error) {
	cfg := &Config{}

	tomlPath, err := ConfigPathTOML()
	if err != nil {
		return nil, err
	}
	jsonPath, err := ConfigPathJSON()
	if err != nil {
		return nil, err
	}

	switch {
	case fileExists(tomlPath):
		if err := LoadTOML(cfg, tomlPath); err != nil {
			return nil, err
		}
	case fileExists(jsonPath):
		if err := LoadJSON(cfg, jsonPath); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	cfg.Validate()
	return cfg, nil
}

// LoadFromPath reads the configuration from an explicit path, selecting
// the decoder by extension.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}

	var err error
	if strings.HasSuffix(path, ".json") {
		err = LoadJSON(cfg, path)
	} else {
		err = LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	cfg.Validate()
	return cfg, nil
}

// LoadTOML decodes TOML configuration from path into cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadJSON decodes JSON configuration from path into cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Save writes the configuration to the TOML config file. The file is
// written 0600 because Keys may hold API keys.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration as TOML to an explicit path.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager holds the live configuration behind a lock so the orchestrator
// can read preferences and keys while a reload replaces them.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewManager wraps an already loaded configuration. path is the file a
// Reload re-reads; it may be empty, in which case Reload uses the default
// locations.
func NewManager(cfg *Config, path string) *Manager {
	if cfg == nil {
		cfg = Default()
	}
	return &Manager{cfg: cfg, path: path}
}

// GetPreferences returns a snapshot of the current preferences.
func (m *Manager) GetPreferences() Preferences {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Preferences
}

// GetAPIKey returns the stored key for a provider family. The bool is
// false when no non-empty key is configured.
func (m *Manager) GetAPIKey(family model.ProviderFamily) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := m.cfg.Keys[string(family)]
	return key, key != ""
}

// SetPreferences replaces the current preferences after clamping.
func (m *Manager) SetPreferences(p Preferences) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *m.cfg
	c.Preferences = p
	c.SetDefaults()
	c.Validate()
	m.cfg = &c
}

// SetAPIKey stores a key for a provider family.
func (m *Manager) SetAPIKey(family model.ProviderFamily, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *m.cfg
	c.Keys = make(map[string]string, len(m.cfg.Keys)+1)
	for k, v := range m.cfg.Keys {
		c.Keys[k] = v
	}
	c.Keys[string(family)] = key
	m.cfg = &c
}

// Reload re-reads the configuration from disk and swaps it in.
func (m *Manager) Reload() error {
	var (
		cfg *Config
		err error
	)
	if m.path != "" {
		cfg, err = LoadFromPath(m.path)
	} else {
		cfg, err = Load()
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}
