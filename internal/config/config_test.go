// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeranaias/llmchat/internal/model"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	p := cfg.Preferences
	if p.DefaultModel != "gpt-3.5-turbo" {
		t.Errorf("DefaultModel = %q", p.DefaultModel)
	}
	if p.SystemPrompt != "You are a helpful assistant." {
		t.Errorf("SystemPrompt = %q", p.SystemPrompt)
	}
	if p.MessageLimit != MessageLimitAll {
		t.Errorf("MessageLimit = %q", p.MessageLimit)
	}
	if p.Temperature != 0.5 || p.TopP != 1 || p.TopK != 5 || p.MaxTokens != 1000 {
		t.Errorf("sampling defaults = %+v", p)
	}
}

func TestHistoryLimit(t *testing.T) {
	tests := []struct {
		limit   string
		wantN   int
		bounded bool
	}{
		{"all", 0, false},
		{"ALL", 0, false},
		{"", 0, false},
		{"4", 4, true},
		{"0", 0, false},
		{"-3", 0, false},
		{"garbage", 0, false},
	}
	for _, tt := range tests {
		p := Preferences{MessageLimit: tt.limit}
		n, bounded := p.HistoryLimit()
		if n != tt.wantN || bounded != tt.bounded {
			t.Errorf("HistoryLimit(%q) = (%d, %v), want (%d, %v)",
				tt.limit, n, bounded, tt.wantN, tt.bounded)
		}
	}
}

func TestValidate_Clamps(t *testing.T) {
	cfg := Default()
	cfg.Preferences.Temperature = 3.5
	cfg.Preferences.TopP = -1
	cfg.Preferences.TopK = 0
	cfg.Preferences.MaxTokens = -100
	cfg.Preferences.DefaultModel = "no-such-model"
	cfg.Validate()

	p := cfg.Preferences
	if p.Temperature != 1 {
		t.Errorf("Temperature = %v, want clamped to 1", p.Temperature)
	}
	if p.TopP != 0 {
		t.Errorf("TopP = %v, want clamped to 0", p.TopP)
	}
	if p.TopK != 1 {
		t.Errorf("TopK = %v, want clamped to 1", p.TopK)
	}
	if p.MaxTokens != 1 {
		t.Errorf("MaxTokens = %v, want clamped to 1", p.MaxTokens)
	}
	if p.DefaultModel != "gpt-3.5-turbo" {
		t.Errorf("DefaultModel = %q, unknown model should fall back", p.DefaultModel)
	}
}

func TestLoadFromPath_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[preferences]
default_model = "claude-3-haiku-20240307"
system_prompt = "Answer briefly."
message_limit = "6"
temperature = 0.9

[keys]
anthropic = "sk-test"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Preferences.DefaultModel != "claude-3-haiku-20240307" {
		t.Errorf("DefaultModel = %q", cfg.Preferences.DefaultModel)
	}
	if cfg.Preferences.Temperature != 0.9 {
		t.Errorf("Temperature = %v", cfg.Preferences.Temperature)
	}
	// Unset fields pick up defaults
	if cfg.Preferences.TopK != 5 {
		t.Errorf("TopK = %d, want default 5", cfg.Preferences.TopK)
	}
	if cfg.Keys["anthropic"] != "sk-test" {
		t.Errorf("Keys[anthropic] = %q", cfg.Keys["anthropic"])
	}
}

func TestLoadFromPath_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"preferences":{"defaultModel":"gemini-pro","maxTokens":256},"keys":{"gemini":"g-key"}}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Preferences.DefaultModel != "gemini-pro" {
		t.Errorf("DefaultModel = %q", cfg.Preferences.DefaultModel)
	}
	if cfg.Preferences.MaxTokens != 256 {
		t.Errorf("MaxTokens = %d", cfg.Preferences.MaxTokens)
	}
	if cfg.Keys["gemini"] != "g-key" {
		t.Errorf("Keys[gemini] = %q", cfg.Keys["gemini"])
	}
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Preferences.SystemPrompt = "Be terse."
	cfg.Keys["openai"] = "sk-abc"
	if err := SaveTOML(cfg, path); err != nil {
		t.Fatalf("SaveTOML failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file mode = %o, want 0600", perm)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Preferences.SystemPrompt != "Be terse." {
		t.Errorf("SystemPrompt = %q", loaded.Preferences.SystemPrompt)
	}
	if loaded.Keys["openai"] != "sk-abc" {
		t.Errorf("Keys[openai] = %q", loaded.Keys["openai"])
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("LLMCHAT_DEFAULT_MODEL", "gpt-4o")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Preferences.DefaultModel != "gpt-4o" {
		t.Errorf("DefaultModel = %q", cfg.Preferences.DefaultModel)
	}
	if cfg.Keys["openai"] != "sk-env" {
		t.Errorf("Keys[openai] = %q", cfg.Keys["openai"])
	}
}

func TestManager_KeyLookup(t *testing.T) {
	cfg := Default()
	cfg.Keys["openai"] = "sk-abc"
	m := NewManager(cfg, "")

	key, ok := m.GetAPIKey(model.ProviderOpenAI)
	if !ok || key != "sk-abc" {
		t.Errorf("GetAPIKey(openai) = (%q, %v)", key, ok)
	}
	if _, ok := m.GetAPIKey(model.ProviderAnthropic); ok {
		t.Error("missing key should report ok=false")
	}

	m.SetAPIKey(model.ProviderAnthropic, "sk-ant")
	if key, ok := m.GetAPIKey(model.ProviderAnthropic); !ok || key != "sk-ant" {
		t.Errorf("GetAPIKey(anthropic) = (%q, %v)", key, ok)
	}
}

func TestManager_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig := func(prompt string) {
		t.Helper()
		content := "[preferences]\nsystem_prompt = \"" + prompt + "\"\n"
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}
	writeConfig("first")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(cfg, path)
	if got := m.GetPreferences().SystemPrompt; got != "first" {
		t.Fatalf("SystemPrompt = %q", got)
	}

	writeConfig("second")
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := m.GetPreferences().SystemPrompt; got != "second" {
		t.Errorf("SystemPrompt after reload = %q", got)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[preferences]\nsystem_prompt = \"v1\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(cfg, path)

	reloaded := make(chan error, 1)
	w, err := NewWatcher(m, path, func(err error) { reloaded <- err })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()
	if err := w.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("[preferences]\nsystem_prompt = \"v2\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if got := m.GetPreferences().SystemPrompt; got != "v2" {
		t.Errorf("SystemPrompt after watch reload = %q", got)
	}
}
