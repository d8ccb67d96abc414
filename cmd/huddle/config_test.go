package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	toml "github.com/pelletier/go-toml/v2"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		check   func(*Config) string
		wantErr bool
	}{
		{"default.api_url", "http://localhost:8080/api/v1", func(c *Config) string { return c.Default.APIURL }, false},
		{"default.realtime_url", "ws://localhost:8081", func(c *Config) string { return c.Default.RealtimeURL }, false},
		{"default.cache_dir", "/tmp/huddle", func(c *Config) string { return c.Default.CacheDir }, false},
		{"auth.token", "tok", func(c *Config) string { return c.Auth.Token }, false},
		{"auth.user_id", "u1", func(c *Config) string { return c.Auth.UserID }, false},
		{"auth.password", "x", nil, true},
		{"server.port", "1", nil, true},
		{"token", "x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			var cfg Config
			err := setConfigValue(&cfg, tt.key, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := tt.check(&cfg); got != tt.value {
				t.Errorf("got %q, want %q", got, tt.value)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Config{
		Default: ConfigDefault{APIURL: "https://file", RealtimeURL: "wss://file"},
		Auth:    ConfigAuth{Token: "file-token"},
	}
	t.Setenv("HUDDLE_TOKEN", "env-token")
	t.Setenv("HUDDLE_REALTIME_URL", "")
	t.Setenv("HUDDLE_CACHE_DIR", "/var/cache/huddle")

	applyEnv(&cfg)
	if cfg.Auth.Token != "env-token" {
		t.Errorf("token = %q", cfg.Auth.Token)
	}
	if cfg.Default.RealtimeURL != "wss://file" {
		t.Errorf("empty env var should not override: %q", cfg.Default.RealtimeURL)
	}
	if cfg.Default.APIURL != "https://file" {
		t.Errorf("api url = %q", cfg.Default.APIURL)
	}
	if cfg.Default.CacheDir != "/var/cache/huddle" {
		t.Errorf("cache dir = %q", cfg.Default.CacheDir)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := &Config{
		Default: ConfigDefault{RealtimeURL: "wss://rt.example.com"},
		Auth:    ConfigAuth{Token: "tok", UserID: "u1"},
	}
	if err := saveConfig(cfg); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(home, ".huddle", "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]map[string]string
	if err := toml.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk["auth"]["user_id"] != "u1" || onDisk["default"]["realtime_url"] != "wss://rt.example.com" {
		t.Errorf("on disk = %v", onDisk)
	}

	got, err := loadFileConfig()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *cfg {
		t.Errorf("loaded %+v, want %+v", got, cfg)
	}
}

func TestMaskToken(t *testing.T) {
	tests := map[string]string{
		"":                 "not set",
		"short":            "****",
		"abcdef0123456789": "abcdef...6789",
	}
	for in, want := range tests {
		if got := maskToken(in); got != want {
			t.Errorf("maskToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderConfigMasksToken(t *testing.T) {
	cfg := &Config{
		Default: ConfigDefault{RealtimeURL: "wss://rt.example.com"},
		Auth:    ConfigAuth{Token: "abcdef0123456789", UserID: "u1"},
	}

	out, err := renderConfig(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "abcdef0123456789") {
		t.Errorf("token leaked:\n%s", out)
	}
	var shown Config
	if err := toml.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatal(err)
	}
	if shown.Auth.Token != "abcdef...6789" || shown.Auth.UserID != "u1" || shown.Default.RealtimeURL != "wss://rt.example.com" {
		t.Errorf("rendered %+v", shown)
	}
	if cfg.Auth.Token != "abcdef0123456789" {
		t.Error("renderConfig modified its input")
	}

	out, err = renderConfig(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "abcdef0123456789") {
		t.Errorf("reveal should print the token:\n%s", out)
	}
}
