package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"--encryption-key", "a2V5"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr != ":3000" {
		t.Errorf("Expected :3000, got %q", cfg.ListenAddr)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Expected sqlite driver, got %q", cfg.Database.Driver)
	}
	if cfg.OAuth.StoreMode != "memory" || cfg.OAuth.PendingTTL != 10*time.Minute {
		t.Errorf("Unexpected OAuth options %+v", cfg.OAuth)
	}
	if cfg.Intervals.Bookmarks != 30*time.Second || cfg.Intervals.Messages != 10*time.Second {
		t.Errorf("Unexpected intervals %+v", cfg.Intervals)
	}
	if cfg.BotEnabled() {
		t.Error("Expected bot to be disabled without credentials")
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Expected info level, got %v", cfg.Level())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "a2V5")
	t.Setenv("PUBLIC_URL", "https://readwise-bridge.example/")
	t.Setenv("BOT_HANDLE", "bot.example")
	t.Setenv("BOT_APP_PASSWORD", "xxxx-xxxx")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PublicURL != "https://readwise-bridge.example" {
		t.Errorf("Expected trailing slash trimmed, got %q", cfg.PublicURL)
	}
	if !cfg.BotEnabled() {
		t.Error("Expected bot to be enabled")
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Expected debug level, got %v", cfg.Level())
	}
}

func TestLoadIniFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	ini := "listen = :8080\n" +
		"encryption-key = a2V5\n" +
		"db-driver = postgres\n"
	if err := os.WriteFile(path, []byte(ini), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load([]string{"--config", path, "--listen", ":9090"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Expected driver from file, got %q", cfg.Database.Driver)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("Expected flag to override file, got %q", cfg.ListenAddr)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing encryption key", nil},
		{"bot handle without password", []string{"--encryption-key", "a2V5", "--bot-handle", "bot.example"}},
		{"zero interval", []string{"--encryption-key", "a2V5", "--dm-interval", "0s"}},
		{"unknown driver", []string{"--encryption-key", "a2V5", "--db-driver", "mysql"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENCRYPTION_KEY", "")
			if _, err := Load(tt.args); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
