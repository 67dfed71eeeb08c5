package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoadDefaults tests that defaults apply when only the secret is set.
func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ACCESS_TOKEN_SECRET", "s3cret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Addr() != ":8080" {
		t.Errorf("Expected addr :8080, got %s", cfg.Addr())
	}
	if cfg.StoreDriver != DriverMemory {
		t.Errorf("Expected memory driver, got %s", cfg.StoreDriver)
	}
	if cfg.MaxMessageSize != 64*1024 {
		t.Errorf("Expected max message size 65536, got %d", cfg.MaxMessageSize)
	}
	if cfg.OperationTimeout != 5*time.Second {
		t.Errorf("Expected operation timeout 5s, got %s", cfg.OperationTimeout)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("Expected allowed origins [*], got %v", cfg.AllowedOrigins)
	}
	if !cfg.IsDev() {
		t.Error("Expected dev environment by default")
	}
}

// TestLoadFromEnv tests that environment variables override defaults.
func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ACCESS_TOKEN_SECRET", "s3cret")
	t.Setenv("PORT", "9000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("OPERATION_TIMEOUT", "750ms")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Addr() != ":9000" {
		t.Errorf("Expected addr :9000, got %s", cfg.Addr())
	}
	if got := strings.Join(cfg.AllowedOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Errorf("Unexpected origins: %q", got)
	}
	if cfg.MaxMessageSize != 2048 {
		t.Errorf("Expected 2048, got %d", cfg.MaxMessageSize)
	}
	if cfg.OperationTimeout != 750*time.Millisecond {
		t.Errorf("Expected 750ms, got %s", cfg.OperationTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected debug, got %s", cfg.LogLevel)
	}
	if cfg.StoreDriver != DriverPostgres || cfg.DatabaseURL == "" {
		t.Errorf("Unexpected store settings: %s %s", cfg.StoreDriver, cfg.DatabaseURL)
	}
	if cfg.RedisURL == "" {
		t.Error("Expected redis url to be set")
	}
	if cfg.IsDev() {
		t.Error("Expected production not to be dev")
	}
}

// TestLoadConfigFile tests reading settings from an explicit yaml file.
func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "gochat.yaml")
	content := "auth:\n  access_token_secret: from-file\n" +
		"server:\n  port: \"7070\"\n  allowed_origins:\n    - https://a.example\n    - https://b.example\n" +
		"logging:\n  format: json\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AccessTokenSecret != "from-file" || cfg.Port != "7070" || cfg.LogFormat != "json" {
		t.Errorf("Unexpected config from file: %+v", cfg)
	}
	if got := strings.Join(cfg.AllowedOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Errorf("Expected origins from yaml list, got %q", got)
	}

	csvPath := filepath.Join(dir, "csv.yaml")
	csv := "auth:\n  access_token_secret: from-file\nserver:\n  allowed_origins: \"https://a.example,https://c.example\"\n"
	if err := os.WriteFile(csvPath, []byte(csv), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg, err = Load(csvPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := strings.Join(cfg.AllowedOrigins, "|"); got != "https://a.example|https://c.example" {
		t.Errorf("Expected origins from csv string, got %q", got)
	}

	emptyPath := filepath.Join(dir, "empty.yaml")
	empty := "auth:\n  access_token_secret: from-file\nserver:\n  allowed_origins: []\n"
	if err := os.WriteFile(emptyPath, []byte(empty), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(emptyPath); err == nil || !strings.Contains(err.Error(), "ALLOWED_ORIGINS") {
		t.Errorf("Expected empty origin list to be rejected, got %v", err)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for a missing explicit config file")
	}
}

// TestValidate tests rejection of incomplete configurations.
func TestValidate(t *testing.T) {
	base := Config{
		Port:              "8080",
		AccessTokenSecret: "s",
		AllowedOrigins:    []string{"*"},
		MaxMessageSize:    1,
		OperationTimeout:  time.Second,
		ShutdownTimeout:   time.Second,
		StoreDriver:       DriverMemory,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing secret", func(c *Config) { c.AccessTokenSecret = "" }, "ACCESS_TOKEN_SECRET"},
		{"no origins", func(c *Config) { c.AllowedOrigins = nil }, "ALLOWED_ORIGINS"},
		{"bad size", func(c *Config) { c.MaxMessageSize = 0 }, "MAX_MESSAGE_SIZE"},
		{"postgres without url", func(c *Config) { c.StoreDriver = DriverPostgres }, "DATABASE_URL"},
		{"mongo without uri", func(c *Config) { c.StoreDriver = DriverMongo }, "MONGO_URI"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "cassandra" }, "STORE_DRIVER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}
