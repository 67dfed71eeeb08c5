package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-dm/internal/config"
	"github.com/Tyrowin/gochat-dm/internal/logging"
)

// TestNormalizeOrigin tests origin canonicalization.
func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://Chat.Example.com", "https://chat.example.com", true},
		{"http://localhost:3000", "http://localhost:3000", true},
		{"HTTPS://chat.example.com/path", "https://chat.example.com", true},
		{"chat.example.com", "", false},
		{"://broken", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := normalizeOrigin(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Expected (%q, %v), got (%q, %v)", tt.want, tt.ok, got, ok)
			}
		})
	}
}

// TestOriginPolicy tests which handshake origins are accepted.
func TestOriginPolicy(t *testing.T) {
	logger := logging.Discard()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"wildcard accepts any", []string{"*"}, "https://evil.example", true},
		{"wildcard accepts missing header", []string{"*"}, "", true},
		{"listed origin", []string{"https://chat.example.com"}, "https://chat.example.com", true},
		{"case insensitive", []string{"https://chat.example.com"}, "https://CHAT.example.com", true},
		{"unlisted origin", []string{"https://chat.example.com"}, "https://evil.example", false},
		{"missing header with list", []string{"https://chat.example.com"}, "", false},
		{"invalid entries ignored", []string{"not-an-origin", " "}, "https://chat.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := newOriginPolicy(tt.allowed, logger)
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := policy.checkOrigin(req); got != tt.want {
				t.Errorf("Expected %v for origin %q, got %v", tt.want, tt.origin, got)
			}
		})
	}
}

// TestOptionsFromConfig tests the mapping of configuration onto Options and
// the defaults applied to unset values.
func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Config{
		AllowedOrigins:   []string{"https://chat.example.com"},
		MaxMessageSize:   1024,
		OperationTimeout: 3 * time.Second,
	}
	opts := OptionsFromConfig(cfg)
	if opts.MaxMessageSize != 1024 || opts.OperationTimeout != 3*time.Second {
		t.Errorf("Unexpected options: %+v", opts)
	}
	if len(opts.AllowedOrigins) != 1 || opts.AllowedOrigins[0] != "https://chat.example.com" {
		t.Errorf("Unexpected origins: %v", opts.AllowedOrigins)
	}

	sanitized := sanitizeOptions(Options{})
	if sanitized.MaxMessageSize != defaultMaxMessageSize ||
		sanitized.OperationTimeout != defaultOperationTimeout ||
		sanitized.SendBufferSize != defaultSendBufferSize {
		t.Errorf("Expected defaults, got %+v", sanitized)
	}
}
