package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TKFRvisionOfficial/zia/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
}

func TestValidateHostPort(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"valid", "127.0.0.1:5353", true},
		{"valid wildcard", "0.0.0.0:8080", true},
		{"valid hostname", "tunnel.example.com:443", true},
		{"missing port", "127.0.0.1", false},
		{"empty", "", false},
		{"port only", ":8080", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateHostPort(tc.input)
			if tc.valid && err != nil {
				t.Errorf("validateHostPort(%q) = %v, want nil", tc.input, err)
			}
			if !tc.valid && err == nil {
				t.Errorf("validateHostPort(%q) = nil, want error", tc.input)
			}
		})
	}
}

func TestWriteConfig(t *testing.T) {
	w := New()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.yaml")

	cfg := config.Default()
	cfg.Client.Upstream = "wss://tunnel.example.com/udp"

	if err := w.writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig() error = %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading written config: %v", err)
	}

	content := string(data)
	if !strings.HasPrefix(content, "# zia Configuration") {
		t.Error("written config should start with the header comment")
	}
	if !strings.Contains(content, "wss://tunnel.example.com/udp") {
		t.Error("written config should contain the upstream URL")
	}

	// The written file must parse and validate back.
	parsed, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load() of written config: %v", err)
	}
	if parsed.Client.Upstream != cfg.Client.Upstream {
		t.Errorf("round-trip upstream = %q, want %q", parsed.Client.Upstream, cfg.Client.Upstream)
	}
}

func TestWriteConfigServerRoundTrip(t *testing.T) {
	w := New()
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	cfg := config.Default()
	cfg.Mode = config.ModeServer
	cfg.Server.Upstream = "127.0.0.1:53"
	cfg.Server.Listener = config.ListenerRaw

	if err := w.writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig() error = %v", err)
	}

	parsed, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load() of written config: %v", err)
	}
	if parsed.Mode != config.ModeServer {
		t.Errorf("Mode = %s, want server", parsed.Mode)
	}
	if parsed.Server.Listener != config.ListenerRaw {
		t.Errorf("Server.Listener = %s, want raw", parsed.Server.Listener)
	}
}
