package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"Warn", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfigureJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	if err := Configure(Config{Level: "WARN", Format: "json", Output: path}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	t.Cleanup(func() {
		_ = Configure(Config{Level: "INFO", Format: "text", Output: "stdout"})
	})

	Info("hidden %d", 1)
	Warn("share=%s shown", "s1")
	if err := Sync(); err != nil && !strings.Contains(err.Error(), "sync") {
		t.Fatalf("Sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["msg"] != "share=s1 shown" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestConfigureRejectsUnknownFormat(t *testing.T) {
	if err := Configure(Config{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestSetLevel(t *testing.T) {
	SetLevel("ERROR")
	defer SetLevel("INFO")
	if Enabled(LevelWarn) {
		t.Error("warn should be disabled at ERROR")
	}
	if !Enabled(LevelError) {
		t.Error("error should be enabled at ERROR")
	}
	SetLevel("bogus")
	if Enabled(LevelWarn) {
		t.Error("unknown level must not change the level")
	}
}
