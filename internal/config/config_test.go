package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Monitor.ContainerRetries != 50 || cfg.Monitor.ContainerDelayMS != 100 {
		t.Fatalf("unexpected container retry defaults: %+v", cfg.Monitor)
	}
	if cfg.Settings.MaxLogEntries != 1000 {
		t.Fatalf("expected 1000 log entries, got %d", cfg.Settings.MaxLogEntries)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATREADER_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("CHATREADER_BUS_USERNAME", "alice")
	t.Setenv("CHATREADER_BUS_PASSWORD", "secret")
	t.Setenv("CHATREADER_BUS_TLS_INSECURE", "true")
	t.Setenv("CHATREADER_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("CHATREADER_SETTINGS_PATH", "./tmp.db")
	t.Setenv("CHATREADER_SETTINGS_MAX_LOG_ENTRIES", "42")
	t.Setenv("CHATREADER_SPEECH_MODE", "shim")
	t.Setenv("CHATREADER_MONITOR_RETRY_STRATEGY", "linear")
	t.Setenv("CHATREADER_SOURCE_MODE", "twitch")
	t.Setenv("CHATREADER_SOURCE_TWITCH_CHANNEL", "somechannel")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Settings.Path != "./tmp.db" {
		t.Fatalf("expected settings path override")
	}
	if cfg.Settings.MaxLogEntries != 42 {
		t.Fatalf("expected max log entries override")
	}
	if cfg.Speech.Mode != "shim" {
		t.Fatalf("expected speech mode override")
	}
	if cfg.Monitor.RetryStrategy != "linear" {
		t.Fatalf("expected retry strategy override")
	}
	if cfg.Source.Mode != "twitch" || cfg.Source.Twitch.Channel != "somechannel" {
		t.Fatalf("expected twitch source override, got %+v", cfg.Source)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatreader.yaml")
	data := []byte(`
speech:
  mode: exec
  command: "espeak-wrapper --json"
monitor:
  load_retries: 20
source:
  mode: none
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Speech.Command != "espeak-wrapper --json" {
		t.Fatalf("unexpected command %q", cfg.Speech.Command)
	}
	if cfg.Monitor.LoadRetries != 20 {
		t.Fatalf("expected load retries 20, got %d", cfg.Monitor.LoadRetries)
	}
	if cfg.Monitor.ContainerRetries != 50 {
		t.Fatalf("expected defaults to survive partial file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "exec without command", key: "CHATREADER_SPEECH_MODE", value: "exec"},
		{name: "bad strategy", key: "CHATREADER_MONITOR_RETRY_STRATEGY", value: "fibonacci"},
		{name: "twitch without channel", key: "CHATREADER_SOURCE_MODE", value: "twitch"},
		{name: "bad settings mode", key: "CHATREADER_SETTINGS_MODE", value: "remote"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
