package setup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load with missing file: %v", err)
	}
	if cfg.VM.MemoryMB != 512 {
		t.Errorf("expected default memory 512, got %d", cfg.VM.MemoryMB)
	}
	if cfg.Network.CIDR != "172.50.0.0/24" {
		t.Errorf("expected default cidr, got %s", cfg.Network.CIDR)
	}
}

func TestWriteDefaultThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("write default: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Limits.TaskTimeout.Get() != 60*time.Second {
		t.Errorf("task timeout did not round trip, got %s", cfg.Limits.TaskTimeout.Get())
	}
	if cfg.VM.GuestMAC != "AA:FC:00:00:00:01" {
		t.Errorf("guest mac did not round trip, got %s", cfg.VM.GuestMAC)
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("paths: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteDefault(path); err == nil {
		t.Fatal("expected error overwriting existing config")
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "vm:\n  memory_mb: 1024\n  boot_wait: 5s\nlimits:\n  max_concurrent: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.VM.MemoryMB != 1024 {
		t.Errorf("expected memory override 1024, got %d", cfg.VM.MemoryMB)
	}
	if cfg.VM.BootWait.Get() != 5*time.Second {
		t.Errorf("expected boot_wait override 5s, got %s", cfg.VM.BootWait.Get())
	}
	if cfg.Limits.MaxConcurrent != 2 {
		t.Errorf("expected max_concurrent override 2, got %d", cfg.Limits.MaxConcurrent)
	}
	// Untouched sections keep their defaults.
	if cfg.Network.MTU != 1500 {
		t.Errorf("expected default mtu 1500, got %d", cfg.Network.MTU)
	}
}

func TestDurationRejectsMalformedValue(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte(`"not-a-duration"`), &d); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero memory", func(c *Config) { c.VM.MemoryMB = 0 }},
		{"zero vcpus", func(c *Config) { c.VM.VCPUs = 0 }},
		{"zero shared disk", func(c *Config) { c.VM.SharedDiskMB = 0 }},
		{"bad mac", func(c *Config) { c.VM.GuestMAC = "nope" }},
		{"bad cidr", func(c *Config) { c.Network.CIDR = "300.0.0.0/24" }},
		{"public cidr", func(c *Config) { c.Network.CIDR = "8.8.8.0/24" }},
		{"zero concurrency", func(c *Config) { c.Limits.MaxConcurrent = 0 }},
		{"zero timeout", func(c *Config) { c.Limits.TaskTimeout = 0 }},
		{"missing paths", func(c *Config) { c.Paths.Scratch = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation failure for %s", tc.name)
			}
		})
	}
}

func TestLoadSecretsFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("OPENAI_API_KEY=sk-test-123\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// t.Setenv registers restoration; the unset makes sure the file value wins.
	t.Setenv("OPENAI_API_KEY", "placeholder")
	os.Unsetenv("OPENAI_API_KEY")

	key, err := LoadSecrets(path)
	if err != nil {
		t.Fatalf("load secrets: %v", err)
	}
	if key != "sk-test-123" {
		t.Errorf("expected key from env file, got %q", key)
	}
}

func TestLoadSecretsMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "placeholder")
	os.Unsetenv("OPENAI_API_KEY")
	if _, err := LoadSecrets(""); err == nil {
		t.Fatal("expected error when key is unset")
	}
}
