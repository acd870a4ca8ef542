package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memkeys.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.EvictionPolicy != "no-eviction" {
		t.Errorf("default policy = %q", cfg.Memory.EvictionPolicy)
	}
	if cfg.Memory.Databases != 16 {
		t.Errorf("default databases = %d", cfg.Memory.Databases)
	}
	if cfg.Server.Hz != 10 {
		t.Errorf("default hz = %d", cfg.Server.Hz)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: test-node
memory:
  max_memory: 512MB
  eviction_policy: lru-any
  sample_size: 10
  databases: 4
server:
  hz: 20
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.ID != "test-node" {
		t.Errorf("node id = %q", cfg.Node.ID)
	}
	if cfg.Memory.EvictionPolicy != "lru-any" {
		t.Errorf("policy = %q", cfg.Memory.EvictionPolicy)
	}
	if cfg.Memory.SampleSize != 10 {
		t.Errorf("sample size = %d", cfg.Memory.SampleSize)
	}
	if cfg.Server.Hz != 20 {
		t.Errorf("hz = %d", cfg.Server.Hz)
	}
	// Untouched sections keep their defaults.
	if cfg.Dict.MinTableSize != 4 {
		t.Errorf("min table size = %d", cfg.Dict.MinTableSize)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad policy", "memory:\n  eviction_policy: lru\n"},
		{"bad max memory", "memory:\n  max_memory: lots\n"},
		{"zero databases", "memory:\n  databases: -1\n"},
		{"bad sample size", "memory:\n  sample_size: 0\n"},
		{"min size not power of two", "dict:\n  min_table_size: 6\n"},
		{"hz out of range", "server:\n  hz: 0\n"},
		{"empty node id", "node:\n  id: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "memory: [broken")); err == nil {
		t.Error("expected parse error")
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"1KB", 1024, false},
		{"512MB", 512 << 20, false},
		{"4GB", 4 << 30, false},
		{"1TB", 1 << 40, false},
		{"2.5GB", 2684354560, false},
		{"100B", 100, false},
		{"1gb", 1 << 30, false},
		{" 64MB ", 64 << 20, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-5MB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseBytes(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseBytes(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseBytes(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
