package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tripwire/agent/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
root_dir: "/var/log/containers"
data_dir: "/var/lib/logdb"
log_level: debug
http_addr: "127.0.0.1:9101"
disable_k8s_labels: true
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.RootDir != "/var/log/containers" {
		t.Errorf("RootDir = %q", cfg.RootDir)
	}
	if cfg.DataDir != "/var/lib/logdb" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.HTTPAddr != "127.0.0.1:9101" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, "127.0.0.1:9101")
	}
	if !cfg.DisableK8sLabels {
		t.Errorf("DisableK8sLabels = false, want true")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	yaml := `
root_dir: "/var/log/containers"
data_dir: "/var/lib/logdb"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.HTTPAddr != "127.0.0.1:9100" {
		t.Errorf("default HTTPAddr = %q, want %q", cfg.HTTPAddr, "127.0.0.1:9100")
	}
	if cfg.DisableK8sLabels {
		t.Errorf("default DisableK8sLabels = true, want false")
	}
}

func TestLoadConfig_MissingRootDir(t *testing.T) {
	yaml := `
data_dir: "/var/lib/logdb"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing root_dir, got nil")
	}
	if !strings.Contains(err.Error(), "root_dir") {
		t.Errorf("error %q does not mention root_dir", err.Error())
	}
}

func TestLoadConfig_MissingDataDir(t *testing.T) {
	yaml := `
root_dir: "/var/log/containers"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing data_dir, got nil")
	}
	if !strings.Contains(err.Error(), "data_dir") {
		t.Errorf("error %q does not mention data_dir", err.Error())
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	yaml := `
root_dir: "/var/log/containers"
data_dir: "/var/lib/logdb"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
