package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jssidecar.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeTemp(t, `node:
  path: /usr/local/bin/node
  args: ["--experimental-vm-modules"]
  env:
    NODE_ENV: production
    A_FIRST: "1"
  script: ./worker.mjs
  workers: 4

pool:
  max_connections: 64
  recycle_timeout: 250ms

startup:
  ready_attempts: 100
  ready_interval: 20ms
  shutdown_grace: 2s
  socket_dir: /run/jssidecar

log:
  level: debug

output:
  format: yaml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	sc := cfg.SidecarConfig()
	if sc.NodePath != "/usr/local/bin/node" || sc.ScriptPath != "./worker.mjs" || sc.NumWorkers != 4 {
		t.Errorf("node settings = %+v", sc)
	}
	if len(sc.NodeArgs) != 1 || sc.NodeArgs[0] != "--experimental-vm-modules" {
		t.Errorf("NodeArgs = %v", sc.NodeArgs)
	}
	if strings.Join(sc.Env, ",") != "A_FIRST=1,NODE_ENV=production" {
		t.Errorf("Env = %v, want sorted entries", sc.Env)
	}
	if sc.MaxConnections != 64 || sc.RecycleTimeout != 250*time.Millisecond {
		t.Errorf("pool settings = %d, %v", sc.MaxConnections, sc.RecycleTimeout)
	}
	if sc.ReadyAttempts != 100 || sc.ReadyInterval != 20*time.Millisecond || sc.ShutdownGrace != 2*time.Second {
		t.Errorf("startup settings = %d, %v, %v", sc.ReadyAttempts, sc.ReadyInterval, sc.ShutdownGrace)
	}
	if sc.SocketDir != "/run/jssidecar" {
		t.Errorf("SocketDir = %q", sc.SocketDir)
	}
	if cfg.Log.Level != "debug" || cfg.Output.Format != "yaml" {
		t.Errorf("log/output = %q/%q", cfg.Log.Level, cfg.Output.Format)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("JSSIDECAR_TEST_NODE", "/opt/node/bin/node")
	path := writeTemp(t, `node:
  path: ${JSSIDECAR_TEST_NODE}
  script: ${JSSIDECAR_TEST_UNSET:-./default.mjs}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.Path != "/opt/node/bin/node" {
		t.Errorf("node.path = %q", cfg.Node.Path)
	}
	if cfg.Node.Script != "./default.mjs" {
		t.Errorf("node.script = %q", cfg.Node.Script)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeTemp(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	sc := cfg.SidecarConfig()
	if sc.NodePath != "" || sc.Env != nil || sc.RecycleTimeout != 0 {
		t.Errorf("empty config should leave zero values: %+v", sc)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "node: [", "invalid YAML"},
		{"unknown key", "nodes:\n  path: node\n", "field nodes not found"},
		{"bad duration", "pool:\n  recycle_timeout: soon\n", `invalid duration "soon"`},
		{"negative workers", "node:\n  workers: -1\n", "node.workers must be >= 0"},
		{"negative duration", "startup:\n  shutdown_grace: -1s\n", "startup.shutdown_grace must not be negative"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestLoadDefault_Missing(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	if cfg.Node.Path != "" {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}

func TestLoadDefault_Present(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, DefaultPath), []byte("node:\n  workers: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	if cfg.Node.Workers != 2 {
		t.Errorf("node.workers = %d, want 2", cfg.Node.Workers)
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	got, err := Duration{Duration: 1500 * time.Millisecond}.MarshalYAML()
	if err != nil || got != "1.5s" {
		t.Errorf("MarshalYAML = %v, %v", got, err)
	}
}
