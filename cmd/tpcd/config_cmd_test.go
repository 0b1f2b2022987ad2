package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/tpcd"
)

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode generated yaml: %v", err)
	}
	if got.Listen != tpcd.DefaultListen || got.Store != tpcd.DefaultStore {
		t.Fatalf("unexpected defaults %+v", got)
	}
	if got.VoteTimeout != tpcd.DefaultVoteTimeout.String() {
		t.Fatalf("vote timeout = %q", got.VoteTimeout)
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %v", info.Mode().Perm())
	}
	_, _, err = executeRootCommand(t, "config", "gen", "--out", out)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already exists error, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestConfigGenRejectsStdoutWithOut(t *testing.T) {
	if _, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml"); err == nil {
		t.Fatalf("expected mutually exclusive error")
	}
}

func TestGeneratedConfigLoadsAndValidates(t *testing.T) {
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.Participants = []string{"a=http://127.0.0.1:9442"}
	})
	if err != nil {
		t.Fatalf("defaultConfigYAML: %v", err)
	}
	newTestRoot(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TPCD_CONFIG", path)
	if _, err := loadConfigFile(); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := boundConfig()
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate generated config: %v", err)
	}
	if cfg.MaxPayloadBytes != tpcd.DefaultMaxPayloadBytes {
		t.Fatalf("payload max = %d", cfg.MaxPayloadBytes)
	}
	if cfg.DeliveryAttempts != tpcd.DefaultDeliveryAttempts {
		t.Fatalf("delivery attempts = %d", cfg.DeliveryAttempts)
	}
}
