package main

import (
	"encoding/json"
	"testing"

	"pkt.systems/tpcd/internal/version"
)

func TestVersionCommandPrintsModuleAndVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandShort(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version", "--short")
	if err != nil {
		t.Fatalf("version --short failed: %v", err)
	}
	if stdout != version.Current()+"\n" {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestVersionCommandJSON(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version", "--json")
	if err != nil {
		t.Fatalf("version --json failed: %v", err)
	}
	var got version.Summary
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != version.Current() || got.Module != version.Module() {
		t.Fatalf("unexpected summary %+v", got)
	}
	if _, _, err := executeRootCommand(t, "version", "--json", "--short"); err == nil {
		t.Fatalf("expected mutually exclusive error")
	}
}
