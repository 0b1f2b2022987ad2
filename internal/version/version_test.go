package version

import (
	"runtime/debug"
	"testing"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	orig := buildVersion
	t.Cleanup(func() { buildVersion = orig })
	buildVersion = "v1.2.3"
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("Current() = %q", got)
	}
	if got := UserAgent(); got != "tpcd/v1.2.3" {
		t.Fatalf("UserAgent() = %q", got)
	}
}

func TestPseudoFromBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2025-03-04T05:06:07Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	want := "v0.0.0-20250304050607-0123456789ab+dirty"
	if got := pseudoFromBuildInfo(info); got != want {
		t.Fatalf("pseudoFromBuildInfo = %q want %q", got, want)
	}
	if got := pseudoFromBuildInfo(&debug.BuildInfo{}); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
}

func TestDescribe(t *testing.T) {
	s := Describe()
	if s.Module == "" || s.Version == "" || s.GoVersion == "" {
		t.Fatalf("unexpected summary %+v", s)
	}
}
