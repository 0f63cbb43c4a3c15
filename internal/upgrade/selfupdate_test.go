package upgrade

import (
	"context"
	"strings"
	"testing"
)

func TestResolveChannel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ChannelStable},
		{"stable", ChannelStable},
		{"BETA", ChannelBeta},
		{"dev", ChannelDev},
		{"nonsense", ChannelStable},
	}
	for _, tt := range tests {
		if got := ResolveChannel(tt.in); got != tt.want {
			t.Errorf("ResolveChannel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveChannelEnvOverride(t *testing.T) {
	t.Setenv("CLAWLITE_UPDATE_CHANNEL", "beta")
	if got := ResolveChannel("stable"); got != ChannelBeta {
		t.Errorf("env override ignored: %q", got)
	}
}

func TestRunRefusesDirtyTree(t *testing.T) {
	u := NewUpdater()
	u.runCmd = func(_ context.Context, name string, args ...string) (string, error) {
		if name == "git" {
			return " M internal/upgrade/selfupdate.go\n", nil
		}
		t.Fatalf("unexpected command %s %v", name, args)
		return "", nil
	}

	if _, err := u.Run(context.Background(), ChannelStable); err == nil ||
		!strings.Contains(err.Error(), "local changes") {
		t.Errorf("err = %v", err)
	}
}

func TestRunInstallsResolvedRef(t *testing.T) {
	var installed string
	u := NewUpdater()
	u.fetchRef = func(context.Context, string) (string, error) { return "v1.4.0", nil }
	u.runCmd = func(_ context.Context, name string, args ...string) (string, error) {
		if name == "git" {
			return "", nil
		}
		installed = strings.Join(append([]string{name}, args...), " ")
		return "", nil
	}

	ref, err := u.Run(context.Background(), ChannelStable)
	if err != nil {
		t.Fatal(err)
	}
	if ref != "v1.4.0" {
		t.Errorf("ref = %q", ref)
	}
	if !strings.Contains(installed, installPackage+"@v1.4.0") {
		t.Errorf("install command = %q", installed)
	}
}

func TestDevChannelUsesMain(t *testing.T) {
	u := NewUpdater()
	ref, err := u.resolveRef(context.Background(), ChannelDev)
	if err != nil || ref != "main" {
		t.Errorf("resolveRef(dev) = %q, %v", ref, err)
	}
}
