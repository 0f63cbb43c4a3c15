package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Update channels.
const (
	ChannelStable = "stable"
	ChannelBeta   = "beta"
	ChannelDev    = "dev"
)

const (
	repoSlug       = "nextlevelbuilder/clawlite"
	installPackage = "github.com/nextlevelbuilder/clawlite/cmd/clawlite"
	releaseTimeout = 30 * time.Second
)

// ResolveChannel picks the channel from the environment override first,
// then config, defaulting to stable.
func ResolveChannel(configured string) string {
	if env := os.Getenv("CLAWLITE_UPDATE_CHANNEL"); env != "" {
		configured = env
	}
	switch strings.ToLower(strings.TrimSpace(configured)) {
	case ChannelBeta:
		return ChannelBeta
	case ChannelDev:
		return ChannelDev
	default:
		return ChannelStable
	}
}

type release struct {
	TagName    string `json:"tag_name"`
	Prerelease bool   `json:"prerelease"`
}

// Updater performs self-update by resolving a git ref per channel and
// reinstalling the binary at that ref.
type Updater struct {
	client *http.Client

	// test hooks
	runCmd   func(ctx context.Context, name string, args ...string) (string, error)
	fetchRef func(ctx context.Context, channel string) (string, error)
}

func NewUpdater() *Updater {
	u := &Updater{client: &http.Client{Timeout: releaseTimeout}}
	u.runCmd = runCommand
	u.fetchRef = u.resolveRef
	return u
}

// resolveRef maps a channel to a concrete git ref: latest stable tag,
// latest prerelease tag, or the main branch for dev. When no release is
// found the main branch is the fallback.
func (u *Updater) resolveRef(ctx context.Context, channel string) (string, error) {
	if channel == ChannelDev {
		return "main", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://api.github.com/repos/%s/releases?per_page=20", repoSlug), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch releases: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("releases API returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var releases []release
	if err := json.Unmarshal(body, &releases); err != nil {
		return "", fmt.Errorf("parse releases: %w", err)
	}

	wantPre := channel == ChannelBeta
	for _, r := range releases {
		if r.Prerelease == wantPre && r.TagName != "" {
			return r.TagName, nil
		}
	}
	// Beta with no prerelease published falls through to stable, and
	// stable with no release at all falls back to main.
	if wantPre {
		for _, r := range releases {
			if !r.Prerelease && r.TagName != "" {
				return r.TagName, nil
			}
		}
	}
	slog.Warn("no release found, falling back to main", "channel", channel)
	return "main", nil
}

// Run updates the binary to the resolved ref. When executed from a git
// checkout a dirty working tree aborts the update.
func (u *Updater) Run(ctx context.Context, channel string) (string, error) {
	channel = ResolveChannel(channel)

	if dirty, err := u.workingTreeDirty(ctx); err == nil && dirty {
		return "", fmt.Errorf("working tree has local changes; commit or stash them first")
	}

	ref, err := u.fetchRef(ctx, channel)
	if err != nil {
		return "", fmt.Errorf("resolve %s ref: %w", channel, err)
	}

	slog.Info("self-update", "channel", channel, "ref", ref)
	out, err := u.runCmd(ctx, "go", "install", installPackage+"@"+ref)
	if err != nil {
		return "", fmt.Errorf("install %s: %w\n%s", ref, err, out)
	}
	return ref, nil
}

// workingTreeDirty reports local modifications when running inside a git
// checkout. Outside a checkout it reports clean.
func (u *Updater) workingTreeDirty(ctx context.Context) (bool, error) {
	out, err := u.runCmd(ctx, "git", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
