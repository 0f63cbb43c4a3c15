// Package skills implements the skill marketplace: checksum-verified
// install from an allowlisted index, update sweeps, and the loader that
// exposes installed skills to the agent.
package skills

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var (
	slugRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)
	versionRe = regexp.MustCompile(`^v?\d+(\.\d+)*([.-][0-9A-Za-z.-]+)?$`)
)

// allowedHosts are the only HTTPS download origins accepted by default.
var allowedHosts = map[string]bool{
	"raw.githubusercontent.com":     true,
	"github.com":                    true,
	"objects.githubusercontent.com": true,
}

const (
	skillFile       = "SKILL.md"
	manifestFile    = "installed.json"
	downloadCap     = 32 << 20 // 32 MiB
	downloadTimeout = 60 * time.Second
)

// MarketplaceError is a user-presentable marketplace failure.
type MarketplaceError struct {
	Op     string
	Slug   string
	Reason string
}

func (e *MarketplaceError) Error() string {
	if e.Slug != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Slug, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// IndexEntry is one skill in the remote index.
type IndexEntry struct {
	Slug        string `json:"slug"`
	Version     string `json:"version"`
	URL         string `json:"url"`
	SHA256      string `json:"sha256"`
	Description string `json:"description,omitempty"`
}

// Index is the remote index document.
type Index struct {
	Skills []IndexEntry `json:"skills"`
}

// InstalledSkill is one manifest row.
type InstalledSkill struct {
	Slug        string    `json:"slug"`
	Version     string    `json:"version"`
	SHA256      string    `json:"sha256"`
	URL         string    `json:"url"`
	InstalledAt time.Time `json:"installed_at"`
}

// Marketplace installs and updates skill bundles under dir.
type Marketplace struct {
	dir       string // root: <dir>/skills/<slug>/, <dir>/installed.json
	indexURL  string
	allowFile bool // permit file:// downloads (tests, local dev)
	client    *http.Client
	now       func() time.Time
}

// IndexURLFromEnv resolves the marketplace index override:
// CLAWLITE_SKILLS_INDEX wins, CLAWLITE_HUB_MANIFEST is the legacy name.
func IndexURLFromEnv() string {
	if v := os.Getenv("CLAWLITE_SKILLS_INDEX"); v != "" {
		return v
	}
	return os.Getenv("CLAWLITE_HUB_MANIFEST")
}

func NewMarketplace(dir, indexURL string) *Marketplace {
	return &Marketplace{
		dir:      dir,
		indexURL: indexURL,
		client:   &http.Client{Timeout: downloadTimeout},
		now:      time.Now,
	}
}

// AllowFileURLs opts in to file:// sources. Off by default.
func (m *Marketplace) AllowFileURLs() { m.allowFile = true }

func (m *Marketplace) skillsDir() string         { return filepath.Join(m.dir, "skills") }
func (m *Marketplace) skillDir(slug string) string { return filepath.Join(m.skillsDir(), slug) }
func (m *Marketplace) manifestPath() string      { return filepath.Join(m.dir, manifestFile) }

// validateURL enforces the download origin policy: HTTPS against the host
// allowlist, HTTP only for loopback, file:// only when explicitly enabled.
func (m *Marketplace) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "https":
		if !allowedHosts[u.Hostname()] {
			return fmt.Errorf("host %q is not in the allowlist", u.Hostname())
		}
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return fmt.Errorf("plain http is only allowed for localhost")
		}
	case "file":
		if !m.allowFile {
			return fmt.Errorf("file:// sources are disabled")
		}
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}

// FetchIndex downloads and validates the remote index. Entries with missing
// URLs or malformed checksums are dropped with a logged reason.
func (m *Marketplace) FetchIndex(ctx context.Context) (*Index, error) {
	if m.indexURL == "" {
		return nil, &MarketplaceError{Op: "index", Reason: "no index url configured"}
	}
	data, err := m.download(ctx, m.indexURL)
	if err != nil {
		return nil, &MarketplaceError{Op: "index", Reason: err.Error()}
	}

	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, &MarketplaceError{Op: "index", Reason: "malformed index: " + err.Error()}
	}

	valid := idx.Skills[:0]
	for _, e := range idx.Skills {
		switch {
		case !slugRe.MatchString(e.Slug):
			slog.Warn("index entry dropped", "slug", e.Slug, "reason", "invalid slug")
		case e.URL == "":
			slog.Warn("index entry dropped", "slug", e.Slug, "reason", "missing url")
		case len(e.SHA256) != 64 || !isHex(e.SHA256):
			slog.Warn("index entry dropped", "slug", e.Slug, "reason", "invalid checksum")
		default:
			valid = append(valid, e)
		}
	}
	idx.Skills = valid
	return &idx, nil
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

func (m *Marketplace) download(ctx context.Context, raw string) ([]byte, error) {
	if err := m.validateURL(raw); err != nil {
		return nil, err
	}
	if strings.HasPrefix(raw, "file://") {
		return os.ReadFile(strings.TrimPrefix(raw, "file://"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, downloadCap))
}

// InstallResult reports what Install did.
type InstallResult struct {
	Slug    string `json:"slug"`
	Version string `json:"version"`
	Status  string `json:"status"` // installed | up-to-date
}

// Install resolves a slug (optionally pinned to a version) against the
// index, verifies the checksum and extracts the bundle.
func (m *Marketplace) Install(ctx context.Context, slug, version string, force bool) (*InstallResult, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if !slugRe.MatchString(slug) {
		return nil, &MarketplaceError{Op: "install", Slug: slug, Reason: "invalid slug"}
	}
	if version != "" && !versionRe.MatchString(version) {
		return nil, &MarketplaceError{Op: "install", Slug: slug, Reason: "invalid version " + version}
	}

	idx, err := m.FetchIndex(ctx)
	if err != nil {
		return nil, err
	}
	entry, ok := findEntry(idx, slug, version)
	if !ok {
		return nil, &MarketplaceError{Op: "install", Slug: slug, Reason: "not found in index"}
	}

	manifest, err := m.loadManifest()
	if err != nil {
		return nil, err
	}
	if existing, ok := manifest[slug]; ok {
		if existing.Version == entry.Version && existing.SHA256 == entry.SHA256 && !force {
			return &InstallResult{Slug: slug, Version: entry.Version, Status: "up-to-date"}, nil
		}
		if !force {
			return nil, &MarketplaceError{Op: "install", Slug: slug,
				Reason: fmt.Sprintf("already installed (%s); use force to replace", existing.Version)}
		}
	}

	data, err := m.download(ctx, entry.URL)
	if err != nil {
		return nil, &MarketplaceError{Op: "install", Slug: slug, Reason: err.Error()}
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != strings.ToLower(entry.SHA256) {
		return nil, &MarketplaceError{Op: "install", Slug: slug, Reason: "checksum mismatch"}
	}

	if err := m.replaceSkillDir(slug, data); err != nil {
		return nil, err
	}

	manifest[slug] = InstalledSkill{
		Slug:        slug,
		Version:     entry.Version,
		SHA256:      entry.SHA256,
		URL:         entry.URL,
		InstalledAt: m.now(),
	}
	if err := m.saveManifest(manifest); err != nil {
		return nil, err
	}

	slog.Info("skill installed", "slug", slug, "version", entry.Version)
	return &InstallResult{Slug: slug, Version: entry.Version, Status: "installed"}, nil
}

func findEntry(idx *Index, slug, version string) (IndexEntry, bool) {
	for _, e := range idx.Skills {
		if e.Slug != slug {
			continue
		}
		if version == "" || e.Version == version {
			return e, true
		}
	}
	return IndexEntry{}, false
}

// replaceSkillDir extracts the bundle, backing up any existing install and
// restoring it when extraction fails.
func (m *Marketplace) replaceSkillDir(slug string, zipData []byte) error {
	dest := m.skillDir(slug)
	backup := ""

	if _, err := os.Stat(dest); err == nil {
		backup = filepath.Join(m.skillsDir(), fmt.Sprintf(".%s.backup-%d", slug, m.now().Unix()))
		if err := os.Rename(dest, backup); err != nil {
			return &MarketplaceError{Op: "install", Slug: slug, Reason: "backup failed: " + err.Error()}
		}
	}

	if err := safeExtract(zipData, dest); err != nil {
		os.RemoveAll(dest)
		if backup != "" {
			if rerr := os.Rename(backup, dest); rerr != nil {
				slog.Error("backup restore failed", "slug", slug, "error", rerr)
			}
		}
		return &MarketplaceError{Op: "install", Slug: slug, Reason: err.Error()}
	}

	if backup != "" {
		os.RemoveAll(backup)
	}
	return nil
}

// safeExtract unpacks a zip, rejecting absolute paths and traversal, and
// requires SKILL.md at the bundle root.
func safeExtract(zipData []byte, dest string) error {
	r, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return fmt.Errorf("not a zip archive: %w", err)
	}

	hasSkillFile := false
	for _, f := range r.File {
		if f.Name == skillFile {
			hasSkillFile = true
		}
		if filepath.IsAbs(f.Name) || strings.Contains(f.Name, "..") {
			return fmt.Errorf("unsafe path in archive: %q", f.Name)
		}
	}
	if !hasSkillFile {
		return fmt.Errorf("archive has no %s at the root", skillFile)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(io.LimitReader(rc, downloadCap))
		rc.Close()
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Uninstall removes a skill directory and its manifest row.
func (m *Marketplace) Uninstall(slug string) error {
	if !slugRe.MatchString(slug) {
		return &MarketplaceError{Op: "uninstall", Slug: slug, Reason: "invalid slug"}
	}
	manifest, err := m.loadManifest()
	if err != nil {
		return err
	}
	if _, ok := manifest[slug]; !ok {
		return &MarketplaceError{Op: "uninstall", Slug: slug, Reason: "not installed"}
	}
	if err := os.RemoveAll(m.skillDir(slug)); err != nil {
		return &MarketplaceError{Op: "uninstall", Slug: slug, Reason: err.Error()}
	}
	delete(manifest, slug)
	return m.saveManifest(manifest)
}

func (m *Marketplace) loadManifest() (map[string]InstalledSkill, error) {
	data, err := os.ReadFile(m.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]InstalledSkill{}, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest map[string]InstalledSkill
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if manifest == nil {
		manifest = map[string]InstalledSkill{}
	}
	return manifest, nil
}

func (m *Marketplace) saveManifest(manifest map[string]InstalledSkill) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create marketplace dir: %w", err)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(m.dir, ".manifest-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	tmp.Sync()
	tmp.Close()
	return os.Rename(tmp.Name(), m.manifestPath())
}

// Installed returns the manifest rows.
func (m *Marketplace) Installed() ([]InstalledSkill, error) {
	manifest, err := m.loadManifest()
	if err != nil {
		return nil, err
	}
	out := make([]InstalledSkill, 0, len(manifest))
	for _, s := range manifest {
		out = append(out, s)
	}
	return out, nil
}
