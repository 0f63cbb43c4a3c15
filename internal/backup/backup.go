// Package backup snapshots the critical state files under the config home
// into tar.gz archives and restores them.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const archivePrefix = "clawlite_backup_"

// Error is a user-presentable backup/restore failure.
type Error struct {
	Op     string // "create" or "restore"
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backup %s: %s", e.Op, e.Reason)
}

// Archive describes one snapshot on disk.
type Archive struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	Modified  time.Time `json:"modified_at"`
}

// Store manages archives under <home>/backups.
type Store struct {
	home string
	now  func() time.Time
}

// NewStore roots the store at the config home (~/.clawlite).
func NewStore(home string) *Store {
	return &Store{home: home, now: time.Now}
}

func (s *Store) dir() string { return filepath.Join(s.home, "backups") }

// collectSources picks the files worth snapshotting: top-level config and
// state files, every SQLite database, and the workspace and dashboard trees.
func (s *Store) collectSources() []string {
	var sources []string
	for _, name := range []string{"config.json", "mcp.json", "pairing.json", "dashboard_settings.json"} {
		p := filepath.Join(s.home, name)
		if _, err := os.Stat(p); err == nil {
			sources = append(sources, p)
		}
	}
	for _, pattern := range []string{"*.db", "*.sqlite", "*.sqlite3"} {
		matches, _ := filepath.Glob(filepath.Join(s.home, pattern))
		sort.Strings(matches)
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
				sources = append(sources, m)
			}
		}
	}
	for _, name := range []string{"workspace", "dashboard"} {
		p := filepath.Join(s.home, name)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			sources = append(sources, p)
		}
	}
	return sources
}

func safeLabel(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "manual"
	}
	return b.String()
}

// Create writes a new archive and prunes old ones, keeping the newest
// keepLast. Returns the archive and the entry names it contains.
func (s *Store) Create(label string, keepLast int) (Archive, []string, error) {
	sources := s.collectSources()
	if len(sources) == 0 {
		return Archive{}, nil, &Error{Op: "create", Reason: "no critical state found in " + s.home}
	}
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return Archive{}, nil, &Error{Op: "create", Reason: err.Error()}
	}

	name := fmt.Sprintf("%s%s_%s.tar.gz", archivePrefix, s.now().UTC().Format("20060102_150405"), safeLabel(label))
	path := filepath.Join(s.dir(), name)

	f, err := os.Create(path)
	if err != nil {
		return Archive{}, nil, &Error{Op: "create", Reason: err.Error()}
	}
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)

	var entries []string
	for _, src := range sources {
		if err := addPath(tw, src, filepath.Base(src)); err != nil {
			tw.Close()
			gw.Close()
			f.Close()
			os.Remove(path)
			return Archive{}, nil, &Error{Op: "create", Reason: err.Error()}
		}
		entries = append(entries, filepath.Base(src))
	}
	if err := tw.Close(); err == nil {
		err = gw.Close()
	}
	if cerr := f.Close(); cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return Archive{}, nil, &Error{Op: "create", Reason: err.Error()}
	}

	if keepLast > 0 {
		s.prune(keepLast)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Archive{}, nil, &Error{Op: "create", Reason: err.Error()}
	}
	return Archive{Path: path, Name: name, SizeBytes: info.Size(), Modified: info.ModTime()}, entries, nil
}

// addPath writes one file or directory tree into the tar under arcname.
func addPath(tw *tar.Writer, src, arcname string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name := arcname
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(arcname, rel))
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
}

// List returns archives newest first.
func (s *Store) List() ([]Archive, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir(), archivePrefix+"*.tar.gz"))
	if err != nil {
		return nil, err
	}
	var out []Archive
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		out = append(out, Archive{Path: m, Name: filepath.Base(m), SizeBytes: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		// Names embed the creation timestamp, so they break mtime ties.
		if out[i].Modified.Equal(out[j].Modified) {
			return out[i].Name > out[j].Name
		}
		return out[i].Modified.After(out[j].Modified)
	})
	return out, nil
}

func (s *Store) prune(keepLast int) {
	archives, err := s.List()
	if err != nil {
		return
	}
	for _, old := range archives[min(keepLast, len(archives)):] {
		os.Remove(old.Path)
	}
}

// Restore extracts an archive back into the config home, skipping absolute
// paths and traversal entries. Returns the restored entry names.
func (s *Store) Restore(archivePath string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, &Error{Op: "restore", Reason: "archive not found: " + archivePath}
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, &Error{Op: "restore", Reason: "not a gzip archive: " + err.Error()}
	}
	defer gr.Close()

	if err := os.MkdirAll(s.home, 0o755); err != nil {
		return nil, &Error{Op: "restore", Reason: err.Error()}
	}

	var restored []string
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &Error{Op: "restore", Reason: err.Error()}
		}
		name := filepath.Clean(hdr.Name)
		if name == "" || filepath.IsAbs(name) || strings.Contains(name, "..") {
			continue
		}
		target := filepath.Join(s.home, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, &Error{Op: "restore", Reason: err.Error()}
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, &Error{Op: "restore", Reason: err.Error()}
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return nil, &Error{Op: "restore", Reason: err.Error()}
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return nil, &Error{Op: "restore", Reason: err.Error()}
			}
			out.Close()
		default:
			continue
		}
		restored = append(restored, name)
	}
	if len(restored) == 0 {
		return nil, &Error{Op: "restore", Reason: "archive has no restorable entries"}
	}
	return restored, nil
}
