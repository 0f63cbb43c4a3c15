package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const libraryFileCap = 32 * 1024

// Library exposes installed skill instructions to the agent. It reads the
// marketplace skills directory on every call so installs and updates take
// effect without a restart.
type Library struct {
	dir string // marketplace root
}

func NewLibrary(marketplaceDir string) *Library {
	return &Library{dir: marketplaceDir}
}

// List returns installed skill slugs, sorted.
func (l *Library) List() []string {
	entries, err := os.ReadDir(filepath.Join(l.dir, "skills"))
	if err != nil {
		return nil
	}
	var slugs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.dir, "skills", e.Name(), skillFile)); err == nil {
			slugs = append(slugs, e.Name())
		}
	}
	sort.Strings(slugs)
	return slugs
}

// Load returns a skill's SKILL.md content.
func (l *Library) Load(slug string) (string, error) {
	if !slugRe.MatchString(slug) {
		return "", fmt.Errorf("invalid skill slug %q", slug)
	}
	data, err := os.ReadFile(filepath.Join(l.dir, "skills", slug, skillFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("skill %q is not installed", slug)
		}
		return "", err
	}
	content := strings.TrimSpace(string(data))
	if len(content) > libraryFileCap {
		content = content[:libraryFileCap]
	}
	return content, nil
}
