package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/clawlite/internal/notify"
)

// UpdateReport summarizes an update sweep.
type UpdateReport struct {
	Updated []string `json:"updated"`
	Skipped []string `json:"skipped"`
	Blocked []string `json:"blocked"`
	Missing []string `json:"missing"`
}

// Update compares installed skills against the remote index and reinstalls
// the ones whose version or checksum changed. With dryRun the sweep only
// reports. With strict, any blocked or missing skill fails the sweep.
func (m *Marketplace) Update(ctx context.Context, slugs []string, dryRun, strict bool) (*UpdateReport, error) {
	manifest, err := m.loadManifest()
	if err != nil {
		return nil, err
	}

	targets := slugs
	if len(targets) == 0 {
		for slug := range manifest {
			targets = append(targets, slug)
		}
	}
	sort.Strings(targets)

	report := &UpdateReport{}
	if len(targets) == 0 {
		return report, nil
	}

	idx, err := m.FetchIndex(ctx)
	if err != nil {
		return nil, err
	}

	for _, slug := range targets {
		installed, ok := manifest[slug]
		if !ok {
			report.Missing = append(report.Missing, slug)
			continue
		}
		entry, ok := findEntry(idx, slug, "")
		if !ok {
			report.Missing = append(report.Missing, slug)
			continue
		}
		if entry.Version == installed.Version && strings.EqualFold(entry.SHA256, installed.SHA256) {
			report.Skipped = append(report.Skipped, slug)
			continue
		}
		if dryRun {
			report.Updated = append(report.Updated, slug)
			continue
		}
		if _, err := m.Install(ctx, slug, "", true); err != nil {
			slog.Warn("skill update blocked", "slug", slug, "error", err)
			report.Blocked = append(report.Blocked, slug)
			continue
		}
		report.Updated = append(report.Updated, slug)
	}

	if strict && (len(report.Blocked) > 0 || len(report.Missing) > 0) {
		return report, &MarketplaceError{Op: "update",
			Reason: fmt.Sprintf("%d blocked, %d missing", len(report.Blocked), len(report.Missing))}
	}
	return report, nil
}

// AutoUpdate is the cron system-job handler: a full non-strict sweep with
// an owner notification when anything changed or failed.
func (m *Marketplace) AutoUpdate(ctx context.Context, notifier *notify.Store) error {
	report, err := m.Update(ctx, nil, false, false)
	if err != nil {
		if notifier != nil {
			notifier.Create("Skill auto-update failed", err.Error(), notify.PriorityHigh, "skills")
		}
		return err
	}
	if len(report.Updated) == 0 && len(report.Blocked) == 0 {
		return nil
	}
	if notifier != nil {
		body := fmt.Sprintf("updated: %s", strings.Join(report.Updated, ", "))
		if len(report.Blocked) > 0 {
			body += fmt.Sprintf("; blocked: %s", strings.Join(report.Blocked, ", "))
		}
		notifier.Create("Skills updated", body, notify.PriorityNormal, "skills")
	}
	return nil
}
