package updater

import (
	"context"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"github.com/zaproxy/release-sync/internal/checksum"
	"github.com/zaproxy/release-sync/internal/descriptor"
)

// MainRelease describes a core release. File names, the base download URL
// and the release notes URL may contain the version tokens.
type MainRelease struct {
	Version         string
	ReleaseNotes    string
	ReleaseNotesURL string
	BaseDownloadURL string
	// Platforms maps the platform slot name (e.g. "linux") to its file name.
	Platforms map[string]string
	Algorithm checksum.Algorithm
	Targets   []string
}

func (m MainRelease) validate() error {
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return &descriptor.ValidationError{ID: "core", Reason: fmt.Sprintf("invalid version %q", m.Version)}
	}
	if m.BaseDownloadURL == "" {
		return &descriptor.ValidationError{ID: "core", Reason: "missing base download URL"}
	}
	if len(m.Platforms) == 0 {
		return &descriptor.ValidationError{ID: "core", Reason: "no platforms"}
	}
	for platform, fileName := range m.Platforms {
		if fileName == "" {
			return &descriptor.ValidationError{ID: platform, Reason: "missing file name"}
		}
	}
	return nil
}

// UpdateMainRelease fetches every platform artifact once and writes the same
// data into all target descriptors. Any failure aborts the whole update.
func (u *Updater) UpdateMainRelease(ctx context.Context, m MainRelease) (*Result, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.Algorithm == "" {
		m.Algorithm = checksum.Default
	}
	baseURL := ReplaceVersionTokens(m.BaseDownloadURL, m.Version)

	platforms := make([]string, 0, len(m.Platforms))
	for p := range m.Platforms {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	artifacts := make(map[string]descriptor.Artifact, len(platforms))
	for _, platform := range platforms {
		fileName := ReplaceVersionTokens(m.Platforms[platform], m.Version)
		dlURL, err := joinDownloadURL(baseURL, fileName)
		if err != nil {
			return nil, err
		}
		u.log.WithFields(logrus.Fields{"platform": platform, "url": dlURL}).Info("fetching main release artifact")
		file, err := u.source.Fetch(ctx, dlURL, m.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s artifact: %w", platform, err)
		}
		artifacts[platform] = descriptor.Artifact{URL: dlURL, File: fileName, Checksum: file.Checksum, Size: file.Size}
	}

	res, err := loadTargets(m.Targets)
	if err != nil {
		return nil, err
	}
	before, err := res.Files()
	if err != nil {
		return nil, err
	}
	for _, p := range res.paths {
		d := res.Descriptors[p]
		if err := d.SetCoreVersion(m.Version); err != nil {
			return nil, err
		}
		d.SetReleaseNotes(m.ReleaseNotes, ReplaceVersionTokens(m.ReleaseNotesURL, m.Version))
		for _, platform := range platforms {
			if err := d.SetPlatform(platform, artifacts[platform]); err != nil {
				return nil, fmt.Errorf("failed to update %s in %s: %w", platform, p, err)
			}
		}
	}
	if res.Changed, err = res.differsFrom(before); err != nil {
		return nil, err
	}
	if res.Changed {
		res.Summary = append(res.Summary, fmt.Sprintf("Update main release to version %s", m.Version))
	}
	return res, nil
}
