package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zaproxy/release-sync/internal/artifact"
	"github.com/zaproxy/release-sync/internal/checksum"
	"github.com/zaproxy/release-sync/internal/descriptor"
)

const addOnExtension = ".zap"

// AddOnRelease describes a batch of add-on releases, read from local files,
// a directory of .zap files or remote release data.
type AddOnRelease struct {
	Files    []string
	Dir      string
	Releases []artifact.Release
	// DownloadURL is the base URL of local files, it may contain @@ID@@ and
	// @@VERSION@@.
	DownloadURL string
	// Date of the release as YYYY-MM-DD, today when empty.
	Date      string
	Algorithm checksum.Algorithm
	Force     bool
	// StrictDependencies requires every dependency to resolve in the same
	// descriptor or to be listed in AllowedExternal.
	StrictDependencies bool
	AllowedExternal    []string
	Targets            []string
}

func (a AddOnRelease) localFiles() ([]string, error) {
	files := append([]string(nil), a.Files...)
	if a.Dir == "" {
		return files, nil
	}
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read add-ons directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), addOnExtension) {
			files = append(files, filepath.Join(a.Dir, e.Name()))
		}
	}
	return files, nil
}

func entryFromManifest(file *artifact.File, dlURL, date string) (descriptor.AddOnEntry, error) {
	m, err := artifact.ReadManifest(file.Path)
	if err != nil {
		return descriptor.AddOnEntry{}, err
	}
	e := descriptor.AddOnEntry{
		ID:               artifact.AddOnID(file.Name),
		Name:             m.Name,
		Description:      m.Description,
		Author:           m.Author,
		Version:          m.Version,
		Semver:           m.Semver,
		File:             file.Name,
		Status:           descriptor.Status(m.Status),
		Changes:          m.Changes,
		URL:              dlURL,
		Checksum:         file.Checksum,
		Info:             m.URL,
		Repo:             m.Repo,
		Date:             date,
		Size:             file.Size,
		NotBeforeVersion: m.NotBeforeVersion,
		NotFromVersion:   m.NotFromVersion,
	}
	e.Dependencies.JavaVersion = m.JavaVersion
	for _, dep := range m.Dependencies {
		e.Dependencies.AddOns = append(e.Dependencies.AddOns, descriptor.AddOnDependency(dep))
	}
	return e, nil
}

func (u *Updater) collectAddOns(ctx context.Context, a AddOnRelease, res *Result) ([]descriptor.AddOnEntry, error) {
	files, err := a.localFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 && len(a.Releases) == 0 {
		return nil, errors.New("no add-ons to release")
	}
	if len(files) > 0 && a.DownloadURL == "" {
		return nil, errors.New("the download URL must be provided for add-on files")
	}

	entries := make([]descriptor.AddOnEntry, 0, len(files)+len(a.Releases))
	for _, f := range files {
		file, err := artifact.Open(f, a.Algorithm)
		if err != nil {
			res.fail(filepath.Base(f), err)
			continue
		}
		id := artifact.AddOnID(file.Name)
		m, err := artifact.ReadManifest(file.Path)
		if err != nil {
			res.fail(file.Name, err)
			continue
		}
		base := strings.NewReplacer(TokenAddOnID, id, TokenVersion, m.Version).Replace(a.DownloadURL)
		dlURL, err := joinDownloadURL(base, file.Name)
		if err != nil {
			res.fail(file.Name, err)
			continue
		}
		e, err := entryFromManifest(file, dlURL, a.Date)
		if err != nil {
			res.fail(file.Name, err)
			continue
		}
		entries = append(entries, e)
	}
	for _, r := range a.Releases {
		file, err := u.source.FetchVerified(ctx, r.URL, a.Algorithm, r.Checksum)
		if err != nil {
			res.fail(r.URL, err)
			continue
		}
		e, err := entryFromManifest(file, r.URL, a.Date)
		if err != nil {
			res.fail(r.URL, err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// latestPerID keeps the highest version of each add-on, the others are
// reported as superseded. Two entries with the highest version and different
// checksums are a conflict and neither is kept.
func latestPerID(entries []descriptor.AddOnEntry, res *Result) []descriptor.AddOnEntry {
	latest := make(map[string]descriptor.AddOnEntry)
	conflicts := make(map[string]*descriptor.ConflictError)
	for _, e := range entries {
		v, err := e.ParsedVersion()
		if err != nil {
			res.fail(e.File, &descriptor.ValidationError{ID: e.ID, Reason: fmt.Sprintf("invalid version %q", e.Version)})
			continue
		}
		cur, ok := latest[e.ID]
		if !ok {
			latest[e.ID] = e
			continue
		}
		curV, _ := cur.ParsedVersion()
		switch {
		case v.GreaterThan(curV):
			res.Superseded = append(res.Superseded, fmt.Sprintf("%s %s (superseded by %s)", cur.ID, cur.Version, e.Version))
			latest[e.ID] = e
			delete(conflicts, e.ID)
		case v.LessThan(curV):
			res.Superseded = append(res.Superseded, fmt.Sprintf("%s %s (superseded by %s)", e.ID, e.Version, cur.Version))
		case !cur.Checksum.Equal(e.Checksum) && conflicts[e.ID] == nil:
			conflicts[e.ID] = &descriptor.ConflictError{ID: e.ID, Version: e.Version, Existing: cur.Checksum, Incoming: e.Checksum}
		}
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		if err, ok := conflicts[id]; ok {
			res.fail(id, err)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]descriptor.AddOnEntry, len(ids))
	for i, id := range ids {
		out[i] = latest[id]
	}
	return out
}

// UpdateAddOns applies a batch of add-on releases. A failing item is recorded
// in Result.Failures and the remaining items are still applied.
func (u *Updater) UpdateAddOns(ctx context.Context, a AddOnRelease) (*Result, error) {
	if a.Algorithm == "" {
		a.Algorithm = checksum.Default
	}
	if a.Date == "" {
		a.Date = time.Now().UTC().Format(time.DateOnly)
	}
	res, err := loadTargets(a.Targets)
	if err != nil {
		return nil, err
	}
	entries, err := u.collectAddOns(ctx, a, res)
	if err != nil {
		return nil, err
	}

	for _, e := range latestPerID(entries, res) {
		applied := false
		for _, p := range res.paths {
			change, err := res.Descriptors[p].UpsertAddOn(e, descriptor.UpsertOptions{Force: a.Force})
			if err != nil {
				res.fail(fmt.Sprintf("%s (%s)", e.ID, p), err)
				continue
			}
			if change != descriptor.Unchanged {
				applied = true
			}
			u.log.WithFields(logrus.Fields{"addon": e.ID, "version": e.Version, "file": p}).Infof("add-on %s", change)
		}
		if applied {
			res.Changed = true
			res.Summary = append(res.Summary, fmt.Sprintf("%s version %s", e.Name, e.Version))
		}
	}
	for _, s := range res.Superseded {
		u.log.Warnf("skipping add-on %s", s)
	}

	if a.StrictDependencies {
		for _, p := range res.paths {
			if err := res.Descriptors[p].ValidateDependencies(a.AllowedExternal...); err != nil {
				res.fail(p, err)
			}
		}
	}
	return res, nil
}
