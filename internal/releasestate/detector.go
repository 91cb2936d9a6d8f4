package releasestate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zaproxy/release-sync/internal/descriptor"
	"github.com/zaproxy/release-sync/internal/scm"
	"github.com/zaproxy/release-sync/pkg/release"
)

var ErrNoSnapshot = errors.New("no release snapshot")

// Store persists the snapshot of the last propagated release state.
type Store interface {
	Load(ctx context.Context) (*release.Snapshot, error)
	Save(ctx context.Context, s release.Snapshot) error
}

// Detector compares the descriptors with the last snapshot.
type Detector struct {
	// MainPath is the descriptor of the latest main release.
	MainPath string
	// NoAddOnsPath is the descriptor without add-ons, it carries the
	// periodic release. MainPath is used when empty.
	NoAddOnsPath string
	// AddOnsPath is optional, add-on changes are tracked when set.
	AddOnsPath string
	Store      Store
	Revisions  scm.Revisions
	Log        *logrus.Logger
}

func toArtifact(a descriptor.Artifact) release.Artifact {
	return release.Artifact{URL: a.URL, File: a.File, Checksum: a.Checksum.String(), Size: a.Size}
}

// current reads the descriptors once, everything the downstream updates
// need is copied into the state.
func (d *Detector) current() (release.State, error) {
	var st release.State
	main, err := descriptor.Load(d.MainPath)
	if err != nil {
		return st, err
	}
	rel := main.Release()
	st.CoreVersion = rel.CoreVersion
	st.Platforms = make(map[string]release.Artifact, len(rel.Platforms))
	for name, a := range rel.Platforms {
		st.Platforms[name] = toArtifact(a)
	}
	st.PeriodicVersion = rel.DailyVersion
	daily := rel.Daily
	if d.NoAddOnsPath != "" {
		noAddOns, err := descriptor.Load(d.NoAddOnsPath)
		if err != nil {
			return st, err
		}
		if v := noAddOns.DailyVersion(); v != "" {
			st.PeriodicVersion = v
			if a, ok := noAddOns.Daily(); ok {
				daily = &a
			}
		}
	}
	if daily != nil {
		a := toArtifact(*daily)
		st.Daily = &a
	}
	if d.AddOnsPath != "" {
		addOns, err := descriptor.Load(d.AddOnsPath)
		if err != nil {
			return st, err
		}
		entries := addOns.AddOns()
		st.AddOnVersions = make(map[string]string, len(entries))
		st.PublishedAddOns = make([]release.AddOn, 0, len(entries))
		for _, e := range entries {
			st.AddOnVersions[e.ID] = e.Version
			st.PublishedAddOns = append(st.PublishedAddOns, release.AddOn{
				ID:          e.ID,
				Name:        e.Name,
				Description: e.Description,
				Author:      e.Author,
				Status:      string(e.Status),
				Version:     e.Version,
				Date:        e.Date,
				Info:        e.Info,
				Repo:        e.Repo,
				Artifact:    release.Artifact{URL: e.URL, File: e.File, Checksum: e.Checksum.String(), Size: e.Size},
			})
		}
	}
	return st, nil
}

// Detect computes the release state of this run. Without a previous
// snapshot the state is reported as changed. Add-on releases are reported
// but do not change the state on their own.
func (d *Detector) Detect(ctx context.Context) (release.State, error) {
	st, err := d.current()
	if err != nil {
		return st, err
	}
	prev, err := d.Store.Load(ctx)
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		return st, fmt.Errorf("failed to load release snapshot: %w", err)
	}
	if prev == nil {
		prev = &release.Snapshot{}
		st.Changed = true
	}

	st.MainRelease = release.NewVersionChange(prev.CoreVersion, st.CoreVersion)
	st.PeriodicRelease = release.NewVersionChange(prev.PeriodicVersion, st.PeriodicVersion)
	if st.AddOnVersions != nil {
		st.AddOns = release.DiffAddOns(prev.AddOns, st.AddOnVersions)
	}
	st.Changed = st.Changed || st.MainRelease.NewVersion || st.PeriodicRelease.NewVersion

	st.Revision = prev.SourceRevision
	if st.Changed && d.Revisions != nil {
		rev, err := d.Revisions.CurrentRevision(ctx)
		if err != nil {
			return st, err
		}
		st.Revision = rev
		if prev.SourceRevision != "" && prev.SourceRevision != rev {
			files, err := d.Revisions.ChangedFiles(ctx, prev.SourceRevision)
			if err != nil {
				d.logger().Warnf("could not list changed files since %s: %v", prev.SourceRevision, err)
			} else {
				st.ChangedFiles = files
			}
		}
	}

	d.logger().WithFields(logrus.Fields{
		"changed":          st.Changed,
		"core_version":     st.CoreVersion,
		"periodic_version": st.PeriodicVersion,
		"revision":         st.Revision,
	}).Info("release state detected")
	return st, nil
}

// Commit records the state once it has been propagated.
func (d *Detector) Commit(ctx context.Context, st release.State) error {
	if err := d.Store.Save(ctx, st.Snapshot()); err != nil {
		return fmt.Errorf("failed to save release snapshot: %w", err)
	}
	return nil
}

func (d *Detector) logger() *logrus.Logger {
	if d.Log == nil {
		return logrus.StandardLogger()
	}
	return d.Log
}
