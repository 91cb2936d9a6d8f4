package targets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/sirupsen/logrus"
	"github.com/zaproxy/release-sync/internal/artifact"
	"github.com/zaproxy/release-sync/internal/checksum"
	"github.com/zaproxy/release-sync/internal/publish"
	"github.com/zaproxy/release-sync/internal/workspace"
	"github.com/zaproxy/release-sync/pkg/release"
)

// Repository is a downstream repository updated through pull requests.
type Repository struct {
	Repo   string
	Base   string
	Branch string
}

func (r Repository) split() (string, string) {
	owner, name, _ := strings.Cut(r.Repo, "/")
	return owner, name
}

// Announcement is the repository receiving the main release dispatch events.
type Announcement struct {
	Repo             string
	EventType        string
	NightlyEventType string
}

type WebsiteData struct {
	MainReleaseFile   string
	WeeklyReleaseFile string
	AddOnsFile        string
	// VersionFiles mention the current main version, they are updated on a
	// new main release.
	VersionFiles     []string
	URL              string
	GeneratedComment string
}

type Settings struct {
	// SourceRepo is the repository holding the descriptors, as owner/name.
	SourceRepo string
	// MainRepo holds the main release assets.
	MainRepo     string
	Website      Repository
	Flathub      Repository
	MgmtScripts  Repository
	Admin        Repository
	Announcement Announcement
	WebsiteData  WebsiteData
	Identity     publish.Identity
	// ForkOwner receives the pushed branches, the upstream repositories when
	// empty.
	ForkOwner string
}

// ArtifactSource downloads release files. Close removes the downloaded
// files, the source stays usable.
type ArtifactSource interface {
	FetchVerified(ctx context.Context, rawURL string, alg checksum.Algorithm, expected string) (*artifact.File, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, spec publish.PullRequestSpec) (*publish.Result, error)
}

// Env is shared by the targets of one run.
type Env struct {
	Settings  Settings
	Log       *logrus.Logger
	GitHub    *github.Client
	Publisher Publisher
	// Artifacts verifies the downloads of released add-ons.
	Artifacts ArtifactSource
	// Source returns the current content of a repository, its base branch
	// through the contents API when nil.
	Source func(Repository) workspace.Source
	Now    func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) workspace(r Repository) *workspace.Workspace {
	if e.Source != nil {
		return workspace.New(r.Repo, e.Source(r))
	}
	owner, name := r.split()
	return workspace.New(r.Repo, workspace.NewGitHub(e.GitHub, owner, name, r.Base))
}

func (e *Env) publishWorkspace(ctx context.Context, r Repository, ws *workspace.Workspace, summary, description string) error {
	log := e.Log.WithField("repo", r.Repo)
	if !ws.HasChanges() {
		log.Info("nothing to publish")
		return nil
	}
	spec := publish.PullRequestSpec{
		Repo:        r.Repo,
		Base:        r.Base,
		Branch:      r.Branch,
		Files:       ws.Changes(),
		Summary:     summary,
		Description: description,
		Author:      e.Settings.Identity,
	}
	if e.Settings.ForkOwner != "" {
		_, name := r.split()
		spec.Fork = e.Settings.ForkOwner + "/" + name
	}
	res, err := e.Publisher.Publish(ctx, spec)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"outcome": res.Outcome, "pr": res.PullRequestURL}).Info("published")
	return nil
}

func (e *Env) sourceDescription(state release.State) string {
	return fmt.Sprintf("From:\n%s@%s", e.Settings.SourceRepo, state.Revision)
}

func isNewMainRelease(state release.State) bool {
	return state.MainRelease.NewVersion && state.MainRelease.CurrentVersion != ""
}
