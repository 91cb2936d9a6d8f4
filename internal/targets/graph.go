package targets

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zaproxy/release-sync/internal/propagate"
	"github.com/zaproxy/release-sync/internal/updater"
	"github.com/zaproxy/release-sync/internal/workspace"
	"github.com/zaproxy/release-sync/pkg/release"
)

const (
	WebsiteReleaseData      = "website-release-data"
	WebsiteVersionData      = "website-version-data"
	WebsitePullRequest      = "website-pr"
	MainReleaseAnnouncement = "main-release-announcement"
	FlathubPullRequest      = "flathub-pr"
	MgmtScriptsPullRequest  = "mgmt-scripts-pr"
	AddOnDownloads          = "add-on-downloads"
)

// DefaultGraph returns the downstream updates of one run. The website nodes
// share one workspace and run in sequence, the other repositories each get
// their own. The add-on downloads are checked independently of the rest.
func DefaultGraph(e *Env) (*propagate.Graph, error) {
	website := e.websiteWorkspace()
	return propagate.New(
		propagate.Node{
			Name: WebsiteReleaseData,
			Run: func(ctx context.Context, state release.State) error {
				return e.UpdateWebsiteReleaseData(ctx, website, state)
			},
		},
		propagate.Node{
			Name:  WebsiteVersionData,
			After: []string{WebsiteReleaseData},
			Run: func(ctx context.Context, state release.State) error {
				return e.UpdateWebsiteVersionData(ctx, website, state)
			},
		},
		propagate.Node{
			Name:  WebsitePullRequest,
			After: []string{WebsiteVersionData},
			Run: func(ctx context.Context, state release.State) error {
				return e.PublishWebsite(ctx, website, state)
			},
		},
		propagate.Node{
			Name: MainReleaseAnnouncement,
			Run:  e.AnnounceMainRelease,
		},
		propagate.Node{
			Name:  FlathubPullRequest,
			After: []string{MainReleaseAnnouncement},
			Run:   e.UpdateFlathub,
		},
		propagate.Node{
			Name:  MgmtScriptsPullRequest,
			After: []string{MainReleaseAnnouncement},
			Run:   e.UpdateMgmtScripts,
		},
		propagate.Node{
			Name: AddOnDownloads,
			Run:  e.VerifyAddOnDownloads,
		},
	)
}

// PublishAddOnRelease opens the pull request releasing the add-ons of res in
// the admin repository. The descriptor paths of res are relative to root.
func (e *Env) PublishAddOnRelease(ctx context.Context, root string, res *updater.Result) error {
	if !res.Changed {
		e.Log.Info("no add-on changes to publish")
		return nil
	}
	files, err := res.Files()
	if err != nil {
		return err
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return err
	}
	ws := e.workspace(e.Settings.Admin)
	for p, data := range files {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("descriptor %s is outside of %s", p, root)
		}
		if err := ws.WriteFile(ctx, filepath.ToSlash(rel), data); err != nil {
			return err
		}
	}
	return e.publishWorkspace(ctx, e.Settings.Admin, ws, "Release add-on(s)", addOnReleaseDescription(res))
}

func addOnReleaseDescription(res *updater.Result) string {
	lines := append([]string(nil), res.Summary...)
	sort.Strings(lines)
	var sb strings.Builder
	sb.WriteString("Release the following add-ons:")
	for _, l := range lines {
		sb.WriteString("\n - ")
		sb.WriteString(l)
	}
	return sb.String()
}

// LocalSource reads repositories from checkouts under dir, named after the
// repository.
func LocalSource(dir string) func(Repository) workspace.Source {
	return func(r Repository) workspace.Source {
		_, name := r.split()
		return workspace.Dir(filepath.Join(dir, name))
	}
}
