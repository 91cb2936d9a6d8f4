package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/zaproxy/release-sync/internal/checksum"
	"github.com/zaproxy/release-sync/internal/workspace"
	"github.com/zaproxy/release-sync/pkg/release"
)

const (
	flathubAppData  = "org.zaproxy.ZAP.appdata.xml"
	flathubManifest = "org.zaproxy.ZAP.json"
	mgmtStatsFile   = "stats/github.py"
	mgmtTagsStart   = "tags = [\n"
	mgmtTagsEnd     = "]"
	mgmtKeptTags    = 3
	mainReleaseName = "Update main release"
)

var (
	appDataReleaseRe = regexp.MustCompile(`<release version="[^"]+" date="[^"]+" />`)
	manifestURLRe    = regexp.MustCompile(`url": "[^"]+"`)
	manifestSHA256Re = regexp.MustCompile(`sha256": "[^"]+"`)
)

// AnnounceMainRelease sends the repository dispatch events of a new main
// release.
func (e *Env) AnnounceMainRelease(ctx context.Context, state release.State) error {
	if !isNewMainRelease(state) {
		return nil
	}
	a := e.Settings.Announcement
	owner, name, _ := strings.Cut(a.Repo, "/")
	payload, err := json.Marshal(map[string]string{"version": state.MainRelease.CurrentVersion})
	if err != nil {
		return err
	}
	raw := json.RawMessage(payload)
	if _, _, err := e.GitHub.Repositories.Dispatch(ctx, owner, name, github.DispatchRequestOptions{
		EventType:     a.EventType,
		ClientPayload: &raw,
	}); err != nil {
		return fmt.Errorf("failed to send %s event: %w", a.EventType, err)
	}
	if a.NightlyEventType == "" {
		return nil
	}
	empty := json.RawMessage(`{}`)
	if _, _, err := e.GitHub.Repositories.Dispatch(ctx, owner, name, github.DispatchRequestOptions{
		EventType:     a.NightlyEventType,
		ClientPayload: &empty,
	}); err != nil {
		return fmt.Errorf("failed to send %s event: %w", a.NightlyEventType, err)
	}
	return nil
}

func replaceFirst(re *regexp.Regexp, content, repl, what string) (string, error) {
	loc := re.FindStringIndex(content)
	if loc == nil {
		return "", fmt.Errorf("%s not found", what)
	}
	return content[:loc[0]] + repl + content[loc[1]:], nil
}

// UpdateFlathub points the Flathub manifest to the new Linux package and adds
// the release to the app data.
func (e *Env) UpdateFlathub(ctx context.Context, state release.State) error {
	if !isNewMainRelease(state) {
		return nil
	}
	version := state.MainRelease.CurrentVersion
	linux, ok := state.Platforms["linux"]
	if !ok {
		return fmt.Errorf("no linux package for version %s", version)
	}
	sum, err := checksum.Parse(linux.Checksum)
	if err != nil {
		return fmt.Errorf("invalid linux package checksum for version %s: %w", version, err)
	}

	ws := e.workspace(e.Settings.Flathub)
	appData, err := ws.ReadFile(ctx, flathubAppData)
	if err != nil {
		return err
	}
	updated, err := replaceFirst(appDataReleaseRe, string(appData),
		fmt.Sprintf(`<release version="%s" date="%s" />`, version, e.now().Format(time.DateOnly)),
		"release entry in "+flathubAppData)
	if err != nil {
		return err
	}
	if err := ws.WriteFile(ctx, flathubAppData, []byte(updated)); err != nil {
		return err
	}

	manifest, err := ws.ReadFile(ctx, flathubManifest)
	if err != nil {
		return err
	}
	updated, err = replaceFirst(manifestURLRe, string(manifest), fmt.Sprintf(`url": "%s"`, linux.URL), "url property in "+flathubManifest)
	if err != nil {
		return err
	}
	updated, err = replaceFirst(manifestSHA256Re, updated, fmt.Sprintf(`sha256": "%s"`, sum.Digest), "sha256 property in "+flathubManifest)
	if err != nil {
		return err
	}
	if err := ws.WriteFile(ctx, flathubManifest, []byte(updated)); err != nil {
		return err
	}
	return e.publishWorkspace(ctx, e.Settings.Flathub, ws, mainReleaseName, mainReleaseDescription(state))
}

func mainReleaseDescription(state release.State) string {
	return "Update to version " + state.MainRelease.CurrentVersion + "."
}

func prependTag(content, version string) (string, error) {
	start := strings.Index(content, mgmtTagsStart)
	if start == -1 {
		return "", fmt.Errorf("tags list start not found in %s", mgmtStatsFile)
	}
	listStart := start + len(mgmtTagsStart)
	end := strings.Index(content[listStart:], mgmtTagsEnd)
	if end == -1 {
		return "", fmt.Errorf("tags list end not found in %s", mgmtStatsFile)
	}
	end += listStart

	tags := []string{`"v` + version + `"`}
	for _, t := range strings.Split(content[listStart:end], ",") {
		t = strings.TrimSpace(t)
		if t == "" || t == tags[0] {
			continue
		}
		tags = append(tags, t)
	}
	if len(tags) > mgmtKeptTags {
		tags = tags[:mgmtKeptTags]
	}

	var sb strings.Builder
	sb.WriteString(content[:listStart])
	for _, t := range tags {
		sb.WriteString("    ")
		sb.WriteString(t)
		sb.WriteString(",\n")
	}
	sb.WriteString(content[end:])
	return sb.String(), nil
}

// UpdateMgmtScripts tracks the new main release in the download statistics.
func (e *Env) UpdateMgmtScripts(ctx context.Context, state release.State) error {
	if !isNewMainRelease(state) {
		return nil
	}
	ws := e.workspace(e.Settings.MgmtScripts)
	content, err := ws.ReadFile(ctx, mgmtStatsFile)
	if err != nil {
		return err
	}
	updated, err := prependTag(string(content), state.MainRelease.CurrentVersion)
	if err != nil {
		return err
	}
	if err := ws.WriteFile(ctx, mgmtStatsFile, []byte(updated)); err != nil {
		return err
	}
	return e.publishWorkspace(ctx, e.Settings.MgmtScripts, ws, mainReleaseName, mainReleaseDescription(state))
}

func (e *Env) websiteWorkspace() *workspace.Workspace {
	return e.workspace(e.Settings.Website)
}
