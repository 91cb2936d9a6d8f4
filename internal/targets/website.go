package targets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/go-github/v59/github"
	"github.com/zaproxy/release-sync/internal/workspace"
	"github.com/zaproxy/release-sync/pkg/release"
	"gopkg.in/yaml.v3"
)

const megabyte = 1024 * 1024

type releaseFile struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
	Size string `yaml:"size"`
	Link string `yaml:"link"`
}

type assetKind struct {
	name     string
	id       string
	suffix   string
	optional bool
}

func mainReleaseAssets(version string) []assetKind {
	return []assetKind{
		{name: "Windows (64) Installer", id: "win-64-i", suffix: "windows.exe"},
		{name: "Windows (32) Installer", id: "win-32-i", suffix: "windows-x32.exe"},
		{name: "Linux Installer", id: "nix-i", suffix: "unix.sh"},
		{name: "Linux Package", id: "nix-p", suffix: "Linux.tar.gz"},
		{name: "macOS (Intel - amd64) Installer", id: "osx-i", suffix: version + ".dmg"},
		{name: "macOS (Apple Silicon - aarch64) Installer", id: "osx-aarch64-i", suffix: "_aarch64.dmg", optional: true},
		{name: "Cross Platform Package", id: "cp-p", suffix: "Crossplatform.zip"},
		{name: "Core Cross Platform Package", id: "cp-c", suffix: "Core.zip"},
	}
}

func toMegaBytes(size int64) string {
	return fmt.Sprintf("%d MB", int64(math.Round(float64(size)/megabyte)))
}

func findAsset(assets []*github.ReleaseAsset, suffix string) *github.ReleaseAsset {
	for _, a := range assets {
		if strings.HasSuffix(a.GetName(), suffix) {
			return a
		}
	}
	return nil
}

func encodeYAML(comment string, v any) ([]byte, error) {
	var buf bytes.Buffer
	if comment != "" {
		buf.WriteString(comment)
		buf.WriteString("\n---\n")
	}
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Env) mainReleaseFiles(ctx context.Context, version string) ([]releaseFile, error) {
	owner, name, _ := strings.Cut(e.Settings.MainRepo, "/")
	rel, _, err := e.GitHub.Repositories.GetReleaseByTag(ctx, owner, name, "v"+version)
	if err != nil {
		return nil, fmt.Errorf("failed to get release v%s: %w", version, err)
	}
	files := make([]releaseFile, 0)
	for _, kind := range mainReleaseAssets(version) {
		asset := findAsset(rel.Assets, kind.suffix)
		if asset == nil {
			if kind.optional {
				continue
			}
			return nil, fmt.Errorf("no asset with suffix %s in release v%s", kind.suffix, version)
		}
		files = append(files, releaseFile{
			Name: kind.name,
			ID:   kind.id,
			Size: toMegaBytes(int64(asset.GetSize())),
			Link: asset.GetBrowserDownloadURL(),
		})
	}
	return files, nil
}

func weeklyReleaseFiles(daily *release.Artifact) ([]releaseFile, error) {
	if daily == nil {
		return nil, errors.New("no weekly release in the release state")
	}
	return []releaseFile{{
		Name: "Weekly Cross Platform Package",
		ID:   "cp-p",
		Size: toMegaBytes(daily.Size),
		Link: daily.URL,
	}}, nil
}

type addOnData struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`
	Status      string `yaml:"status"`
	InfoURL     string `yaml:"infoUrl"`
	RepoURL     string `yaml:"repoUrl"`
	DownloadURL string `yaml:"downloadUrl"`
	Date        string `yaml:"date"`
	Version     any    `yaml:"version"`
}

// websiteRelativeURL makes links into the website relative, keeping the
// leading slash.
func websiteRelativeURL(u, websiteURL string) string {
	if websiteURL != "" && strings.HasPrefix(u, websiteURL) {
		return u[len(websiteURL)-1:]
	}
	return u
}

func addOnsData(addOns []release.AddOn, websiteURL string) []addOnData {
	res := make([]addOnData, 0, len(addOns))
	for _, a := range addOns {
		var version any = a.Version
		if !strings.Contains(a.Version, ".") {
			if n, err := strconv.Atoi(a.Version); err == nil {
				version = n
			}
		}
		res = append(res, addOnData{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			Author:      a.Author,
			Status:      a.Status,
			InfoURL:     websiteRelativeURL(a.Info, websiteURL),
			RepoURL:     websiteRelativeURL(a.Repo, websiteURL),
			DownloadURL: a.URL,
			Date:        a.Date,
			Version:     version,
		})
	}
	return res
}

// UpdateWebsiteReleaseData writes the main, weekly and add-ons download data
// of state into the website workspace.
func (e *Env) UpdateWebsiteReleaseData(ctx context.Context, ws *workspace.Workspace, state release.State) error {
	data := e.Settings.WebsiteData

	if data.MainReleaseFile != "" {
		version := state.MainRelease.CurrentVersion
		if version == "" {
			return errors.New("no main release in the release state")
		}
		files, err := e.mainReleaseFiles(ctx, version)
		if err != nil {
			return err
		}
		if err := e.writeYAML(ctx, ws, data.MainReleaseFile, files); err != nil {
			return err
		}
	}

	if data.WeeklyReleaseFile != "" {
		files, err := weeklyReleaseFiles(state.Daily)
		if err != nil {
			return err
		}
		if err := e.writeYAML(ctx, ws, data.WeeklyReleaseFile, files); err != nil {
			return err
		}
	}

	// nil when the add-ons descriptor is not tracked.
	if data.AddOnsFile != "" && state.PublishedAddOns != nil {
		out, err := encodeYAML("", addOnsData(state.PublishedAddOns, data.URL))
		if err != nil {
			return err
		}
		if err := ws.WriteFile(ctx, data.AddOnsFile, out); err != nil {
			return err
		}
	}
	return nil
}

func (e *Env) writeYAML(ctx context.Context, ws *workspace.Workspace, name string, files []releaseFile) error {
	out, err := encodeYAML(e.Settings.WebsiteData.GeneratedComment, files)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return ws.WriteFile(ctx, name, out)
}

func withoutPatch(version string) string {
	if i := strings.LastIndex(version, "."); i != -1 {
		return version[:i]
	}
	return version
}

// UpdateWebsiteVersionData replaces the previous main version with the new
// one in the website data files.
func (e *Env) UpdateWebsiteVersionData(ctx context.Context, ws *workspace.Workspace, state release.State) error {
	if !isNewMainRelease(state) || state.MainRelease.PreviousVersion == "" {
		return nil
	}
	prev, cur := state.MainRelease.PreviousVersion, state.MainRelease.CurrentVersion
	replacer := strings.NewReplacer(prev, cur, withoutPatch(prev), withoutPatch(cur))
	for _, name := range e.Settings.WebsiteData.VersionFiles {
		content, err := ws.ReadFile(ctx, name)
		if err != nil {
			return err
		}
		if err := ws.WriteFile(ctx, name, []byte(replacer.Replace(string(content)))); err != nil {
			return err
		}
	}
	return nil
}

func (e *Env) PublishWebsite(ctx context.Context, ws *workspace.Workspace, state release.State) error {
	return e.publishWorkspace(ctx, e.Settings.Website, ws, "Update data", e.sourceDescription(state))
}
