package artifact

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/beevik/etree"
)

const manifestName = "ZapAddOn.xml"

type ManifestDependency struct {
	ID               string
	Version          string
	Semver           string
	NotBeforeVersion string
	NotFromVersion   string
}

// Manifest is the add-on metadata packaged inside a .zap file.
type Manifest struct {
	Name             string
	Version          string
	Semver           string
	Status           string
	Description      string
	Author           string
	URL              string
	Repo             string
	Changes          string
	NotBeforeVersion string
	NotFromVersion   string
	JavaVersion      string
	Dependencies     []ManifestDependency
}

// AddOnID derives the add-on id from a file name like "ascanrules-release-45.zap".
func AddOnID(fileName string) string {
	base := filepath.Base(fileName)
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	id, _, _ := strings.Cut(base, "-")
	return id
}

func ReadManifest(zapFile string) (*Manifest, error) {
	zr, err := zip.OpenReader(zapFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open add-on %s: %w", zapFile, err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != manifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open manifest of %s: %w", zapFile, err)
		}
		defer rc.Close()
		return parseManifest(rc)
	}
	return nil, fmt.Errorf("add-on %s has no %s", zapFile, manifestName)
}

func text(el *etree.Element, path string) string {
	if child := el.FindElement(path); child != nil {
		return strings.TrimSpace(child.Text())
	}
	return ""
}

func parseManifest(r io.Reader) (*Manifest, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("invalid manifest: no root element")
	}
	m := &Manifest{
		Name:             text(root, "name"),
		Version:          text(root, "version"),
		Semver:           text(root, "semver"),
		Status:           text(root, "status"),
		Description:      text(root, "description"),
		Author:           text(root, "author"),
		URL:              text(root, "url"),
		Repo:             text(root, "repo"),
		Changes:          text(root, "changes"),
		NotBeforeVersion: text(root, "not-before-version"),
		NotFromVersion:   text(root, "not-from-version"),
		JavaVersion:      text(root, "dependencies/javaversion"),
	}
	for _, dep := range root.FindElements("dependencies/addons/addon") {
		m.Dependencies = append(m.Dependencies, ManifestDependency{
			ID:               text(dep, "id"),
			Version:          text(dep, "version"),
			Semver:           text(dep, "semver"),
			NotBeforeVersion: text(dep, "not-before-version"),
			NotFromVersion:   text(dep, "not-from-version"),
		})
	}
	if m.Name == "" || m.Version == "" {
		return nil, fmt.Errorf("invalid manifest: name and version are required")
	}
	return m, nil
}
