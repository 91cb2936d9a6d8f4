package descriptor

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/beevik/etree"
	"github.com/zaproxy/release-sync/internal/checksum"
)

type Status string

const (
	StatusRelease Status = "release"
	StatusBeta    Status = "beta"
	StatusAlpha   Status = "alpha"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRelease, StatusBeta, StatusAlpha:
		return true
	}
	return false
}

type AddOnDependency struct {
	ID               string
	Version          string
	Semver           string
	NotBeforeVersion string
	NotFromVersion   string
}

type Dependencies struct {
	JavaVersion string
	AddOns      []AddOnDependency
}

func (d Dependencies) empty() bool {
	return d.JavaVersion == "" && len(d.AddOns) == 0
}

// AddOnEntry describes one installable add-on release.
type AddOnEntry struct {
	ID               string
	Name             string
	Description      string
	Author           string
	Version          string
	Semver           string
	File             string
	Status           Status
	Changes          string
	URL              string
	Checksum         checksum.Checksum
	Info             string
	Repo             string
	Date             string
	Size             int64
	NotBeforeVersion string
	NotFromVersion   string
	Dependencies     Dependencies
}

// ParsedVersion returns the semantic version of the entry, falling back to
// the plain version (an integer N reads as N.0.0).
func (e AddOnEntry) ParsedVersion() (*semver.Version, error) {
	v := e.Semver
	if v == "" {
		v = e.Version
	}
	return semver.NewVersion(v)
}

func (e AddOnEntry) validate() error {
	if e.ID == "" {
		return &ValidationError{Reason: "missing add-on id"}
	}
	if strings.ContainsAny(e.ID, " <>/") {
		return &ValidationError{ID: e.ID, Reason: "invalid add-on id"}
	}
	if _, err := e.ParsedVersion(); err != nil {
		return &ValidationError{ID: e.ID, Reason: fmt.Sprintf("invalid version %q", e.Version)}
	}
	if e.Status != "" && !e.Status.Valid() {
		return &ValidationError{ID: e.ID, Reason: fmt.Sprintf("invalid status %q", e.Status)}
	}
	if e.File == "" {
		return &ValidationError{ID: e.ID, Reason: "missing file"}
	}
	return validateArtifact(e.ID, Artifact{URL: e.URL, Checksum: e.Checksum, Size: e.Size})
}

// compareVersions compares by semver when both entries carry one, by
// version otherwise.
func compareVersions(a, b AddOnEntry) (int, error) {
	av, bv := a.Version, b.Version
	if a.Semver != "" && b.Semver != "" {
		av, bv = a.Semver, b.Semver
	}
	pa, err := semver.NewVersion(av)
	if err != nil {
		return 0, &ValidationError{ID: a.ID, Reason: fmt.Sprintf("invalid version %q", av)}
	}
	pb, err := semver.NewVersion(bv)
	if err != nil {
		return 0, &ValidationError{ID: b.ID, Reason: fmt.Sprintf("invalid version %q", bv)}
	}
	return pa.Compare(pb), nil
}

type Change int

const (
	Unchanged Change = iota
	Added
	Updated
)

func (c Change) String() string {
	switch c {
	case Added:
		return "added"
	case Updated:
		return "updated"
	}
	return "unchanged"
}

type UpsertOptions struct {
	// Force accepts a version lower than the one present.
	Force bool
}

func sectionTag(id string) string {
	return addOnSectionPrefix + id
}

func (d *Descriptor) addOnIDs() []string {
	ids := make([]string, 0)
	for _, el := range d.root().SelectElements(addOnListTag) {
		if id := strings.TrimSpace(el.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (d *Descriptor) readAddOn(id string) (AddOnEntry, error) {
	section := d.root().SelectElement(sectionTag(id))
	if section == nil {
		return AddOnEntry{}, &FormatError{Source: d.source, Reason: fmt.Sprintf("add-on %s has no <%s> section", id, sectionTag(id))}
	}
	e := AddOnEntry{
		ID:               id,
		Name:             childText(section, "name"),
		Description:      childText(section, "description"),
		Author:           childText(section, "author"),
		Version:          childText(section, versionTag),
		Semver:           childText(section, "semver"),
		File:             childText(section, fileTag),
		Status:           Status(childText(section, "status")),
		Changes:          childText(section, "changes"),
		URL:              childText(section, urlTag),
		Info:             childText(section, "info"),
		Repo:             childText(section, "repo"),
		Date:             childText(section, "date"),
		NotBeforeVersion: childText(section, "not-before-version"),
		NotFromVersion:   childText(section, "not-from-version"),
	}
	if e.Status == "" {
		e.Status = StatusAlpha
	}
	for _, field := range []struct{ name, value string }{{versionTag, e.Version}, {fileTag, e.File}, {hashTag, childText(section, hashTag)}} {
		if field.value == "" {
			return e, &FormatError{Source: d.source, Reason: fmt.Sprintf("add-on %s is missing <%s>", id, field.name)}
		}
	}
	c, err := checksum.Parse(childText(section, hashTag))
	if err != nil {
		return e, &FormatError{Source: d.source, Reason: "invalid hash of add-on " + id, Err: err}
	}
	e.Checksum = c
	if s := childText(section, sizeTag); s != "" {
		if e.Size, err = strconv.ParseInt(s, 10, 64); err != nil {
			return e, &FormatError{Source: d.source, Reason: "invalid size of add-on " + id, Err: err}
		}
	}
	if deps := section.SelectElement("dependencies"); deps != nil {
		e.Dependencies.JavaVersion = childText(deps, "javaversion")
		if addOns := deps.SelectElement("addons"); addOns != nil {
			for _, dep := range addOns.SelectElements(addOnListTag) {
				e.Dependencies.AddOns = append(e.Dependencies.AddOns, AddOnDependency{
					ID:               childText(dep, "id"),
					Version:          childText(dep, versionTag),
					Semver:           childText(dep, "semver"),
					NotBeforeVersion: childText(dep, "not-before-version"),
					NotFromVersion:   childText(dep, "not-from-version"),
				})
			}
		}
	}
	return e, nil
}

// AddOns returns all entries sorted by id.
func (d *Descriptor) AddOns() []AddOnEntry {
	ids := d.addOnIDs()
	sort.Strings(ids)
	entries := make([]AddOnEntry, 0, len(ids))
	for _, id := range ids {
		e, err := d.readAddOn(id)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func (d *Descriptor) AddOn(id string) (AddOnEntry, bool) {
	if d.addOnListElement(id) == nil {
		return AddOnEntry{}, false
	}
	e, err := d.readAddOn(id)
	if err != nil {
		return AddOnEntry{}, false
	}
	return e, true
}

func (d *Descriptor) addOnListElement(id string) *etree.Element {
	for _, el := range d.root().SelectElements(addOnListTag) {
		if strings.TrimSpace(el.Text()) == id {
			return el
		}
	}
	return nil
}

// UpsertAddOn adds the entry or replaces the present one with a newer version.
// The same version with the same checksum leaves the descriptor untouched, the
// same version with another checksum is a ConflictError. A lower version is a
// ValidationError unless opts.Force is set.
func (d *Descriptor) UpsertAddOn(entry AddOnEntry, opts UpsertOptions) (Change, error) {
	if err := entry.validate(); err != nil {
		return Unchanged, err
	}
	if entry.Status == "" {
		entry.Status = StatusAlpha
	}
	existing, found := d.AddOn(entry.ID)
	if !found {
		d.insertAddOn(entry)
		return Added, nil
	}
	cmp, err := compareVersions(entry, existing)
	if err != nil {
		return Unchanged, err
	}
	switch {
	case cmp == 0:
		if existing.Checksum.Equal(entry.Checksum) {
			return Unchanged, nil
		}
		return Unchanged, &ConflictError{ID: entry.ID, Version: entry.Version, Existing: existing.Checksum, Incoming: entry.Checksum}
	case cmp < 0 && !opts.Force:
		return Unchanged, &ValidationError{
			ID:     entry.ID,
			Reason: fmt.Sprintf("version %s is lower than the present version %s", entry.Version, existing.Version),
		}
	}
	writeAddOn(d.root().SelectElement(sectionTag(entry.ID)), entry)
	return Updated, nil
}

func (d *Descriptor) RemoveAddOn(id string) bool {
	listEl := d.addOnListElement(id)
	if listEl == nil {
		return false
	}
	d.root().RemoveChild(listEl)
	if section := d.root().SelectElement(sectionTag(id)); section != nil {
		d.root().RemoveChild(section)
	}
	return true
}

// insertAddOn keeps the add-on list ordered by id.
func (d *Descriptor) insertAddOn(entry AddOnEntry) {
	root := d.root()
	listEl := etree.NewElement(addOnListTag)
	listEl.SetText(entry.ID)
	section := etree.NewElement(sectionTag(entry.ID))
	writeAddOn(section, entry)

	for _, el := range root.SelectElements(addOnListTag) {
		if strings.TrimSpace(el.Text()) > entry.ID {
			idx := el.Index()
			root.InsertChildAt(idx, listEl)
			root.InsertChildAt(idx+1, section)
			return
		}
	}
	root.AddChild(listEl)
	root.AddChild(section)
}

var addOnFieldTags = []string{
	"name", "description", "author", versionTag, "semver", fileTag, "status", "changes", urlTag,
	hashTag, "info", "repo", "date", sizeTag, "not-before-version", "not-from-version", "dependencies",
}

// writeAddOn rewrites the known fields in a fixed order ahead of any unknown
// children, which are kept.
func writeAddOn(section *etree.Element, e AddOnEntry) {
	for _, tag := range addOnFieldTags {
		if el := section.SelectElement(tag); el != nil {
			section.RemoveChild(el)
		}
	}
	values := []string{
		e.Name, e.Description, e.Author, e.Version, e.Semver, e.File, string(e.Status), e.Changes, e.URL,
		e.Checksum.String(), e.Info, e.Repo, e.Date, strconv.FormatInt(e.Size, 10), e.NotBeforeVersion, e.NotFromVersion,
	}
	pos := 0
	for i, value := range values {
		if value == "" {
			continue
		}
		el := etree.NewElement(addOnFieldTags[i])
		el.SetText(value)
		section.InsertChildAt(pos, el)
		pos++
	}
	if !e.Dependencies.empty() {
		section.InsertChildAt(pos, dependenciesElement(e.Dependencies))
	}
}

func dependenciesElement(deps Dependencies) *etree.Element {
	el := etree.NewElement("dependencies")
	if deps.JavaVersion != "" {
		el.CreateElement("javaversion").SetText(deps.JavaVersion)
	}
	if len(deps.AddOns) == 0 {
		return el
	}
	addOns := el.CreateElement("addons")
	for _, dep := range deps.AddOns {
		depEl := addOns.CreateElement(addOnListTag)
		for _, f := range []struct{ tag, value string }{
			{"id", dep.ID},
			{versionTag, dep.Version},
			{"semver", dep.Semver},
			{"not-before-version", dep.NotBeforeVersion},
			{"not-from-version", dep.NotFromVersion},
		} {
			if f.value != "" {
				depEl.CreateElement(f.tag).SetText(f.value)
			}
		}
	}
	return el
}

// ValidateDependencies checks that every add-on dependency is present in the
// descriptor, or is one of allowedExternal, and that its version satisfies
// the declared range.
func (d *Descriptor) ValidateDependencies(allowedExternal ...string) error {
	external := make(map[string]bool, len(allowedExternal))
	for _, id := range allowedExternal {
		external[id] = true
	}
	var errs []error
	for _, e := range d.AddOns() {
		for _, dep := range e.Dependencies.AddOns {
			if external[dep.ID] {
				continue
			}
			target, ok := d.AddOn(dep.ID)
			if !ok {
				errs = append(errs, &ValidationError{ID: e.ID, Reason: fmt.Sprintf("dependency %s not found", dep.ID)})
				continue
			}
			if err := checkDependencyRange(e.ID, dep, target); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func checkDependencyRange(id string, dep AddOnDependency, target AddOnEntry) error {
	rng := dep.Semver
	if rng == "" {
		rng = dep.Version
	}
	if rng == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(rng)
	if err != nil {
		return &ValidationError{ID: id, Reason: fmt.Sprintf("invalid dependency range %q for %s", rng, dep.ID)}
	}
	v, err := target.ParsedVersion()
	if err != nil {
		return &ValidationError{ID: target.ID, Reason: "invalid version"}
	}
	if !constraint.Check(v) {
		return &ValidationError{ID: id, Reason: fmt.Sprintf("dependency %s %s does not satisfy %s", dep.ID, v, rng)}
	}
	return nil
}
