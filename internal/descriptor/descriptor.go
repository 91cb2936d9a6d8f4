package descriptor

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/Masterminds/semver/v3"
	"github.com/beevik/etree"
	"github.com/google/renameio/v2"
	"github.com/zaproxy/release-sync/internal/checksum"
)

const (
	rootTag            = "ZAP"
	coreTag            = "core"
	versionTag         = "version"
	dailyVersionTag    = "daily-version"
	relNotesTag        = "relnotes"
	relNotesURLTag     = "relnotes-url"
	dailyTag           = "daily"
	addOnListTag       = "addon"
	addOnSectionPrefix = "addon_"

	urlTag  = "url"
	fileTag = "file"
	hashTag = "hash"
	sizeTag = "size"
)

var nonPlatformCoreTags = map[string]bool{
	versionTag:      true,
	dailyVersionTag: true,
	relNotesTag:     true,
	relNotesURLTag:  true,
	dailyTag:        true,
}

// Artifact is a downloadable file referenced by a descriptor.
type Artifact struct {
	URL      string
	File     string
	Checksum checksum.Checksum
	Size     int64
}

// ReleaseDescriptor is a read-only view of the core release data.
type ReleaseDescriptor struct {
	CoreVersion     string
	ReleaseNotes    string
	ReleaseNotesURL string
	Platforms       map[string]Artifact
	DailyVersion    string
	Daily           *Artifact
}

// Descriptor is a ZapVersions channel file. Elements it does not know about
// are kept as they are.
type Descriptor struct {
	source string
	doc    *etree.Document
}

func New() *Descriptor {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	doc.CreateElement(rootTag)
	return &Descriptor{source: "<new>", doc: doc}
}

func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	d, err := parse(path, data)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func Parse(data []byte) (*Descriptor, error) {
	return parse("<bytes>", data)
}

func parse(source string, data []byte) (*Descriptor, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, &FormatError{Source: source, Reason: "invalid XML", Err: err}
	}
	root := doc.Root()
	if root == nil || root.Tag != rootTag {
		return nil, &FormatError{Source: source, Reason: fmt.Sprintf("root element must be <%s>", rootTag)}
	}
	d := &Descriptor{source: source, doc: doc}
	if err := d.check(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Descriptor) check() error {
	if v := d.CoreVersion(); v != "" {
		if _, err := semver.StrictNewVersion(v); err != nil {
			return &FormatError{Source: d.source, Reason: "invalid core version " + v, Err: err}
		}
	}
	if core := d.core(false); core != nil {
		for _, el := range core.ChildElements() {
			if el.Tag != dailyTag && nonPlatformCoreTags[el.Tag] {
				continue
			}
			if _, err := readArtifact(el); err != nil {
				return &FormatError{Source: d.source, Reason: "invalid core." + el.Tag, Err: err}
			}
		}
	}
	seen := make(map[string]bool)
	for _, id := range d.addOnIDs() {
		if seen[id] {
			return &FormatError{Source: d.source, Reason: fmt.Sprintf("add-on %s is listed more than once", id)}
		}
		seen[id] = true
		if n := len(d.root().SelectElements(sectionTag(id))); n > 1 {
			return &FormatError{Source: d.source, Reason: fmt.Sprintf("add-on %s has %d <%s> sections", id, n, sectionTag(id))}
		}
		if _, err := d.readAddOn(id); err != nil {
			return err
		}
	}
	return nil
}

func (d *Descriptor) root() *etree.Element {
	return d.doc.Root()
}

func (d *Descriptor) core(create bool) *etree.Element {
	core := d.root().SelectElement(coreTag)
	if core == nil && create {
		core = etree.NewElement(coreTag)
		d.root().InsertChildAt(0, core)
	}
	return core
}

func childText(parent *etree.Element, tag string) string {
	if parent == nil {
		return ""
	}
	el := parent.SelectElement(tag)
	if el == nil {
		return ""
	}
	return el.Text()
}

// setChild sets the text of the child element, creating it when needed. An
// empty value removes the element.
func setChild(parent *etree.Element, tag, value string) {
	el := parent.SelectElement(tag)
	if value == "" {
		if el != nil {
			parent.RemoveChild(el)
		}
		return
	}
	if el == nil {
		el = parent.CreateElement(tag)
	}
	el.SetText(value)
}

func readArtifact(el *etree.Element) (Artifact, error) {
	a := Artifact{
		URL:  childText(el, urlTag),
		File: childText(el, fileTag),
	}
	if h := childText(el, hashTag); h != "" {
		c, err := checksum.Parse(h)
		if err != nil {
			return a, err
		}
		a.Checksum = c
	}
	if s := childText(el, sizeTag); s != "" {
		size, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return a, fmt.Errorf("invalid size %q: %w", s, err)
		}
		a.Size = size
	}
	return a, nil
}

func writeArtifact(el *etree.Element, a Artifact) {
	setChild(el, fileTag, a.File)
	setChild(el, hashTag, a.Checksum.String())
	setChild(el, sizeTag, strconv.FormatInt(a.Size, 10))
	setChild(el, urlTag, a.URL)
}

func validateArtifact(name string, a Artifact) error {
	if a.URL == "" {
		return &ValidationError{ID: name, Reason: "missing URL"}
	}
	if a.Checksum.IsZero() {
		return &ValidationError{ID: name, Reason: "URL without checksum"}
	}
	if a.Size < 0 {
		return &ValidationError{ID: name, Reason: "negative size"}
	}
	return nil
}

func (d *Descriptor) CoreVersion() string {
	return childText(d.core(false), versionTag)
}

func (d *Descriptor) SetCoreVersion(v string) error {
	if _, err := semver.StrictNewVersion(v); err != nil {
		return &ValidationError{ID: coreTag, Reason: fmt.Sprintf("invalid version %q", v)}
	}
	setChild(d.core(true), versionTag, v)
	return nil
}

func (d *Descriptor) ReleaseNotes() string {
	return childText(d.core(false), relNotesTag)
}

func (d *Descriptor) ReleaseNotesURL() string {
	return childText(d.core(false), relNotesURLTag)
}

// SetReleaseNotes replaces the release notes and their URL. An empty value
// leaves the present one untouched.
func (d *Descriptor) SetReleaseNotes(notes, notesURL string) {
	core := d.core(true)
	if notes != "" {
		setChild(core, relNotesTag, notes)
	}
	if notesURL != "" {
		setChild(core, relNotesURLTag, notesURL)
	}
}

// Platforms returns the names of the platform slots, sorted.
func (d *Descriptor) Platforms() []string {
	core := d.core(false)
	if core == nil {
		return nil
	}
	names := make([]string, 0)
	for _, el := range core.ChildElements() {
		if !nonPlatformCoreTags[el.Tag] {
			names = append(names, el.Tag)
		}
	}
	sort.Strings(names)
	return names
}

func (d *Descriptor) Platform(name string) (Artifact, bool) {
	core := d.core(false)
	if core == nil || nonPlatformCoreTags[name] {
		return Artifact{}, false
	}
	el := core.SelectElement(name)
	if el == nil {
		return Artifact{}, false
	}
	a, err := readArtifact(el)
	if err != nil {
		return Artifact{}, false
	}
	return a, true
}

func (d *Descriptor) SetPlatform(name string, a Artifact) error {
	if name == "" || nonPlatformCoreTags[name] {
		return &ValidationError{ID: name, Reason: "invalid platform name"}
	}
	if err := validateArtifact(name, a); err != nil {
		return err
	}
	core := d.core(true)
	el := core.SelectElement(name)
	if el == nil {
		el = core.CreateElement(name)
	}
	writeArtifact(el, a)
	return nil
}

func (d *Descriptor) RemovePlatform(name string) {
	core := d.core(false)
	if core == nil || nonPlatformCoreTags[name] {
		return
	}
	if el := core.SelectElement(name); el != nil {
		core.RemoveChild(el)
	}
}

func (d *Descriptor) DailyVersion() string {
	return childText(d.core(false), dailyVersionTag)
}

func (d *Descriptor) Daily() (Artifact, bool) {
	core := d.core(false)
	if core == nil {
		return Artifact{}, false
	}
	el := core.SelectElement(dailyTag)
	if el == nil {
		return Artifact{}, false
	}
	a, err := readArtifact(el)
	if err != nil {
		return Artifact{}, false
	}
	return a, true
}

// SetDaily updates the periodic release version and its artifact only.
func (d *Descriptor) SetDaily(version string, a Artifact) error {
	if version == "" {
		return &ValidationError{ID: dailyTag, Reason: "missing version"}
	}
	if err := validateArtifact(dailyTag, a); err != nil {
		return err
	}
	core := d.core(true)
	setChild(core, dailyVersionTag, version)
	el := core.SelectElement(dailyTag)
	if el == nil {
		el = core.CreateElement(dailyTag)
	}
	writeArtifact(el, a)
	return nil
}

func (d *Descriptor) Release() ReleaseDescriptor {
	rd := ReleaseDescriptor{
		CoreVersion:     d.CoreVersion(),
		ReleaseNotes:    d.ReleaseNotes(),
		ReleaseNotesURL: d.ReleaseNotesURL(),
		Platforms:       make(map[string]Artifact),
		DailyVersion:    d.DailyVersion(),
	}
	for _, p := range d.Platforms() {
		if a, ok := d.Platform(p); ok {
			rd.Platforms[p] = a
		}
	}
	if a, ok := d.Daily(); ok {
		rd.Daily = &a
	}
	return rd
}

// Bytes serializes the descriptor with four space indentation.
func (d *Descriptor) Bytes() ([]byte, error) {
	d.doc.Indent(4)
	return d.doc.WriteToBytes()
}

// Save writes the descriptor atomically, a reader never sees a partial file.
func (d *Descriptor) Save(path string) error {
	data, err := d.Bytes()
	if err != nil {
		return fmt.Errorf("failed to serialize descriptor: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write descriptor %s: %w", path, err)
	}
	return nil
}
