package release

import (
	"sort"
	"time"
)

// VersionChange tracks one release line between two runs.
type VersionChange struct {
	PreviousVersion string `json:"previous_version"`
	CurrentVersion  string `json:"current_version"`
	NewVersion      bool   `json:"new_version"`
}

func NewVersionChange(previous, current string) VersionChange {
	return VersionChange{
		PreviousVersion: previous,
		CurrentVersion:  current,
		NewVersion:      current != "" && previous != current,
	}
}

type AddOnChange struct {
	ID string `json:"id"`
	VersionChange
}

// Snapshot is the release state recorded after a successful run.
type Snapshot struct {
	CoreVersion     string            `json:"core_version" firestore:"core_version"`
	PeriodicVersion string            `json:"periodic_version" firestore:"periodic_version"`
	SourceRevision  string            `json:"source_revision" firestore:"source_revision"`
	AddOns          map[string]string `json:"add_ons,omitempty" firestore:"add_ons,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at" firestore:"updated_at"`
}

// Artifact is a release file as listed in a descriptor. Checksum has the
// "ALGORITHM:hex" form.
type Artifact struct {
	URL      string `json:"url"`
	File     string `json:"file,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Size     int64  `json:"size"`
}

// AddOn is a published add-on as listed in the add-ons descriptor.
type AddOn struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	Status      string `json:"status"`
	Version     string `json:"version"`
	Date        string `json:"date,omitempty"`
	Info        string `json:"info,omitempty"`
	Repo        string `json:"repo,omitempty"`
	Artifact
}

// State is computed once per run and passed by value to every consumer.
// Consumers read release data from it, never from the descriptor files.
type State struct {
	Changed         bool          `json:"changed"`
	CoreVersion     string        `json:"core_version"`
	PeriodicVersion string        `json:"periodic_version"`
	Revision        string        `json:"revision,omitempty"`
	MainRelease     VersionChange `json:"main_release"`
	PeriodicRelease VersionChange `json:"periodic_release"`
	AddOns          []AddOnChange `json:"add_ons,omitempty"`
	ChangedFiles    []string      `json:"changed_files,omitempty"`
	// AddOnVersions maps every published add-on id to its version.
	AddOnVersions map[string]string `json:"add_on_versions,omitempty"`

	// Platforms holds the main release files by platform name.
	Platforms map[string]Artifact `json:"platforms,omitempty"`
	// Daily is the file of the periodic release.
	Daily *Artifact `json:"daily,omitempty"`
	// PublishedAddOns lists the entries of the add-ons descriptor, nil when
	// add-ons are not tracked.
	PublishedAddOns []AddOn `json:"-"`
}

// PublishedAddOn returns the descriptor entry of a published add-on.
func (s State) PublishedAddOn(id string) (AddOn, bool) {
	for _, a := range s.PublishedAddOns {
		if a.ID == id {
			return a, true
		}
	}
	return AddOn{}, false
}

// NewAddOns lists the add-ons released since the last snapshot.
func (s State) NewAddOns() []AddOnChange {
	ret := make([]AddOnChange, 0)
	for _, a := range s.AddOns {
		if a.NewVersion {
			ret = append(ret, a)
		}
	}
	return ret
}

// Snapshot returns the snapshot to persist once this state has been propagated.
func (s State) Snapshot() Snapshot {
	return Snapshot{
		CoreVersion:     s.CoreVersion,
		PeriodicVersion: s.PeriodicVersion,
		SourceRevision:  s.Revision,
		AddOns:          s.AddOnVersions,
		UpdatedAt:       time.Now().UTC(),
	}
}

// DiffAddOns lists the add-ons whose version differs between two snapshots,
// sorted by id.
func DiffAddOns(previous, current map[string]string) []AddOnChange {
	ids := make([]string, 0, len(current))
	for id := range current {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	changes := make([]AddOnChange, 0)
	for _, id := range ids {
		vc := NewVersionChange(previous[id], current[id])
		if vc.NewVersion {
			changes = append(changes, AddOnChange{ID: id, VersionChange: vc})
		}
	}
	return changes
}

// RunResult is returned by the trigger API after a propagation run.
type RunResult struct {
	State     State        `json:"state"`
	Succeeded []string     `json:"succeeded"`
	Failed    []NodeFailed `json:"failed,omitempty"`
	Blocked   []string     `json:"blocked,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// RunRequest is the body of a trigger API run request.
type RunRequest struct {
	DryRun bool `json:"dry_run,omitempty"`
	Force  bool `json:"force,omitempty"`
}

type NodeFailed struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}
