package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zaproxy/release-sync/internal/artifact"
	"github.com/zaproxy/release-sync/internal/checksum"
	"github.com/zaproxy/release-sync/internal/descriptor"
)

const (
	TokenVersion            = "@@VERSION@@"
	TokenVersionUnderscores = "@@VERSION_UNDERSCORES@@"
	TokenAddOnID            = "@@ID@@"
)

// Source provides release artifacts together with their checksum and size.
type Source interface {
	Fetch(ctx context.Context, rawURL string, alg checksum.Algorithm) (*artifact.File, error)
	FetchVerified(ctx context.Context, rawURL string, alg checksum.Algorithm, expected string) (*artifact.File, error)
}

type Updater struct {
	log    *logrus.Logger
	source Source
}

func New(log *logrus.Logger, source Source) *Updater {
	return &Updater{log: log, source: source}
}

// ReplaceVersionTokens expands the version tokens of a file name or URL template.
func ReplaceVersionTokens(s, version string) string {
	return strings.NewReplacer(
		TokenVersionUnderscores, strings.ReplaceAll(version, ".", "_"),
		TokenVersion, version,
	).Replace(s)
}

func requireHTTPS(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid download URL %q: %w", rawURL, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("%w: %s", artifact.ErrInsecureURL, rawURL)
	}
	return nil
}

func joinDownloadURL(base, fileName string) (string, error) {
	if err := requireHTTPS(base); err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return u.JoinPath(fileName).String(), nil
}

// ItemFailure records why one item of a batch was not applied.
type ItemFailure struct {
	Item string
	Err  error
}

type BatchError struct {
	Failures []ItemFailure
}

func (e *BatchError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = fmt.Sprintf("%s: %v", f.Item, f.Err)
	}
	return fmt.Sprintf("%d item(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Result holds the updated descriptors of one update run. Nothing is
// written until Save is called.
type Result struct {
	Descriptors map[string]*descriptor.Descriptor
	Summary     []string
	Superseded  []string
	Failures    []ItemFailure
	Changed     bool

	paths []string
}

func loadTargets(targets []string) (*Result, error) {
	if len(targets) == 0 {
		return nil, errors.New("no descriptor files to update")
	}
	r := &Result{Descriptors: make(map[string]*descriptor.Descriptor)}
	for _, p := range targets {
		if _, ok := r.Descriptors[p]; ok {
			continue
		}
		d, err := descriptor.Load(p)
		if err != nil {
			return nil, err
		}
		r.Descriptors[p] = d
		r.paths = append(r.paths, p)
	}
	return r, nil
}

// Load reads descriptors into an empty result.
func Load(targets ...string) (*Result, error) {
	return loadTargets(targets)
}

func (r *Result) fail(item string, err error) {
	r.Failures = append(r.Failures, ItemFailure{Item: item, Err: err})
}

// Err returns a *BatchError when at least one item failed.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &BatchError{Failures: r.Failures}
}

func (r *Result) Paths() []string {
	return append([]string(nil), r.paths...)
}

func (r *Result) Save() error {
	for _, p := range r.paths {
		if err := r.Descriptors[p].Save(p); err != nil {
			return err
		}
	}
	return nil
}

// Files returns the serialized descriptors keyed by their path.
func (r *Result) Files() (map[string][]byte, error) {
	files := make(map[string][]byte, len(r.paths))
	for _, p := range r.paths {
		data, err := r.Descriptors[p].Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize %s: %w", p, err)
		}
		files[p] = data
	}
	return files, nil
}

// differsFrom reports whether a descriptor no longer serializes to its
// content in before, as returned by Files.
func (r *Result) differsFrom(before map[string][]byte) (bool, error) {
	after, err := r.Files()
	if err != nil {
		return false, err
	}
	for p, data := range after {
		if !bytes.Equal(before[p], data) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Result) SummaryText() string {
	lines := append([]string(nil), r.Summary...)
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
