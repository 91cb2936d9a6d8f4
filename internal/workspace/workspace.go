package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/go-github/v59/github"
)

var ErrNotExist = errors.New("file does not exist")

// Source reads the current content of a repository.
type Source interface {
	ReadFile(ctx context.Context, name string) ([]byte, error)
}

// Workspace stages file changes of one repository on top of its current
// content. Only files whose staged content differs from the source are
// reported as changes.
type Workspace struct {
	Repo string
	src  Source

	mu       sync.Mutex
	original map[string][]byte
	staged   map[string][]byte
}

func New(repo string, src Source) *Workspace {
	return &Workspace{
		Repo:     repo,
		src:      src,
		original: make(map[string][]byte),
		staged:   make(map[string][]byte),
	}
}

func clean(name string) string {
	return path.Clean("/" + filepath.ToSlash(name))[1:]
}

func (w *Workspace) load(ctx context.Context, name string) ([]byte, error) {
	if data, ok := w.original[name]; ok {
		return data, nil
	}
	data, err := w.src.ReadFile(ctx, name)
	if errors.Is(err, ErrNotExist) {
		w.original[name] = nil
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", name, w.Repo, err)
	}
	w.original[name] = data
	return data, nil
}

// ReadFile returns the staged content of name, or its current content when
// nothing was staged.
func (w *Workspace) ReadFile(ctx context.Context, name string) ([]byte, error) {
	name = clean(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if data, ok := w.staged[name]; ok {
		return bytes.Clone(data), nil
	}
	data, err := w.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotExist)
	}
	return bytes.Clone(data), nil
}

// WriteFile stages data as the new content of name.
func (w *Workspace) WriteFile(ctx context.Context, name string, data []byte) error {
	name = clean(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	current, err := w.load(ctx, name)
	if err != nil && !errors.Is(err, ErrNotExist) {
		return err
	}
	if current != nil && bytes.Equal(current, data) {
		delete(w.staged, name)
		return nil
	}
	w.staged[name] = bytes.Clone(data)
	return nil
}

// Changes returns the staged files that differ from the source.
func (w *Workspace) Changes() map[string][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	res := make(map[string][]byte, len(w.staged))
	for name, data := range w.staged {
		res[name] = bytes.Clone(data)
	}
	return res
}

func (w *Workspace) ChangedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.staged))
	for name := range w.staged {
		paths = append(paths, name)
	}
	sort.Strings(paths)
	return paths
}

func (w *Workspace) HasChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.staged) > 0
}

// Dir reads files from a local checkout.
type Dir string

func (d Dir) ReadFile(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(string(d), filepath.FromSlash(name)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

// GitHub reads files of a branch through the contents API.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
	ref    string
}

func NewGitHub(client *github.Client, owner, repo, ref string) *GitHub {
	return &GitHub{client: client, owner: owner, repo: repo, ref: ref}
}

func (g *GitHub) ReadFile(ctx context.Context, name string) ([]byte, error) {
	fc, _, resp, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, name, &github.RepositoryContentGetOptions{Ref: g.ref})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotExist
		}
		return nil, err
	}
	if fc == nil {
		return nil, fmt.Errorf("%s is a directory", name)
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, err
	}
	return []byte(content), nil
}
