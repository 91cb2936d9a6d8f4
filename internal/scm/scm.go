package scm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/go-github/v59/github"
)

// Revisions reports the revision of the repository holding the descriptors.
type Revisions interface {
	CurrentRevision(ctx context.Context) (string, error)
	ChangedFiles(ctx context.Context, since string) ([]string, error)
}

func SplitRepo(fullRepo string) (string, string) {
	owner, repo, found := strings.Cut(fullRepo, "/")
	if !found {
		return "", ""
	}
	return owner, repo
}

// GitHub reads revisions of a branch through the GitHub API.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
	ref    string
}

func NewGitHub(client *github.Client, fullRepo, ref string) (*GitHub, error) {
	owner, repo := SplitRepo(fullRepo)
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("invalid repository %q", fullRepo)
	}
	if ref == "" {
		ref = "HEAD"
	}
	return &GitHub{client: client, owner: owner, repo: repo, ref: ref}, nil
}

func (g *GitHub) CurrentRevision(ctx context.Context) (string, error) {
	sha, _, err := g.client.Repositories.GetCommitSHA1(ctx, g.owner, g.repo, g.ref, "")
	if err != nil {
		return "", fmt.Errorf("failed to get revision of %s/%s@%s: %w", g.owner, g.repo, g.ref, err)
	}
	return strings.TrimSpace(sha), nil
}

func (g *GitHub) ChangedFiles(ctx context.Context, since string) ([]string, error) {
	files := make([]string, 0)
	opts := &github.ListOptions{Page: 1, PerPage: 100}
	for {
		cmp, resp, err := g.client.Repositories.CompareCommits(ctx, g.owner, g.repo, since, g.ref, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to compare %s...%s: %w", since, g.ref, err)
		}
		for _, f := range cmp.Files {
			files = append(files, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

// Git reads revisions from a local clone with the git binary.
type Git struct {
	Dir string
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *Git) CurrentRevision(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "HEAD")
}

func (g *Git) ChangedFiles(ctx context.Context, since string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", since, "HEAD")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return []string{}, nil
	}
	return strings.Split(out, "\n"), nil
}
