package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/go-github/v59/github"
	"github.com/sirupsen/logrus"
)

// Identity is the author and committer of the published commit.
type Identity struct {
	Name  string
	Email string
}

// PullRequestSpec describes one pull request to publish.
type PullRequestSpec struct {
	// Repo is the upstream repository, as owner/name.
	Repo string
	// Fork is the repository the branch is pushed to, Repo when empty.
	Fork string
	// Base is the target branch, the default branch of Repo when empty.
	Base        string
	Branch      string
	Files       map[string][]byte
	Summary     string
	Description string
	Author      Identity
}

func (s PullRequestSpec) validate() error {
	if _, _, ok := strings.Cut(s.Repo, "/"); !ok {
		return fmt.Errorf("invalid repository %q", s.Repo)
	}
	if s.Fork != "" {
		if _, _, ok := strings.Cut(s.Fork, "/"); !ok {
			return fmt.Errorf("invalid fork repository %q", s.Fork)
		}
	}
	if s.Branch == "" {
		return errors.New("branch is required")
	}
	if s.Summary == "" {
		return errors.New("commit summary is required")
	}
	if s.Author.Name == "" || s.Author.Email == "" {
		return errors.New("author name and email are required")
	}
	return nil
}

// CommitMessage is the summary, the description and the sign-off line.
func (s PullRequestSpec) CommitMessage() string {
	var sb strings.Builder
	sb.WriteString(s.Summary)
	if s.Description != "" {
		sb.WriteString("\n\n")
		sb.WriteString(s.Description)
	}
	fmt.Fprintf(&sb, "\n\nSigned-off-by: %s <%s>", s.Author.Name, s.Author.Email)
	return sb.String()
}

type Outcome int

const (
	// NoChanges means the files already match the base branch.
	NoChanges Outcome = iota
	// UpToDate means the branch already holds the changes, nothing was pushed.
	UpToDate
	// Pushed means a new commit was pushed to the branch.
	Pushed
)

func (o Outcome) String() string {
	switch o {
	case UpToDate:
		return "up-to-date"
	case Pushed:
		return "pushed"
	}
	return "no-changes"
}

type Result struct {
	Outcome            Outcome
	Commit             string
	PullRequestNumber  int
	PullRequestURL     string
	PullRequestCreated bool
}

// Publisher publishes file changes as a branch and a pull request using the
// Git Data API, no local clone is involved. Publishing the same spec twice
// pushes once and opens at most one pull request.
type Publisher struct {
	client *github.Client
	log    *logrus.Logger
}

func New(client *github.Client, log *logrus.Logger) *Publisher {
	return &Publisher{client: client, log: log}
}

type repoRef struct {
	owner string
	name  string
}

func parseRepo(fullRepo string) repoRef {
	owner, name, _ := strings.Cut(fullRepo, "/")
	return repoRef{owner: owner, name: name}
}

func (r repoRef) String() string {
	return r.owner + "/" + r.name
}

func (p *Publisher) Publish(ctx context.Context, spec PullRequestSpec) (*Result, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	upstream := parseRepo(spec.Repo)
	push := upstream
	if spec.Fork != "" {
		push = parseRepo(spec.Fork)
	}
	log := p.log.WithFields(logrus.Fields{"repo": upstream.String(), "branch": spec.Branch})

	base := spec.Base
	if base == "" {
		repo, _, err := p.client.Repositories.Get(ctx, upstream.owner, upstream.name)
		if err != nil {
			return nil, classify("get repository", err)
		}
		base = repo.GetDefaultBranch()
	}

	baseRef, _, err := p.client.Git.GetRef(ctx, upstream.owner, upstream.name, "heads/"+base)
	if err != nil {
		return nil, classify("get base branch", err)
	}
	baseSHA := baseRef.GetObject().GetSHA()
	baseTree, err := p.treeOf(ctx, upstream, baseSHA)
	if err != nil {
		return nil, err
	}

	tree, _, err := p.client.Git.CreateTree(ctx, push.owner, push.name, baseTree, treeEntries(spec.Files))
	if err != nil {
		return nil, classify("create tree", err)
	}
	if tree.GetSHA() == baseTree {
		log.Info("no changes to publish")
		return &Result{Outcome: NoChanges}, nil
	}

	res := &Result{}
	headRef, err := p.getBranch(ctx, push, spec.Branch)
	if err != nil {
		return nil, err
	}
	if headRef != nil {
		headTree, err := p.treeOf(ctx, push, headRef.GetObject().GetSHA())
		if err != nil {
			return nil, err
		}
		if headTree == tree.GetSHA() {
			res.Outcome = UpToDate
			res.Commit = headRef.GetObject().GetSHA()
		}
	}

	if res.Outcome != UpToDate {
		commit, _, err := p.client.Git.CreateCommit(ctx, push.owner, push.name, &github.Commit{
			Message: github.String(spec.CommitMessage()),
			Tree:    &github.Tree{SHA: tree.SHA},
			Parents: []*github.Commit{{SHA: github.String(baseSHA)}},
			Author:  &github.CommitAuthor{Name: github.String(spec.Author.Name), Email: github.String(spec.Author.Email)},
		}, nil)
		if err != nil {
			return nil, classify("create commit", err)
		}
		// a cancelled run must not leave a pushed branch behind
		if err := ctx.Err(); err != nil {
			return nil, &PublishError{Op: "push", Err: err}
		}
		if err := p.pushBranch(ctx, push, spec.Branch, commit.GetSHA(), headRef != nil); err != nil {
			return nil, err
		}
		res.Outcome = Pushed
		res.Commit = commit.GetSHA()
		log.WithField("commit", res.Commit).Info("pushed branch")
	} else {
		log.Info("branch already up to date")
	}

	if err := p.ensurePullRequest(ctx, spec, upstream, push, base, res); err != nil {
		return nil, err
	}
	return res, nil
}

func treeEntries(files map[string][]byte) []*github.TreeEntry {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	entries := make([]*github.TreeEntry, len(paths))
	for i, p := range paths {
		entries[i] = &github.TreeEntry{
			Path:    github.String(strings.TrimPrefix(p, "/")),
			Mode:    github.String("100644"),
			Type:    github.String("blob"),
			Content: github.String(string(files[p])),
		}
	}
	return entries
}

func (p *Publisher) treeOf(ctx context.Context, repo repoRef, commitSHA string) (string, error) {
	commit, _, err := p.client.Git.GetCommit(ctx, repo.owner, repo.name, commitSHA)
	if err != nil {
		return "", classify("get commit", err)
	}
	return commit.GetTree().GetSHA(), nil
}

func (p *Publisher) getBranch(ctx context.Context, repo repoRef, branch string) (*github.Reference, error) {
	ref, resp, err := p.client.Git.GetRef(ctx, repo.owner, repo.name, "heads/"+branch)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, classify("get branch", err)
	}
	return ref, nil
}

func (p *Publisher) pushBranch(ctx context.Context, repo repoRef, branch, sha string, exists bool) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}
	var err error
	if exists {
		_, _, err = p.client.Git.UpdateRef(ctx, repo.owner, repo.name, ref, true)
	} else {
		_, _, err = p.client.Git.CreateRef(ctx, repo.owner, repo.name, ref)
	}
	if err != nil {
		return classify("push branch", err)
	}
	return nil
}

func (p *Publisher) ensurePullRequest(ctx context.Context, spec PullRequestSpec, upstream, push repoRef, base string, res *Result) error {
	head := push.owner + ":" + spec.Branch
	prs, _, err := p.client.PullRequests.List(ctx, upstream.owner, upstream.name, &github.PullRequestListOptions{
		State: "open",
		Head:  head,
		Base:  base,
	})
	if err != nil {
		return classify("list pull requests", err)
	}
	if len(prs) > 0 {
		pr := prs[0]
		res.PullRequestNumber = pr.GetNumber()
		res.PullRequestURL = pr.GetHTMLURL()
		if pr.GetBody() == spec.Description && pr.GetTitle() == spec.Summary {
			return nil
		}
		_, _, err := p.client.PullRequests.Edit(ctx, upstream.owner, upstream.name, pr.GetNumber(), &github.PullRequest{
			Title: github.String(spec.Summary),
			Body:  github.String(spec.Description),
		})
		if err != nil {
			return classify("update pull request", err)
		}
		return nil
	}
	pr, _, err := p.client.PullRequests.Create(ctx, upstream.owner, upstream.name, &github.NewPullRequest{
		Title:               github.String(spec.Summary),
		Head:                github.String(head),
		Base:                github.String(base),
		Body:                github.String(spec.Description),
		MaintainerCanModify: github.Bool(true),
	})
	if err != nil {
		return classify("create pull request", err)
	}
	res.PullRequestNumber = pr.GetNumber()
	res.PullRequestURL = pr.GetHTMLURL()
	res.PullRequestCreated = true
	p.log.WithFields(logrus.Fields{"repo": upstream.String(), "pr": res.PullRequestNumber}).Info("created pull request")
	return nil
}
