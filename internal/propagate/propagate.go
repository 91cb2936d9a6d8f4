package propagate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zaproxy/release-sync/pkg/release"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Node is one downstream update. It runs once all of its dependencies
// succeeded.
type Node struct {
	Name  string
	After []string
	Run   func(ctx context.Context, state release.State) error
}

type Status int

const (
	Succeeded Status = iota
	Failed
	// Blocked means a dependency did not succeed, the node never ran.
	Blocked
)

func (s Status) String() string {
	switch s {
	case Failed:
		return "failed"
	case Blocked:
		return "blocked"
	}
	return "succeeded"
}

type NodeResult struct {
	Name     string
	Status   Status
	Err      error
	Duration time.Duration
}

type Report struct {
	Results []NodeResult
}

func (r *Report) names(status Status) []string {
	res := make([]string, 0)
	for _, nr := range r.Results {
		if nr.Status == status {
			res = append(res, nr.Name)
		}
	}
	return res
}

func (r *Report) Succeeded() []string {
	return r.names(Succeeded)
}

func (r *Report) Failed() []NodeResult {
	res := make([]NodeResult, 0)
	for _, nr := range r.Results {
		if nr.Status == Failed {
			res = append(res, nr)
		}
	}
	return res
}

func (r *Report) Blocked() []string {
	return r.names(Blocked)
}

// Err joins the errors of all failed nodes.
func (r *Report) Err() error {
	errs := make([]error, 0)
	for _, nr := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", nr.Name, nr.Err))
	}
	return errors.Join(errs...)
}

// Result converts the report into its public shape.
func (r *Report) Result(state release.State) release.RunResult {
	res := release.RunResult{
		State:     state,
		Succeeded: r.Succeeded(),
		Blocked:   r.Blocked(),
		Failed:    make([]release.NodeFailed, 0),
	}
	for _, nr := range r.Failed() {
		res.Failed = append(res.Failed, release.NodeFailed{Name: nr.Name, Error: nr.Err.Error()})
	}
	return res
}

// Graph is a validated set of nodes.
type Graph struct {
	nodes []Node
	order []string
}

// New validates the nodes: names are unique, dependencies are known and
// there are no cycles.
func New(nodes ...Node) (*Graph, error) {
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.Name == "" {
			return nil, errors.New("node without name")
		}
		if n.Run == nil {
			return nil, fmt.Errorf("node %s has nothing to run", n.Name)
		}
		if _, ok := byName[n.Name]; ok {
			return nil, fmt.Errorf("duplicate node %s", n.Name)
		}
		byName[n.Name] = n
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indegree[n.Name] += 0
		for _, dep := range n.After {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("node %s depends on unknown node %s", n.Name, dep)
			}
			indegree[n.Name]++
			dependents[dep] = append(dependents[dep], n.Name)
		}
	}

	ready := make([]string, 0)
	for name, d := range indegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(nodes) {
		cyclic := make([]string, 0)
		for name, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("dependency cycle between nodes: %s", strings.Join(cyclic, ", "))
	}
	return &Graph{nodes: nodes, order: order}, nil
}

// Order is a topological order of the node names.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

type Propagator struct {
	graph       *Graph
	maxParallel int64
	log         *logrus.Logger
	observe     func(NodeResult)
}

type Option func(*Propagator)

func WithObserver(fn func(NodeResult)) Option {
	return func(p *Propagator) {
		p.observe = fn
	}
}

func NewPropagator(graph *Graph, maxParallel int, log *logrus.Logger, opts ...Option) *Propagator {
	if maxParallel < 1 {
		maxParallel = 1
	}
	p := &Propagator{graph: graph, maxParallel: int64(maxParallel), log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type nodeRun struct {
	done   chan struct{}
	result NodeResult
}

// Run executes every node once its dependencies succeeded, with at most
// maxParallel nodes running at the same time. A failing node blocks only its
// dependents. Completed nodes are not rolled back.
func (p *Propagator) Run(ctx context.Context, state release.State) *Report {
	runs := make(map[string]*nodeRun, len(p.graph.nodes))
	for _, n := range p.graph.nodes {
		runs[n.Name] = &nodeRun{done: make(chan struct{}), result: NodeResult{Name: n.Name}}
	}
	sem := semaphore.NewWeighted(p.maxParallel)
	var eg errgroup.Group
	for _, n := range p.graph.nodes {
		n := n
		run := runs[n.Name]
		eg.Go(func() error {
			defer close(run.done)
			run.result = p.runNode(ctx, sem, n, runs, state)
			if p.observe != nil {
				p.observe(run.result)
			}
			return nil
		})
	}
	_ = eg.Wait()

	report := &Report{Results: make([]NodeResult, 0, len(runs))}
	for _, name := range p.graph.order {
		report.Results = append(report.Results, runs[name].result)
	}
	return report
}

func (p *Propagator) runNode(ctx context.Context, sem *semaphore.Weighted, n Node, runs map[string]*nodeRun, state release.State) NodeResult {
	log := p.log.WithField("node", n.Name)
	res := NodeResult{Name: n.Name}
	for _, dep := range n.After {
		<-runs[dep].done
		if runs[dep].result.Status != Succeeded {
			log.Warnf("skipped, dependency %s %s", dep, runs[dep].result.Status)
			res.Status = Blocked
			res.Err = fmt.Errorf("dependency %s %s", dep, runs[dep].result.Status)
			return res
		}
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		res.Status = Failed
		res.Err = err
		return res
	}
	defer sem.Release(1)
	if err := ctx.Err(); err != nil {
		res.Status = Failed
		res.Err = err
		return res
	}

	log.Info("running")
	start := time.Now()
	err := n.Run(ctx, state)
	res.Duration = time.Since(start)
	if err != nil {
		log.WithError(err).Error("failed")
		res.Status = Failed
		res.Err = err
		return res
	}
	log.WithField("duration", res.Duration).Info("done")
	return res
}
