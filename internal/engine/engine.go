package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zaproxy/release-sync/internal/metrics"
	"github.com/zaproxy/release-sync/internal/propagate"
	"github.com/zaproxy/release-sync/internal/publish"
	"github.com/zaproxy/release-sync/internal/releasestate"
	"github.com/zaproxy/release-sync/pkg/release"
)

// Engine detects release state changes and propagates them downstream.
type Engine struct {
	Detector *releasestate.Detector
	// Graph returns the downstream updates of one run.
	Graph       func() (*propagate.Graph, error)
	MaxParallel int
	Log         *logrus.Logger
}

type RunOptions struct {
	// DryRun only detects the state.
	DryRun bool
	// Force propagates even when nothing changed.
	Force bool
}

// Run detects the release state and, when it changed, runs the downstream
// updates. The snapshot is committed only if every update succeeded, so
// failed updates are retried by the next run.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*release.RunResult, error) {
	state, err := e.Detector.Detect(ctx)
	if err != nil {
		return nil, err
	}
	metrics.RecordRun(ctx, state.Changed)
	log := e.Log.WithFields(logrus.Fields{"core": state.CoreVersion, "periodic": state.PeriodicVersion, "changed": state.Changed})
	if !state.Changed && !opts.Force {
		log.Info("release state unchanged")
		return &release.RunResult{State: state, Succeeded: make([]string, 0)}, nil
	}
	if opts.DryRun {
		log.Info("release state changed, dry run")
		return &release.RunResult{State: state, Succeeded: make([]string, 0)}, nil
	}

	graph, err := e.Graph()
	if err != nil {
		return nil, err
	}
	log.Info("propagating release state")
	report := propagate.NewPropagator(graph, e.MaxParallel, e.Log, propagate.WithObserver(func(res propagate.NodeResult) {
		metrics.RecordNode(ctx, res)
		var pubErr *publish.PublishError
		var authErr *publish.AuthError
		if errors.As(res.Err, &pubErr) || errors.As(res.Err, &authErr) {
			metrics.RecordPublishError(ctx, res.Name)
		}
	})).Run(ctx, state)

	result := report.Result(state)
	if err := report.Err(); err != nil {
		return &result, fmt.Errorf("propagation failed, snapshot not updated: %w", err)
	}
	if err := e.Detector.Commit(ctx, state); err != nil {
		return &result, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	log.Info("snapshot committed")
	return &result, nil
}

// Bootstrap records the current state without propagating it.
func (e *Engine) Bootstrap(ctx context.Context) (*release.State, error) {
	state, err := e.Detector.Detect(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.Detector.Commit(ctx, state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Snapshot returns the last committed snapshot.
func (e *Engine) Snapshot(ctx context.Context) (*release.Snapshot, error) {
	return e.Detector.Store.Load(ctx)
}
