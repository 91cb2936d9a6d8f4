package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zaproxy/release-sync/internal/artifact"
	"github.com/zaproxy/release-sync/internal/config"
	"github.com/zaproxy/release-sync/internal/engine"
	"github.com/zaproxy/release-sync/internal/metrics"
	"github.com/zaproxy/release-sync/internal/propagate"
	"github.com/zaproxy/release-sync/internal/publish"
	"github.com/zaproxy/release-sync/internal/releasestate"
	"github.com/zaproxy/release-sync/internal/scm"
	"github.com/zaproxy/release-sync/internal/server"
	"github.com/zaproxy/release-sync/internal/targets"
)

func newEnv(log *logrus.Logger, cfg *config.Config) (*targets.Env, error) {
	ghClient, err := cfg.CreateGitHubClient()
	if err != nil {
		return nil, err
	}
	return &targets.Env{
		Settings:  cfg.TargetSettings(),
		Log:       log,
		GitHub:    ghClient,
		Publisher: publish.New(ghClient, log),
		Artifacts: artifact.NewFetcher(""),
	}, nil
}

func newRevisions(cfg *config.Config, env *targets.Env) (scm.Revisions, error) {
	switch cfg.Revisions {
	case "git":
		return &scm.Git{Dir: cfg.DataDir}, nil
	case "github":
		return scm.NewGitHub(env.GitHub, env.Settings.SourceRepo, env.Settings.Admin.Base)
	}
	return nil, fmt.Errorf("unknown revisions source %q", cfg.Revisions)
}

// newEngine wires the engine, the returned function releases the snapshot store.
func newEngine(ctx context.Context, log *logrus.Logger, cfg *config.Config) (*engine.Engine, func() error, error) {
	env, err := newEnv(log, cfg)
	if err != nil {
		return nil, nil, err
	}
	revisions, err := newRevisions(cfg, env)
	if err != nil {
		return nil, nil, err
	}
	store, closeFn, err := cfg.CreateSnapshotStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	d := cfg.Descriptors()
	return &engine.Engine{
		Detector: &releasestate.Detector{
			MainPath:     d.Main,
			NoAddOnsPath: d.NoAddOns,
			AddOnsPath:   d.AddOns,
			Store:        store,
			Revisions:    revisions,
			Log:          log,
		},
		Graph: func() (*propagate.Graph, error) {
			return targets.DefaultGraph(env)
		},
		MaxParallel: cfg.MaxParallel,
		Log:         log,
	}, closeFn, nil
}

// startMetrics exports the metrics unless disabled, the returned function
// flushes and stops the exporter.
func startMetrics(log *logrus.Logger, cfg *config.Config) (func(), error) {
	if cfg.DisableMetrics {
		log.Info("metrics disabled")
		return func() {}, nil
	}
	exporter, err := metrics.NewExporter(cfg)
	if err != nil {
		return nil, err
	}
	return func() {
		exporter.Flush()
		exporter.StopMetricsExporter()
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stateCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the release state compared to the last snapshot",
		Args:  cobra.NoArgs,
	}
	cmd.Run = command(log, func(ctx context.Context, log *logrus.Logger, cfg *config.Config, cmd *cobra.Command) error {
		e, closeFn, err := newEngine(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer closeFn()
		if must(cmd.Flags().GetBool("bootstrap")) {
			state, err := e.Bootstrap(ctx)
			if err != nil {
				return err
			}
			log.Infof("snapshot written for %s / %s", state.CoreVersion, state.PeriodicVersion)
			return nil
		}
		state, err := e.Detector.Detect(ctx)
		if err != nil {
			return err
		}
		return printJSON(state)
	})
	cmd.Flags().Bool("bootstrap", false, "write the current state as snapshot without propagating it")
	return cmd
}

func propagateCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "propagate",
		Short: "Propagate release changes to the downstream repositories",
		Args:  cobra.NoArgs,
	}
	cmd.Run = command(log, func(ctx context.Context, log *logrus.Logger, cfg *config.Config, cmd *cobra.Command) error {
		stopMetrics, err := startMetrics(log, cfg)
		if err != nil {
			return err
		}
		defer stopMetrics()
		e, closeFn, err := newEngine(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer closeFn()
		res, runErr := e.Run(ctx, engine.RunOptions{
			DryRun: must(cmd.Flags().GetBool("dry-run")),
			Force:  must(cmd.Flags().GetBool("force")),
		})
		if res != nil {
			if err := printJSON(res); err != nil {
				return errors.Join(runErr, err)
			}
		}
		return runErr
	})
	cmd.Flags().Bool("dry-run", false, "only detect the release state")
	cmd.Flags().Bool("force", false, "propagate even if the release state did not change")
	return cmd
}

func serveCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the trigger API",
		Args:  cobra.NoArgs,
	}
	cmd.Run = command(log, func(ctx context.Context, log *logrus.Logger, cfg *config.Config, _ *cobra.Command) error {
		log.Infof("starting release-sync server (version=%s, stage=%s)", cfg.Version, cfg.Stage)
		stopMetrics, err := startMetrics(log, cfg)
		if err != nil {
			return err
		}
		defer stopMetrics()

		log.Println("setting up engine...")
		e, closeFn, err := newEngine(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer func() {
			log.Println("closing snapshot store...")
			if err := closeFn(); err != nil {
				log.Error(err)
			}
		}()
		graph, err := e.Graph()
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              cfg.GetServerAddr(),
			Handler:           server.New(ctx, log, e, graph.Order(), cfg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				log.Error(err)
			}
		}()

		<-ctx.Done()

		log.Println("stopping server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); errors.Is(err, context.DeadlineExceeded) {
			log.Println("closing server...")
			if closeErr := srv.Close(); closeErr != nil {
				return closeErr
			}
		} else if err != nil {
			return err
		}
		log.Println("server stopped!")
		return nil
	})
	return cmd
}
