package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zaproxy/release-sync/pkg/client"
	"github.com/zaproxy/release-sync/pkg/release"
)

var version = "dev"

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	cmd := &cobra.Command{
		Use:     "release-sync-trigger",
		Short:   "Trigger a release-sync propagation run",
		Version: version,
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := run(log, cmd, args); err != nil {
				log.Errorf("ERROR: %v", err)
				os.Exit(1)
			}
		},
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	cmd.PersistentFlags().StringP("server-url", "s", "http://127.0.0.1:8080", "the release-sync server URL")
	cmd.PersistentFlags().String("admin-access-token", os.Getenv("RELEASE_SYNC_ADMIN_ACCESS_TOKEN"), "admin access token")
	cmd.PersistentFlags().Bool("dry-run", false, "only detect the release state")
	cmd.PersistentFlags().Bool("force", false, "propagate even if the release state did not change")
	cmd.PersistentFlags().SortFlags = false

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func run(log *logrus.Logger, cmd *cobra.Command, _ []string) error {
	log.Infof("starting release-sync-trigger (version=%s)", version)
	serverURL := must(cmd.PersistentFlags().GetString("server-url"))
	adminAccessToken := must(cmd.PersistentFlags().GetString("admin-access-token"))
	if adminAccessToken == "" {
		return errors.New("no admin access token provided")
	}
	runReq := release.RunRequest{
		DryRun: must(cmd.PersistentFlags().GetBool("dry-run")),
		Force:  must(cmd.PersistentFlags().GetBool("force")),
	}
	if runReq.Force {
		log.Warn("forcing propagation...")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(serverURL)
	res, err := c.TriggerRun(ctx, adminAccessToken, runReq)
	if res != nil {
		log.Infof("release state: core=%s periodic=%s changed=%t", res.State.CoreVersion, res.State.PeriodicVersion, res.State.Changed)
		for _, name := range res.Succeeded {
			log.Infof("succeeded: %s", name)
		}
		for _, f := range res.Failed {
			log.Errorf("failed: %s: %s", f.Name, f.Error)
		}
		for _, name := range res.Blocked {
			log.Warnf("blocked: %s", name)
		}
	}
	return err
}
