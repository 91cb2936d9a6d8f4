package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zaproxy/release-sync/internal/artifact"
	"github.com/zaproxy/release-sync/internal/checksum"
	"github.com/zaproxy/release-sync/internal/config"
	"github.com/zaproxy/release-sync/internal/updater"
)

func addUpdateFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayP("target", "t", nil, "descriptor files to update, relative to the data directory")
	cmd.Flags().String("algorithm", string(checksum.Default), "the checksum algorithm")
	cmd.Flags().String("download-dir", "", "where downloaded artifacts are kept, a temporary directory when empty")
}

func updateTargets(cmd *cobra.Command, cfg *config.Config, defaults ...string) []string {
	targets := must(cmd.Flags().GetStringArray("target"))
	if len(targets) == 0 {
		return defaults
	}
	for i, t := range targets {
		targets[i] = cfg.Path(t)
	}
	return targets
}

// newUpdater returns the updater and a function removing its downloads.
func newUpdater(log *logrus.Logger, cmd *cobra.Command) (*updater.Updater, checksum.Algorithm, func(), error) {
	alg, err := checksum.ParseAlgorithm(must(cmd.Flags().GetString("algorithm")))
	if err != nil {
		return nil, "", nil, err
	}
	fetcher := artifact.NewFetcher(must(cmd.Flags().GetString("download-dir")))
	cleanup := func() {
		if err := fetcher.Close(); err != nil {
			log.WithError(err).Warn("failed to remove downloaded artifacts")
		}
	}
	return updater.New(log, fetcher), alg, cleanup, nil
}

// saveResult writes the changed descriptors and reports the failed items.
func saveResult(log *logrus.Logger, res *updater.Result) error {
	for _, f := range res.Failures {
		log.Errorf("%s: %v", f.Item, f.Err)
	}
	if !res.Changed {
		log.Info("descriptors already up to date")
		return res.Err()
	}
	if err := res.Save(); err != nil {
		return err
	}
	for _, line := range res.Summary {
		log.Infof("updated: %s", line)
	}
	return res.Err()
}

func updateMainCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-main",
		Short: "Add a main release to the descriptors",
		Args:  cobra.NoArgs,
	}
	cmd.Run = command(log, func(ctx context.Context, log *logrus.Logger, cfg *config.Config, cmd *cobra.Command) error {
		u, alg, cleanup, err := newUpdater(log, cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		d := cfg.Descriptors()
		res, err := u.UpdateMainRelease(ctx, updater.MainRelease{
			Version:         must(cmd.Flags().GetString("version")),
			ReleaseNotes:    must(cmd.Flags().GetString("release-notes")),
			ReleaseNotesURL: must(cmd.Flags().GetString("release-notes-url")),
			BaseDownloadURL: must(cmd.Flags().GetString("download-url")),
			Platforms:       must(cmd.Flags().GetStringToString("platform")),
			Algorithm:       alg,
			Targets:         updateTargets(cmd, cfg, d.Main, d.NoAddOns, d.AddOns),
		})
		if err != nil {
			return err
		}
		return saveResult(log, res)
	})
	addUpdateFlags(cmd)
	cmd.Flags().String("version", "", "the version of the release, e.g. 2.16.0")
	cmd.Flags().String("release-notes", "", "the release notes text")
	cmd.Flags().String("release-notes-url", "https://www.zaproxy.org/docs/desktop/releases/@@VERSION@@/", "the release notes URL")
	cmd.Flags().String("download-url", "https://github.com/zaproxy/zaproxy/releases/download/v@@VERSION@@/", "the base download URL")
	cmd.Flags().StringToString("platform", map[string]string{
		"linux":   "ZAP_@@VERSION@@_Linux.tar.gz",
		"mac":     "ZAP_@@VERSION@@.dmg",
		"windows": "ZAP_@@VERSION_UNDERSCORES@@_windows.exe",
	}, "the file name per platform")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func updateDailyCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-daily",
		Short: "Set the weekly release of the descriptors",
		Args:  cobra.NoArgs,
	}
	cmd.Run = command(log, func(ctx context.Context, log *logrus.Logger, cfg *config.Config, cmd *cobra.Command) error {
		u, alg, cleanup, err := newUpdater(log, cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		d := cfg.Descriptors()
		res, err := u.UpdatePeriodicRelease(ctx, updater.PeriodicRelease{
			File:             must(cmd.Flags().GetString("file")),
			URL:              must(cmd.Flags().GetString("url")),
			ExpectedChecksum: must(cmd.Flags().GetString("checksum")),
			BaseDownloadURL:  must(cmd.Flags().GetString("download-url")),
			Algorithm:        alg,
			Targets:          updateTargets(cmd, cfg, d.NoAddOns, d.AddOns),
		})
		if err != nil {
			return err
		}
		return saveResult(log, res)
	})
	addUpdateFlags(cmd)
	cmd.Flags().String("file", "", "the local weekly release file")
	cmd.Flags().String("url", "", "the URL of the weekly release")
	cmd.Flags().String("checksum", "", "the expected checksum of the file at --url")
	cmd.Flags().String("download-url", "https://github.com/zaproxy/zaproxy/releases/download/w@@VERSION@@/", "the base download URL of --file")
	cmd.MarkFlagsOneRequired("file", "url")
	cmd.MarkFlagsMutuallyExclusive("file", "url")
	return cmd
}

func updateAddOnsCmd(log *logrus.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-addons [file.zap...]",
		Short: "Release add-ons into the descriptors",
	}
	cmd.Run = command(log, func(ctx context.Context, log *logrus.Logger, cfg *config.Config, cmd *cobra.Command) error {
		u, alg, cleanup, err := newUpdater(log, cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		rel := updater.AddOnRelease{
			Files:              cmd.Flags().Args(),
			Dir:                must(cmd.Flags().GetString("dir")),
			DownloadURL:        must(cmd.Flags().GetString("download-url")),
			Date:               must(cmd.Flags().GetString("date")),
			Algorithm:          alg,
			Force:              must(cmd.Flags().GetBool("force")),
			StrictDependencies: must(cmd.Flags().GetBool("strict-dependencies")),
			AllowedExternal:    must(cmd.Flags().GetStringArray("allow-external")),
		}
		if releaseData := must(cmd.Flags().GetString("release-data")); releaseData != "" {
			rd, err := artifact.ReadReleaseData(releaseData)
			if err != nil {
				return err
			}
			rel.Releases = rd.AddOns
		}
		if len(rel.Files) == 0 && rel.Dir == "" && len(rel.Releases) == 0 {
			return errors.New("no add-ons provided, pass files, --dir or --release-data")
		}
		d := cfg.Descriptors()
		rel.Targets = updateTargets(cmd, cfg, d.Main, d.AddOns)

		res, err := u.UpdateAddOns(ctx, rel)
		if err != nil {
			return err
		}
		saveErr := saveResult(log, res)
		if !must(cmd.Flags().GetBool("pull-request")) || !res.Changed {
			return saveErr
		}
		env, err := newEnv(log, cfg)
		if err != nil {
			return errors.Join(saveErr, err)
		}
		if err := env.PublishAddOnRelease(ctx, cfg.DataDir, res); err != nil {
			return errors.Join(saveErr, fmt.Errorf("failed to open the add-on release pull request: %w", err))
		}
		return saveErr
	})
	addUpdateFlags(cmd)
	cmd.Flags().String("dir", "", "a directory with the .zap files to release")
	cmd.Flags().String("release-data", "", "the release data JSON of the add-on build")
	cmd.Flags().String("download-url", "https://github.com/zaproxy/zap-extensions/releases/download/@@ID@@-v@@VERSION@@/", "the base download URL of local files")
	cmd.Flags().String("date", "", "the release date (YYYY-MM-DD), today when empty")
	cmd.Flags().Bool("force", false, "accept add-on versions lower than the released ones")
	cmd.Flags().Bool("strict-dependencies", false, "require every dependency to be present in the descriptor")
	cmd.Flags().StringArray("allow-external", nil, "dependencies allowed outside of the descriptor")
	cmd.Flags().Bool("pull-request", false, "open a pull request with the updated descriptors")
	return cmd
}
