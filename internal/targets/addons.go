package targets

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/zaproxy/release-sync/internal/checksum"
	"github.com/zaproxy/release-sync/pkg/release"
)

// VerifyAddOnDownloads downloads every add-on released since the last
// snapshot and checks it against the checksum of the add-ons descriptor.
func (e *Env) VerifyAddOnDownloads(ctx context.Context, state release.State) error {
	changes := state.NewAddOns()
	if len(changes) == 0 {
		return nil
	}
	if e.Artifacts == nil {
		return errors.New("no artifact source to download add-ons")
	}
	defer func() {
		if err := e.Artifacts.Close(); err != nil {
			e.Log.WithError(err).Warn("failed to remove downloaded add-ons")
		}
	}()

	var errs []error
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.verifyAddOnDownload(ctx, state, change.ID); err != nil {
			errs = append(errs, fmt.Errorf("add-on %s: %w", change.ID, err))
			continue
		}
		e.Log.WithFields(logrus.Fields{
			"addOn":   change.ID,
			"version": change.CurrentVersion,
		}).Info("verified add-on download")
	}
	return errors.Join(errs...)
}

func (e *Env) verifyAddOnDownload(ctx context.Context, state release.State, id string) error {
	addOn, ok := state.PublishedAddOn(id)
	if !ok {
		return errors.New("not in the add-ons descriptor")
	}
	alg := checksum.Default
	if addOn.Checksum != "" {
		sum, err := checksum.Parse(addOn.Checksum)
		if err != nil {
			return err
		}
		if sum.Algorithm != "" {
			alg = sum.Algorithm
		}
	}
	_, err := e.Artifacts.FetchVerified(ctx, addOn.URL, alg, addOn.Checksum)
	return err
}
