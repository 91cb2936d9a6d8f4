package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zaproxy/release-sync/internal/artifact"
	"github.com/zaproxy/release-sync/internal/checksum"
	"github.com/zaproxy/release-sync/internal/descriptor"
)

const (
	periodicVersionPrefix = "D-"
	periodicExtension     = ".zip"
)

// PeriodicRelease describes a weekly build. Exactly one of File and URL is set.
type PeriodicRelease struct {
	File string
	URL  string
	// ExpectedChecksum is required when downloading from URL.
	ExpectedChecksum string
	// BaseDownloadURL is used to build the URL of a local File.
	BaseDownloadURL string
	Algorithm       checksum.Algorithm
	Targets         []string
}

// PeriodicVersion extracts "D-2024-12-09" from "ZAP_WEEKLY_D-2024-12-09.zip".
func PeriodicVersion(fileName string) (string, error) {
	begin := strings.Index(fileName, periodicVersionPrefix)
	if begin == -1 {
		return "", fmt.Errorf("the file name does not have the expected prefix (%q): %s", periodicVersionPrefix, fileName)
	}
	end := strings.Index(fileName, periodicExtension)
	if end == -1 || end < begin {
		return "", fmt.Errorf("the file name does not have the expected extension (%q): %s", periodicExtension, fileName)
	}
	return fileName[begin:end], nil
}

func (u *Updater) periodicArtifact(ctx context.Context, p PeriodicRelease) (*artifact.File, string, error) {
	switch {
	case p.File != "" && p.URL != "":
		return nil, "", errors.New("only one of file or URL can be set")
	case p.File != "":
		if p.BaseDownloadURL == "" {
			return nil, "", errors.New("the base download URL must not be empty")
		}
		file, err := artifact.Open(p.File, p.Algorithm)
		if err != nil {
			return nil, "", err
		}
		if err := checksum.Verify(file.Checksum, p.ExpectedChecksum); err != nil {
			return nil, "", err
		}
		version, err := PeriodicVersion(file.Name)
		if err != nil {
			return nil, "", err
		}
		dlURL := p.BaseDownloadURL + strings.TrimPrefix(version, periodicVersionPrefix) + "/" + file.Name
		if err := requireHTTPS(dlURL); err != nil {
			return nil, "", err
		}
		return file, dlURL, nil
	case p.URL != "":
		if p.ExpectedChecksum == "" {
			return nil, "", errors.New("the checksum must be provided when downloading the file")
		}
		file, err := u.source.FetchVerified(ctx, p.URL, p.Algorithm, p.ExpectedChecksum)
		if err != nil {
			return nil, "", err
		}
		return file, p.URL, nil
	}
	return nil, "", errors.New("either file or URL must be set")
}

// UpdatePeriodicRelease touches only the periodic version and its artifact.
func (u *Updater) UpdatePeriodicRelease(ctx context.Context, p PeriodicRelease) (*Result, error) {
	if p.Algorithm == "" {
		p.Algorithm = checksum.Default
	}
	file, dlURL, err := u.periodicArtifact(ctx, p)
	if err != nil {
		return nil, err
	}
	version, err := PeriodicVersion(file.Name)
	if err != nil {
		return nil, err
	}
	u.log.WithFields(logrus.Fields{"version": version, "url": dlURL}).Info("updating periodic release")

	res, err := loadTargets(p.Targets)
	if err != nil {
		return nil, err
	}
	before, err := res.Files()
	if err != nil {
		return nil, err
	}
	a := descriptor.Artifact{URL: dlURL, File: file.Name, Checksum: file.Checksum, Size: file.Size}
	for _, path := range res.paths {
		if err := res.Descriptors[path].SetDaily(version, a); err != nil {
			return nil, fmt.Errorf("failed to update %s: %w", path, err)
		}
	}
	if res.Changed, err = res.differsFrom(before); err != nil {
		return nil, err
	}
	if res.Changed {
		res.Summary = append(res.Summary, fmt.Sprintf("Update weekly release to version %s", version))
	}
	return res, nil
}
