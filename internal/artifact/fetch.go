package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/patrickmn/go-cache"
	"github.com/zaproxy/release-sync/internal/checksum"
)

var ErrInsecureURL = errors.New("download URL must use HTTPS")

var (
	defaultRetryableClient     *retryablehttp.Client
	defaultRetryableClientInit sync.Once
)

func getDefaultRetryableClient() *retryablehttp.Client {
	defaultRetryableClientInit.Do(func() {
		defaultRetryableClient = retryablehttp.NewClient()
		defaultRetryableClient.Logger = nil
		defaultRetryableClient.HTTPClient.Timeout = 3 * time.Minute
	})
	return defaultRetryableClient
}

// File is a local copy of a release artifact.
type File struct {
	URL      string
	Name     string
	Path     string
	Size     int64
	Checksum checksum.Checksum
}

// Fetcher downloads artifacts once per URL and algorithm.
type Fetcher struct {
	dir    string
	client *retryablehttp.Client
	cache  *cache.Cache
}

// NewFetcher stores downloads in dir, a temporary directory is used when dir is empty.
func NewFetcher(dir string) *Fetcher {
	return &Fetcher{
		dir:    dir,
		client: getDefaultRetryableClient(),
		cache:  cache.New(cache.NoExpiration, 0),
	}
}

func (f *Fetcher) WithClient(c *retryablehttp.Client) *Fetcher {
	f.client = c
	return f
}

func FileNameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("no file name in URL %s", rawURL)
	}
	return name, nil
}

func requireHTTPS(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("%w: %s", ErrInsecureURL, rawURL)
	}
	return nil
}

// Fetch downloads rawURL and computes its checksum with alg. A second call
// with the same URL and algorithm returns the first result.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, alg checksum.Algorithm) (*File, error) {
	cacheKey := fmt.Sprintf("%s|%s", alg, rawURL)
	if cached, ok := f.cache.Get(cacheKey); ok {
		return cached.(*File), nil
	}
	if err := requireHTTPS(rawURL); err != nil {
		return nil, err
	}
	name, err := FileNameFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	file, err := f.download(ctx, rawURL, name, alg)
	if err != nil {
		return nil, err
	}
	f.cache.Set(cacheKey, file, cache.NoExpiration)
	return file, nil
}

// FetchVerified is Fetch followed by a comparison with the expected checksum.
func (f *Fetcher) FetchVerified(ctx context.Context, rawURL string, alg checksum.Algorithm, expected string) (*File, error) {
	file, err := f.Fetch(ctx, rawURL, alg)
	if err != nil {
		return nil, err
	}
	if err := checksum.Verify(file.Checksum, expected); err != nil {
		return nil, fmt.Errorf("failed to verify %s: %w", rawURL, err)
	}
	return file, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, name string, alg checksum.Algorithm) (*File, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	out, err := os.CreateTemp(f.dir, "artifact-*-"+name)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer out.Close()

	sum, n, err := checksum.ComputeSize(io.TeeReader(resp.Body, out), alg)
	if err != nil {
		_ = os.Remove(out.Name())
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		_ = os.Remove(out.Name())
		return nil, fmt.Errorf("unexpected content length: %d (should be %d)", n, resp.ContentLength)
	}
	return &File{URL: rawURL, Name: name, Path: out.Name(), Size: n, Checksum: sum}, nil
}

// Close removes the downloaded files. Later fetches download again.
func (f *Fetcher) Close() error {
	var errs []error
	for _, item := range f.cache.Items() {
		file, ok := item.Object.(*File)
		if !ok {
			continue
		}
		if err := os.Remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	f.cache.Flush()
	return errors.Join(errs...)
}

// Open describes a file already on disk.
func Open(filePath string, alg checksum.Algorithm) (*File, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, &checksum.IOError{Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", filePath)
	}
	sum, n, err := checksum.ComputeFile(filePath, alg)
	if err != nil {
		return nil, err
	}
	return &File{Name: filepath.Base(filePath), Path: filePath, Size: n, Checksum: sum}, nil
}
