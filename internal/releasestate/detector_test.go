package releasestate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/zaproxy/release-sync/pkg/release"
)

func descriptorXML(core, daily string, addOns map[string]string) string {
	var sb strings.Builder
	sb.WriteString("<ZAP>\n<core>\n")
	if core != "" {
		fmt.Fprintf(&sb, "<version>%s</version>\n", core)
	}
	if daily != "" {
		fmt.Fprintf(&sb, "<daily-version>%s</daily-version>\n", daily)
	}
	sb.WriteString("</core>\n")
	for id, v := range addOns {
		fmt.Fprintf(&sb, `<addon>%[1]s</addon>
<addon_%[1]s><version>%[2]s</version><file>%[1]s-release-%[2]s.zap</file><url>https://example.com/%[1]s.zap</url>
<hash>SHA-256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855</hash></addon_%[1]s>
`, id, v)
	}
	sb.WriteString("</ZAP>\n")
	return sb.String()
}

type fakeRevisions struct {
	rev   string
	calls int
}

func (f *fakeRevisions) CurrentRevision(context.Context) (string, error) {
	f.calls++
	return f.rev, nil
}

func (f *fakeRevisions) ChangedFiles(_ context.Context, since string) ([]string, error) {
	return []string{"changed-since-" + since}, nil
}

type testRepo struct {
	dir      string
	detector *Detector
	revs     *fakeRevisions
}

func newTestRepo(t *testing.T) *testRepo {
	dir := t.TempDir()
	log := logrus.New()
	log.Out = io.Discard
	r := &testRepo{dir: dir, revs: &fakeRevisions{rev: "rev-1"}}
	r.detector = &Detector{
		MainPath:     filepath.Join(dir, "ZapVersions-2.16.xml"),
		NoAddOnsPath: filepath.Join(dir, "ZapVersions.xml"),
		AddOnsPath:   filepath.Join(dir, "ZapVersions-dev.xml"),
		Store:        &FileStore{Path: filepath.Join(dir, "release-state.json")},
		Revisions:    r.revs,
		Log:          log,
	}
	r.write(t, "2.16.0", "D-2024-12-02", map[string]string{"ascanrules": "45"})
	return r
}

func (r *testRepo) write(t *testing.T, core, daily string, addOns map[string]string) {
	require.NoError(t, os.WriteFile(r.detector.MainPath, []byte(descriptorXML(core, "", nil)), 0o644))
	require.NoError(t, os.WriteFile(r.detector.NoAddOnsPath, []byte(descriptorXML(core, daily, nil)), 0o644))
	require.NoError(t, os.WriteFile(r.detector.AddOnsPath, []byte(descriptorXML(core, daily, addOns)), 0o644))
}

func TestDetectFirstRun(t *testing.T) {
	r := newTestRepo(t)
	st, err := r.detector.Detect(context.Background())
	require.NoError(t, err)
	require.True(t, st.Changed)
	require.Equal(t, "2.16.0", st.CoreVersion)
	require.Equal(t, "D-2024-12-02", st.PeriodicVersion)
	require.Equal(t, "rev-1", st.Revision)
	require.True(t, st.MainRelease.NewVersion)
	require.Len(t, st.AddOns, 1)
	require.Empty(t, st.ChangedFiles)
}

func TestDetectTwiceIsUnchanged(t *testing.T) {
	r := newTestRepo(t)
	st, err := r.detector.Detect(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.detector.Commit(context.Background(), st))

	r.revs.rev = "rev-2"
	again, err := r.detector.Detect(context.Background())
	require.NoError(t, err)
	require.False(t, again.Changed)
	require.False(t, again.MainRelease.NewVersion)
	require.Empty(t, again.AddOns)
	require.Equal(t, "rev-1", again.Revision)
	require.Equal(t, 1, r.revs.calls)
}

func TestDetectNewReleases(t *testing.T) {
	r := newTestRepo(t)
	st, err := r.detector.Detect(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.detector.Commit(context.Background(), st))

	r.write(t, "2.17.0", "D-2024-12-09", map[string]string{"ascanrules": "46", "pscanrules": "60"})
	r.revs.rev = "rev-2"
	st, err = r.detector.Detect(context.Background())
	require.NoError(t, err)
	require.True(t, st.Changed)
	require.Equal(t, release.VersionChange{PreviousVersion: "2.16.0", CurrentVersion: "2.17.0", NewVersion: true}, st.MainRelease)
	require.Equal(t, "D-2024-12-02", st.PeriodicRelease.PreviousVersion)
	require.True(t, st.PeriodicRelease.NewVersion)
	require.Len(t, st.AddOns, 2)
	require.Equal(t, "rev-2", st.Revision)
	require.Equal(t, []string{"changed-since-rev-1"}, st.ChangedFiles)
}

func TestDetectAddOnOnlyChange(t *testing.T) {
	r := newTestRepo(t)
	st, err := r.detector.Detect(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.detector.Commit(context.Background(), st))

	r.write(t, "2.16.0", "D-2024-12-02", map[string]string{"ascanrules": "46"})
	st, err = r.detector.Detect(context.Background())
	require.NoError(t, err)
	require.False(t, st.Changed)
	require.False(t, st.MainRelease.NewVersion)
	require.False(t, st.PeriodicRelease.NewVersion)
	require.Equal(t, []release.AddOnChange{{ID: "ascanrules", VersionChange: release.NewVersionChange("45", "46")}}, st.NewAddOns())
}

func TestDetectCapturesReleaseData(t *testing.T) {
	r := newTestRepo(t)
	data, err := os.ReadFile(filepath.Join("..", "descriptor", "testdata", "ZapVersions.xml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(r.detector.MainPath, data, 0o644))
	require.NoError(t, os.WriteFile(r.detector.NoAddOnsPath, data, 0o644))

	st, err := r.detector.Detect(context.Background())
	require.NoError(t, err)

	// later changes to the files do not leak into the state of this run
	require.NoError(t, os.WriteFile(r.detector.MainPath, []byte(descriptorXML("2.18.0", "", nil)), 0o644))

	linux := st.Platforms["linux"]
	require.Equal(t, "https://github.com/zaproxy/zaproxy/releases/download/v2.16.0/ZAP_2.16.0_Linux.tar.gz", linux.URL)
	require.Equal(t, "SHA-256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", linux.Checksum)
	require.NotNil(t, st.Daily)
	require.EqualValues(t, 220345678, st.Daily.Size)
	require.Equal(t, "D-2024-12-02", st.PeriodicVersion)

	a, ok := st.PublishedAddOn("ascanrules")
	require.True(t, ok)
	require.Equal(t, "45", a.Version)
	require.Equal(t, "https://example.com/ascanrules.zap", a.URL)
	require.Equal(t, "ascanrules-release-45.zap", a.File)
}

func TestDetectPeriodicFallback(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, os.WriteFile(r.detector.MainPath, []byte(descriptorXML("2.16.0", "D-2024-11-25", nil)), 0o644))
	require.NoError(t, os.WriteFile(r.detector.NoAddOnsPath, []byte(descriptorXML("2.16.0", "", nil)), 0o644))
	st, err := r.detector.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "D-2024-11-25", st.PeriodicVersion)
}

func TestDetectMalformedDescriptor(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, os.WriteFile(r.detector.MainPath, []byte("<nope/>"), 0o644))
	_, err := r.detector.Detect(context.Background())
	require.Error(t, err)
}

type failingStore struct{}

func (failingStore) Load(context.Context) (*release.Snapshot, error) {
	return nil, errors.New("bucket unavailable")
}

func (failingStore) Save(context.Context, release.Snapshot) error {
	return errors.New("bucket unavailable")
}

func TestDetectStoreFailure(t *testing.T) {
	r := newTestRepo(t)
	r.detector.Store = failingStore{}
	_, err := r.detector.Detect(context.Background())
	require.ErrorContains(t, err, "bucket unavailable")
	require.Error(t, r.detector.Commit(context.Background(), release.State{}))
}

func TestFileStore(t *testing.T) {
	fs := &FileStore{Path: filepath.Join(t.TempDir(), "state.json")}
	_, err := fs.Load(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, fs.Save(context.Background(), release.Snapshot{CoreVersion: "2.17.0", SourceRevision: "abc"}))
	s, err := fs.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2.17.0", s.CoreVersion)
	require.Equal(t, "abc", s.SourceRevision)
}

func createS3Client(t *testing.T) (*s3.Client, func()) {
	var mu sync.Mutex
	objects := make(map[string][]byte)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			data, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			objects[r.URL.Path] = data
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			data, ok := objects[r.URL.Path]
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>not found</Message></Error>`)
				return
			}
			_, _ = w.Write(data)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	s3Cfg, err := awsConfig.LoadDefaultConfig(context.TODO(),
		awsConfig.WithRegion("auto"),
		awsConfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               ts.URL,
				HostnameImmutable: true,
			}, nil
		})),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)
	return s3.NewFromConfig(s3Cfg), ts.Close
}

func TestS3Store(t *testing.T) {
	client, closeFn := createS3Client(t)
	defer closeFn()
	store := &S3Store{Client: client, Bucket: "test", Key: "release-state/ZapVersions.json"}

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, store.Save(context.Background(), release.Snapshot{CoreVersion: "2.17.0", AddOns: map[string]string{"ascanrules": "46"}}))
	s, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2.17.0", s.CoreVersion)
	require.Equal(t, "46", s.AddOns["ascanrules"])
}

func TestFirestoreStore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	client, err := firestore.NewClient(context.Background(), "release-sync")
	require.NoError(t, err)
	defer client.Close()
	store := &FirestoreStore{Client: client, Collection: "test-release-state", Document: t.Name()}

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)
	require.NoError(t, store.Save(context.Background(), release.Snapshot{CoreVersion: "2.17.0"}))
	s, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2.17.0", s.CoreVersion)
}
