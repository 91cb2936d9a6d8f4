package workspace

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-github/v59/github"
	"github.com/migueleliasweb/go-github-mock/src/mock"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceStagesOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "stats"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stats", "github.py"), []byte("tags = [\n]\n"), 0o644))
	ws := New("zaproxy/zap-mgmt-scripts", Dir(dir))
	ctx := context.Background()

	data, err := ws.ReadFile(ctx, "stats/github.py")
	require.NoError(t, err)
	require.Equal(t, "tags = [\n]\n", string(data))

	require.NoError(t, ws.WriteFile(ctx, "stats/github.py", data))
	require.False(t, ws.HasChanges())

	require.NoError(t, ws.WriteFile(ctx, "/stats/github.py", []byte("tags = [\n    \"v2.17.0\",\n]\n")))
	require.True(t, ws.HasChanges())
	require.Equal(t, []string{"stats/github.py"}, ws.ChangedPaths())

	data, err = ws.ReadFile(ctx, "stats/github.py")
	require.NoError(t, err)
	require.Contains(t, string(data), "v2.17.0")

	// writing the original content back drops the change
	require.NoError(t, ws.WriteFile(ctx, "stats/github.py", []byte("tags = [\n]\n")))
	require.Empty(t, ws.Changes())
}

func TestWorkspaceNewFile(t *testing.T) {
	ws := New("zaproxy/zaproxy-website", Dir(t.TempDir()))
	ctx := context.Background()

	_, err := ws.ReadFile(ctx, "site/data/addons.yaml")
	require.ErrorIs(t, err, ErrNotExist)

	require.NoError(t, ws.WriteFile(ctx, "site/data/addons.yaml", []byte("[]\n")))
	require.Equal(t, map[string][]byte{"site/data/addons.yaml": []byte("[]\n")}, ws.Changes())
}

func TestGitHubSource(t *testing.T) {
	mockedHTTPClient := mock.NewMockedHTTPClient(
		mock.WithRequestMatchHandler(
			mock.GetReposContentsByOwnerByRepoByPath,
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/repos/flathub/org.zaproxy.ZAP/contents/org.zaproxy.ZAP.json" {
					mock.WriteError(w, http.StatusNotFound, "Not Found")
					return
				}
				require.Equal(t, "master", r.URL.Query().Get("ref"))
				_, _ = w.Write(mock.MustMarshal(&github.RepositoryContent{
					Type:     github.String("file"),
					Encoding: github.String("base64"),
					Content:  github.String(base64.StdEncoding.EncodeToString([]byte(`{"url": "https://example.com"}`))),
				}))
			}),
		),
	)
	src := NewGitHub(github.NewClient(mockedHTTPClient), "flathub", "org.zaproxy.ZAP", "master")

	data, err := src.ReadFile(context.Background(), "org.zaproxy.ZAP.json")
	require.NoError(t, err)
	require.Equal(t, `{"url": "https://example.com"}`, string(data))

	_, err = src.ReadFile(context.Background(), "missing.json")
	require.ErrorIs(t, err, ErrNotExist)
}
