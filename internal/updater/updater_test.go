package updater

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/zaproxy/release-sync/internal/artifact"
	"github.com/zaproxy/release-sync/internal/checksum"
	"github.com/zaproxy/release-sync/internal/descriptor"
)

const baseDescriptor = `<?xml version="1.0" encoding="UTF-8"?>
<ZAP>
    <core>
        <version>2.16.0</version>
        <daily-version>D-2024-12-02</daily-version>
        <daily>
            <url>https://example.com/2024-12-02/ZAP_WEEKLY_D-2024-12-02.zip</url>
            <file>ZAP_WEEKLY_D-2024-12-02.zip</file>
            <hash>SHA-256:b3f642e3520b6990df2fa46fb30ba140397df989ef604781ec494ff431f63e46</hash>
            <size>100</size>
        </daily>
        <linux>
            <url>https://example.com/v2.16.0/ZAP_2.16.0_Linux.tar.gz</url>
            <file>ZAP_2.16.0_Linux.tar.gz</file>
            <hash>SHA-256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855</hash>
            <size>200</size>
        </linux>
    </core>
    <addon>ascanrules</addon>
    <addon_ascanrules>
        <name>Active scanner rules</name>
        <version>44</version>
        <file>ascanrules-release-44.zap</file>
        <status>release</status>
        <url>https://example.com/ascanrules-release-44.zap</url>
        <hash>SHA-256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855</hash>
        <size>300</size>
    </addon_ascanrules>
</ZAP>
`

type fakeSource struct {
	content map[string][]byte
	fetches map[string]int
	dir     string
}

func newFakeSource(t *testing.T) *fakeSource {
	return &fakeSource{content: make(map[string][]byte), fetches: make(map[string]int), dir: t.TempDir()}
}

func (f *fakeSource) Fetch(_ context.Context, rawURL string, alg checksum.Algorithm) (*artifact.File, error) {
	f.fetches[rawURL]++
	data, ok := f.content[rawURL]
	if !ok {
		return nil, fmt.Errorf("unexpected status code: 404")
	}
	name, err := artifact.FileNameFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	p := filepath.Join(f.dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return nil, err
	}
	sum, n, err := checksum.ComputeSize(bytes.NewReader(data), alg)
	if err != nil {
		return nil, err
	}
	return &artifact.File{URL: rawURL, Name: name, Path: p, Size: n, Checksum: sum}, nil
}

func (f *fakeSource) FetchVerified(ctx context.Context, rawURL string, alg checksum.Algorithm, expected string) (*artifact.File, error) {
	file, err := f.Fetch(ctx, rawURL, alg)
	if err != nil {
		return nil, err
	}
	if err := checksum.Verify(file.Checksum, expected); err != nil {
		return nil, err
	}
	return file, nil
}

func newTestUpdater(source Source) *Updater {
	log := logrus.New()
	log.Out = io.Discard
	return New(log, source)
}

func writeDescriptors(t *testing.T, names ...string) []string {
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(paths[i], []byte(baseDescriptor), 0o644))
	}
	return paths
}

func sumOf(t *testing.T, data []byte) checksum.Checksum {
	c, err := checksum.Compute(bytes.NewReader(data), checksum.SHA256)
	require.NoError(t, err)
	return c
}

func TestReplaceVersionTokens(t *testing.T) {
	require.Equal(t, "ZAP_2_17_0_windows.exe", ReplaceVersionTokens("ZAP_@@VERSION_UNDERSCORES@@_windows.exe", "2.17.0"))
	require.Equal(t, "https://example.com/v2.17.0/", ReplaceVersionTokens("https://example.com/v@@VERSION@@/", "2.17.0"))
}

func TestUpdateMainRelease(t *testing.T) {
	src := newFakeSource(t)
	linux := []byte("linux-2.17.0")
	src.content["https://example.com/v2.17.0/ZAP_2.17.0_Linux.tar.gz"] = linux
	targets := writeDescriptors(t, "ZapVersions-2.17.xml", "ZapVersions-dev.xml")

	res, err := newTestUpdater(src).UpdateMainRelease(context.Background(), MainRelease{
		Version:         "2.17.0",
		ReleaseNotes:    "Bug fix and enhancement release.",
		ReleaseNotesURL: "https://www.zaproxy.org/docs/desktop/releases/@@VERSION@@/",
		BaseDownloadURL: "https://example.com/v@@VERSION@@/",
		Platforms:       map[string]string{"linux": "ZAP_@@VERSION@@_Linux.tar.gz"},
		Targets:         targets,
	})
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Equal(t, 1, src.fetches["https://example.com/v2.17.0/ZAP_2.17.0_Linux.tar.gz"])

	// nothing is written before Save
	d, err := descriptor.Load(targets[0])
	require.NoError(t, err)
	require.Equal(t, "2.16.0", d.CoreVersion())

	require.NoError(t, res.Save())
	for _, p := range targets {
		d, err := descriptor.Load(p)
		require.NoError(t, err)
		require.Equal(t, "2.17.0", d.CoreVersion())
		require.Equal(t, "https://www.zaproxy.org/docs/desktop/releases/2.17.0/", d.ReleaseNotesURL())
		slot, ok := d.Platform("linux")
		require.True(t, ok)
		require.Equal(t, "https://example.com/v2.17.0/ZAP_2.17.0_Linux.tar.gz", slot.URL)
		require.True(t, sumOf(t, linux).Equal(slot.Checksum))
		require.Equal(t, int64(len(linux)), slot.Size)
		require.Equal(t, "D-2024-12-02", d.DailyVersion())
		_, ok = d.AddOn("ascanrules")
		require.True(t, ok)
	}
}

func TestUpdateMainReleaseAgain(t *testing.T) {
	src := newFakeSource(t)
	src.content["https://example.com/v2.17.0/ZAP_2.17.0_Linux.tar.gz"] = []byte("linux-2.17.0")
	targets := writeDescriptors(t, "ZapVersions.xml")
	u := newTestUpdater(src)
	rel := MainRelease{
		Version:         "2.17.0",
		ReleaseNotes:    "Bug fix and enhancement release.",
		ReleaseNotesURL: "https://www.zaproxy.org/docs/desktop/releases/@@VERSION@@/",
		BaseDownloadURL: "https://example.com/v@@VERSION@@/",
		Platforms:       map[string]string{"linux": "ZAP_@@VERSION@@_Linux.tar.gz"},
		Targets:         targets,
	}
	res, err := u.UpdateMainRelease(context.Background(), rel)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.NoError(t, res.Save())

	rel.ReleaseNotes = ""
	res, err = u.UpdateMainRelease(context.Background(), rel)
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.Empty(t, res.Summary)

	d, err := descriptor.Load(targets[0])
	require.NoError(t, err)
	require.Equal(t, "Bug fix and enhancement release.", d.ReleaseNotes())
}

func TestUpdateMainReleaseFailure(t *testing.T) {
	src := newFakeSource(t)
	targets := writeDescriptors(t, "ZapVersions.xml")
	u := newTestUpdater(src)

	_, err := u.UpdateMainRelease(context.Background(), MainRelease{
		Version:         "2.17.0",
		BaseDownloadURL: "https://example.com/v@@VERSION@@/",
		Platforms:       map[string]string{"linux": "ZAP_@@VERSION@@_Linux.tar.gz"},
		Targets:         targets,
	})
	require.ErrorContains(t, err, "failed to fetch linux artifact")

	_, err = u.UpdateMainRelease(context.Background(), MainRelease{
		Version:         "2.17.0",
		BaseDownloadURL: "http://example.com/",
		Platforms:       map[string]string{"linux": "ZAP.tar.gz"},
		Targets:         targets,
	})
	require.ErrorIs(t, err, artifact.ErrInsecureURL)

	_, err = u.UpdateMainRelease(context.Background(), MainRelease{Version: "next", Targets: targets})
	var validationErr *descriptor.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestPeriodicVersion(t *testing.T) {
	v, err := PeriodicVersion("ZAP_WEEKLY_D-2024-12-09.zip")
	require.NoError(t, err)
	require.Equal(t, "D-2024-12-09", v)

	_, err = PeriodicVersion("ZAP_2.17.0.zip")
	require.Error(t, err)
	_, err = PeriodicVersion("ZAP_WEEKLY_D-2024-12-09.tar.gz")
	require.Error(t, err)
}

func TestUpdatePeriodicReleaseFromFile(t *testing.T) {
	weekly := []byte("weekly")
	p := filepath.Join(t.TempDir(), "ZAP_WEEKLY_D-2024-12-09.zip")
	require.NoError(t, os.WriteFile(p, weekly, 0o644))
	targets := writeDescriptors(t, "ZapVersions.xml")

	res, err := newTestUpdater(newFakeSource(t)).UpdatePeriodicRelease(context.Background(), PeriodicRelease{
		File:            p,
		BaseDownloadURL: "https://github.com/zaproxy/zaproxy/releases/download/w",
		Targets:         targets,
	})
	require.NoError(t, err)
	require.NoError(t, res.Save())

	d, err := descriptor.Load(targets[0])
	require.NoError(t, err)
	require.Equal(t, "D-2024-12-09", d.DailyVersion())
	daily, ok := d.Daily()
	require.True(t, ok)
	require.Equal(t, "https://github.com/zaproxy/zaproxy/releases/download/w2024-12-09/ZAP_WEEKLY_D-2024-12-09.zip", daily.URL)
	require.True(t, sumOf(t, weekly).Equal(daily.Checksum))
	require.Equal(t, "2.16.0", d.CoreVersion())
	linux, _ := d.Platform("linux")
	require.Equal(t, int64(200), linux.Size)
}

func TestUpdatePeriodicReleaseFromURL(t *testing.T) {
	weekly := []byte("weekly")
	src := newFakeSource(t)
	dlURL := "https://example.com/w2024-12-09/ZAP_WEEKLY_D-2024-12-09.zip"
	src.content[dlURL] = weekly
	targets := writeDescriptors(t, "ZapVersions.xml")
	u := newTestUpdater(src)

	_, err := u.UpdatePeriodicRelease(context.Background(), PeriodicRelease{URL: dlURL, Targets: targets})
	require.ErrorContains(t, err, "checksum must be provided")

	_, err = u.UpdatePeriodicRelease(context.Background(), PeriodicRelease{URL: dlURL, ExpectedChecksum: sumOf(t, []byte("other")).String(), Targets: targets})
	var mismatch *checksum.MismatchError
	require.ErrorAs(t, err, &mismatch)

	res, err := u.UpdatePeriodicRelease(context.Background(), PeriodicRelease{URL: dlURL, ExpectedChecksum: sumOf(t, weekly).String(), Targets: targets})
	require.NoError(t, err)
	files, err := res.Files()
	require.NoError(t, err)
	require.Contains(t, string(files[targets[0]]), "<daily-version>D-2024-12-09</daily-version>")
}

func manifest(name, version string) string {
	return fmt.Sprintf(`<zapaddon>
    <name>%s</name>
    <version>%s</version>
    <status>release</status>
    <author>ZAP Dev Team</author>
    <url>https://www.zaproxy.org/docs/desktop/addons/</url>
</zapaddon>`, name, version)
}

func writeAddOn(t *testing.T, dir, fileName, manifestXML string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("ZapAddOn.xml")
	require.NoError(t, err)
	_, err = io.WriteString(w, manifestXML)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	if dir != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), buf.Bytes(), 0o644))
	}
	return buf.Bytes()
}

func TestUpdateAddOnsHighestVersionWins(t *testing.T) {
	dir := t.TempDir()
	writeAddOn(t, dir, "ascanrules-release-45.zap", manifest("Active scanner rules", "45"))
	v46 := writeAddOn(t, dir, "ascanrules-release-46.zap", manifest("Active scanner rules", "46"))
	targets := writeDescriptors(t, "ZapVersions.xml")

	res, err := newTestUpdater(newFakeSource(t)).UpdateAddOns(context.Background(), AddOnRelease{
		Dir:         dir,
		DownloadURL: "https://github.com/zaproxy/zap-extensions/releases/download/@@ID@@-v@@VERSION@@/",
		Date:        "2024-12-10",
		Targets:     targets,
	})
	require.NoError(t, err)
	require.NoError(t, res.Err())
	require.Equal(t, []string{"ascanrules 45 (superseded by 46)"}, res.Superseded)
	require.Equal(t, []string{"Active scanner rules version 46"}, res.Summary)
	require.NoError(t, res.Save())

	d, err := descriptor.Load(targets[0])
	require.NoError(t, err)
	e, ok := d.AddOn("ascanrules")
	require.True(t, ok)
	require.Equal(t, "46", e.Version)
	require.Equal(t, "2024-12-10", e.Date)
	require.Equal(t, "https://github.com/zaproxy/zap-extensions/releases/download/ascanrules-v46/ascanrules-release-46.zap", e.URL)
	require.True(t, sumOf(t, v46).Equal(e.Checksum))
	require.Equal(t, "https://www.zaproxy.org/docs/desktop/addons/", e.Info)
}

func TestUpdateAddOnsSameVersionDifferentContent(t *testing.T) {
	dir := t.TempDir()
	writeAddOn(t, dir, "ascanrules-release-46.zap", manifest("Active scanner rules", "46"))
	writeAddOn(t, dir, "ascanrules-beta-46.zap", manifest("Active scanner rules (beta)", "46"))
	writeAddOn(t, dir, "pscanrules-release-60.zap", manifest("Passive scanner rules", "60"))
	targets := writeDescriptors(t, "ZapVersions.xml")

	res, err := newTestUpdater(newFakeSource(t)).UpdateAddOns(context.Background(), AddOnRelease{
		Dir:         dir,
		DownloadURL: "https://example.com/",
		Targets:     targets,
	})
	require.NoError(t, err)
	require.Empty(t, res.Superseded)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "ascanrules", res.Failures[0].Item)
	var conflict *descriptor.ConflictError
	require.ErrorAs(t, res.Err(), &conflict)
	require.Equal(t, "46", conflict.Version)
	require.Equal(t, []string{"Passive scanner rules version 60"}, res.Summary)

	require.NoError(t, res.Save())
	d, err := descriptor.Load(targets[0])
	require.NoError(t, err)
	e, ok := d.AddOn("ascanrules")
	require.True(t, ok)
	require.Equal(t, "44", e.Version)
}

func TestUpdateAddOnsIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	writeAddOn(t, dir, "pscanrules-release-60.zap", manifest("Passive scanner rules", "60"))
	writeAddOn(t, dir, "broken-alpha-1.zap", "<zapaddon/>")
	writeAddOn(t, dir, "ascanrules-release-43.zap", manifest("Active scanner rules", "43"))
	targets := writeDescriptors(t, "ZapVersions.xml")

	res, err := newTestUpdater(newFakeSource(t)).UpdateAddOns(context.Background(), AddOnRelease{
		Dir:         dir,
		DownloadURL: "https://example.com/",
		Targets:     targets,
	})
	require.NoError(t, err)
	require.Len(t, res.Failures, 2)
	var batchErr *BatchError
	require.ErrorAs(t, res.Err(), &batchErr)
	var validationErr *descriptor.ValidationError
	require.ErrorAs(t, res.Err(), &validationErr)

	require.NoError(t, res.Save())
	d, err := descriptor.Load(targets[0])
	require.NoError(t, err)
	e, ok := d.AddOn("pscanrules")
	require.True(t, ok)
	require.Equal(t, "60", e.Version)
	e, _ = d.AddOn("ascanrules")
	require.Equal(t, "44", e.Version)
}

func TestUpdateAddOnsSameReleaseIsNoop(t *testing.T) {
	dir := t.TempDir()
	writeAddOn(t, dir, "pscanrules-release-60.zap", manifest("Passive scanner rules", "60"))
	targets := writeDescriptors(t, "ZapVersions.xml")
	u := newTestUpdater(newFakeSource(t))
	rel := AddOnRelease{Dir: dir, DownloadURL: "https://example.com/", Date: "2024-12-10", Targets: targets}

	res, err := u.UpdateAddOns(context.Background(), rel)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.NoError(t, res.Save())
	first, err := os.ReadFile(targets[0])
	require.NoError(t, err)

	res, err = u.UpdateAddOns(context.Background(), rel)
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.NoError(t, res.Err())
	require.NoError(t, res.Save())
	second, err := os.ReadFile(targets[0])
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestUpdateAddOnsFromReleaseData(t *testing.T) {
	src := newFakeSource(t)
	data := writeAddOn(t, "", "pscanrules-release-60.zap", manifest("Passive scanner rules", "60"))
	dlURL := "https://example.com/pscanrules-v60/pscanrules-release-60.zap"
	src.content[dlURL] = data
	targets := writeDescriptors(t, "ZapVersions.xml")

	res, err := newTestUpdater(src).UpdateAddOns(context.Background(), AddOnRelease{
		Releases: []artifact.Release{
			{URL: dlURL, Checksum: sumOf(t, data).String()},
			{URL: "https://example.com/missing-release-1.zap"},
		},
		Targets: targets,
	})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "https://example.com/missing-release-1.zap", res.Failures[0].Item)
	e, ok := res.Descriptors[targets[0]].AddOn("pscanrules")
	require.True(t, ok)
	require.Equal(t, dlURL, e.URL)
}

func TestUpdateAddOnsStrictDependencies(t *testing.T) {
	dir := t.TempDir()
	writeAddOn(t, dir, "graphql-alpha-1.zap", `<zapaddon>
    <name>GraphQL</name>
    <version>1</version>
    <dependencies><addons><addon><id>commonlib</id></addon></addons></dependencies>
</zapaddon>`)
	targets := writeDescriptors(t, "ZapVersions.xml")
	u := newTestUpdater(newFakeSource(t))
	rel := AddOnRelease{Dir: dir, DownloadURL: "https://example.com/", Targets: targets, StrictDependencies: true}

	res, err := u.UpdateAddOns(context.Background(), rel)
	require.NoError(t, err)
	require.ErrorContains(t, res.Err(), "dependency commonlib not found")

	rel.AllowedExternal = []string{"commonlib"}
	res, err = u.UpdateAddOns(context.Background(), rel)
	require.NoError(t, err)
	require.NoError(t, res.Err())
}
