package buildcache

import (
	"archive/zip"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.skia.org/autophone/go/testutils/unittest"
)

func TestParseBuildTxt(t *testing.T) {
	unittest.SmallTest(t)

	id, changeset, tree, revision, err := ParseBuildTxt(
		"20160401003005\nhttps://hg.mozilla.org/mozilla-central/rev/abcdef012345\n")
	require.NoError(t, err)
	require.Equal(t, "20160401003005", id)
	require.Equal(t, "https://hg.mozilla.org/mozilla-central/rev/abcdef012345", changeset)
	require.Equal(t, "mozilla-central", tree)
	require.Equal(t, "abcdef012345", revision)

	// A missing changeset line yields the local placeholder.
	_, changeset, tree, revision, err = ParseBuildTxt("20160401003005")
	require.NoError(t, err)
	require.Equal(t, "file://local/rev/local", changeset)
	require.Equal(t, "local", tree)
	require.Equal(t, "local", revision)

	_, _, _, _, err = ParseBuildTxt("not-a-buildid\nwhatever")
	require.Error(t, err)

	_, _, _, _, err = ParseBuildTxt("")
	require.Error(t, err)
}

func TestBuildDate(t *testing.T) {
	unittest.SmallTest(t)

	b := &Build{ID: "20160401100000"}
	ts, err := b.Date()
	require.NoError(t, err)
	require.Equal(t, time.Date(2016, time.April, 1, 10, 0, 0, 0, time.UTC), ts)

	b.ID = "bogus"
	_, err = b.Date()
	require.Error(t, err)

	require.False(t, b.TryBuild())
	b.Tree = "try"
	require.True(t, b.TryBuild())
}

func TestSibling(t *testing.T) {
	unittest.SmallTest(t)

	require.Equal(t,
		"http://example.com/builds/robocop.apk",
		sibling("http://example.com/builds/fennec-43.0.en-US.android-arm.apk", "robocop.apk"))
}

// writeAPK writes a minimal apk containing the metadata files the cache
// reads.
func writeAPK(t *testing.T, path, appName, repo string) {
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)

	w, err := zw.Create("application.ini")
	require.NoError(t, err)
	_, err = w.Write([]byte(`[App]
Version=43.0a1
BuildID=20160401003005
SourceStamp=abcdef012345
SourceRepository=` + repo + "\n"))
	require.NoError(t, err)

	w, err = zw.Create("package-name.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte(appName + "\n"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestCacheGetLocalBuild(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	srcDir := t.TempDir()
	writeAPK(t, filepath.Join(srcDir, "fennec.apk"), "org.mozilla.fennec",
		"https://hg.mozilla.org/mozilla-central")

	cache, err := NewCache(t.TempDir(), "", 0)
	require.NoError(t, err)

	build, err := cache.Get(ctx, "file://"+filepath.Join(srcDir, "fennec.apk"), false, false)
	require.NoError(t, err)
	require.Equal(t, "org.mozilla.fennec", build.AppName)
	require.Equal(t, "mozilla-central", build.Tree)
	require.Equal(t, "20160401003005", build.ID)
	require.Equal(t, "abcdef012345", build.Revision)
	require.Equal(t, "http://hg.mozilla.org/mozilla-central/rev/abcdef012345", build.Changeset)
	require.Equal(t, "43.0a1", build.Version)
	require.Equal(t, "opt", build.BuildType)
	require.FileExists(t, build.APK)
	require.Empty(t, build.SymbolsDir)
}

func TestCacheOverrideDir(t *testing.T) {
	unittest.MediumTest(t)

	ctx := context.Background()
	overrideDir := t.TempDir()

	// An override dir without a build is rejected up front.
	_, err := NewCache(t.TempDir(), overrideDir, 0)
	require.Error(t, err)

	writeAPK(t, filepath.Join(overrideDir, "build.apk"), "org.mozilla.fennec",
		"https://hg.mozilla.org/try")
	cache, err := NewCache(t.TempDir(), overrideDir, 0)
	require.NoError(t, err)

	build, err := cache.Get(ctx, "http://example.com/fennec.apk", false, false)
	require.NoError(t, err)
	require.Equal(t, overrideDir, build.Dir)
	require.Equal(t, "try", build.Tree)
	require.True(t, build.TryBuild())
}

func TestCacheClean(t *testing.T) {
	unittest.MediumTest(t)

	cacheDir := t.TempDir()
	cache, err := NewCache(cacheDir, "", 0)
	require.NoError(t, err)
	cache.maxBuilds = 1

	old := time.Now().Add(-72 * time.Hour)
	for i, name := range []string{"aaa", "bbb", "ccc"} {
		dir := filepath.Join(cacheDir, name)
		require.NoError(t, os.MkdirAll(dir, 0755))
		lastUsed := filepath.Join(dir, "lastused")
		require.NoError(t, os.WriteFile(lastUsed, nil, 0644))
		mtime := old.Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(lastUsed, mtime, mtime))
	}
	// A dir without a lastused marker is not a build and must survive.
	require.NoError(t, os.MkdirAll(filepath.Join(cacheDir, "not-a-build"), 0755))

	cache.clean(context.Background(), "ccc")

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	// ccc preserved, not-a-build kept, and of aaa/bbb only the newest one
	// within the size budget remains.
	require.Contains(t, names, "ccc")
	require.Contains(t, names, "not-a-build")
	require.NotContains(t, names, "aaa")
	require.Len(t, names, 3)
}

func TestServerGet(t *testing.T) {
	unittest.MediumTest(t)

	overrideDir := t.TempDir()
	writeAPK(t, filepath.Join(overrideDir, "build.apk"), "org.mozilla.fennec",
		"https://hg.mozilla.org/mozilla-central")
	cache, err := NewCache(t.TempDir(), overrideDir, 0)
	require.NoError(t, err)
	server := NewServer(cache, DefaultPort)

	ts := httptest.NewServer(server.srv.Handler)
	defer ts.Close()

	client := NewClient(0)
	client.baseURL = ts.URL
	build, err := client.Get(context.Background(), "http://example.com/fennec.apk", false, false)
	require.NoError(t, err)
	require.Equal(t, "org.mozilla.fennec", build.AppName)

	// Missing url parameter is a clean error.
	resp, err := ts.Client().Get(ts.URL + "/build")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 400, resp.StatusCode)
}
