// Package buildcache downloads application builds and keeps them in a local
// cache shared by every worker on the host. Workers talk to the cache
// through the HTTP server in server.go so concurrent fetches of the same
// build are serialized in one place.
package buildcache

import (
	"archive/zip"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"go.skia.org/autophone/go/now"
	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
	"go.skia.org/autophone/go/util"
)

const (
	// MaxCachedBuilds is how many expired builds may remain before the
	// oldest are evicted.
	MaxCachedBuilds = 20

	// cacheExpiry is how long an unused build stays fresh.
	cacheExpiry = 24 * time.Hour

	// buildIDFormat parses the 14 digit UTC build stamp.
	buildIDFormat = "20060102150405"

	apkName      = "build.apk"
	metadataName = "metadata.json"
	lastUsedName = "lastused"
)

var (
	// reBuildID matches the first line of a build's sibling .txt file.
	reBuildID = regexp.MustCompile(`^([\d]{14})$`)

	// reChangeset matches the second line, a changeset url.
	reChangeset = regexp.MustCompile(`.*/([^/]*)/rev/(.*)`)
)

// repoURLs maps a tree name to its canonical repository url.
var repoURLs = map[string]string{
	"b2g-inbound":     "http://hg.mozilla.org/integration/b2g-inbound/",
	"fx-team":         "http://hg.mozilla.org/integration/fx-team/",
	"mozilla-aurora":  "http://hg.mozilla.org/releases/mozilla-aurora/",
	"mozilla-beta":    "http://hg.mozilla.org/releases/mozilla-beta/",
	"mozilla-central": "http://hg.mozilla.org/mozilla-central/",
	"mozilla-inbound": "http://hg.mozilla.org/integration/mozilla-inbound/",
	"mozilla-release": "http://hg.mozilla.org/releases/mozilla-release/",
	"try":             "http://hg.mozilla.org/try/",
}

// Build is the metadata of one cached build, everything a worker needs to
// install and report it.
type Build struct {
	// URL is the download url the build was requested by.
	URL string `json:"url"`

	// Dir is the cache directory holding the apk and its companions.
	Dir string `json:"dir"`

	// APK is the path of the application package inside Dir.
	APK string `json:"apk"`

	// SymbolsDir is the extracted crash symbols directory, empty when the
	// build published none.
	SymbolsDir string `json:"symbols_dir,omitempty"`

	// TestsDir is the extracted test archive, empty unless unittests were
	// requested.
	TestsDir string `json:"tests_dir,omitempty"`

	// Tree is the repository the build came from, e.g. "mozilla-central".
	Tree string `json:"tree"`

	// ID is the 14 digit UTC build stamp.
	ID string `json:"id"`

	// Changeset is the url of the source changeset.
	Changeset string `json:"changeset"`

	// Revision is the changeset hash.
	Revision string `json:"revision"`

	// AppName is the Android package name, e.g. "org.mozilla.fennec".
	AppName string `json:"app_name"`

	// Version is the application version.
	Version string `json:"version"`

	// BuildType is "opt" or "debug".
	BuildType string `json:"build_type"`
}

// Date returns the build stamp as a time.
func (b *Build) Date() (time.Time, error) {
	ts, err := time.Parse(buildIDFormat, b.ID)
	if err != nil {
		return time.Time{}, skerr.Wrapf(err, "bad build id %q", b.ID)
	}
	return ts, nil
}

// TryBuild returns true for builds from the try tree.
func (b *Build) TryBuild() bool {
	return b.Tree == "try"
}

// ParseBuildTxt parses the sibling .txt metadata published next to a build:
// the build id on the first line and the changeset url on the second. A
// missing second line yields the placeholder local changeset so builds
// without one remain usable.
func ParseBuildTxt(content string) (id, changeset, tree, revision string, err error) {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) < 1 || lines[0] == "" {
		return "", "", "", "", skerr.Fmt("empty build txt")
	}
	idMatch := reBuildID.FindStringSubmatch(strings.TrimSpace(lines[0]))
	if idMatch == nil {
		return "", "", "", "", skerr.Fmt("no build id in %q", lines[0])
	}
	changeset = "file://local/rev/local"
	if len(lines) >= 2 {
		changeset = strings.TrimSpace(lines[1])
	}
	csMatch := reChangeset.FindStringSubmatch(changeset)
	if csMatch == nil {
		return "", "", "", "", skerr.Fmt("no changeset in %q", changeset)
	}
	return idMatch[1], changeset, csMatch[1], csMatch[2], nil
}

// Cache stores downloaded builds under one directory, keyed by an encoding
// of the build url. Safe for concurrent use; Get serializes on one lock
// since overlapping downloads of different builds are rare and cheap to
// forgo.
type Cache struct {
	dir         string
	overrideDir string
	maxBuilds   int
	client      *http.Client
}

// NewCache returns a Cache rooted at dir keeping at most maxBuilds expired
// builds; maxBuilds < 1 means MaxCachedBuilds. When overrideDir is non-empty
// every Get resolves to that directory instead of downloading; it must
// contain a build.apk.
func NewCache(dir, overrideDir string, maxBuilds int) (*Cache, error) {
	if overrideDir != "" {
		if _, err := os.Stat(filepath.Join(overrideDir, apkName)); err != nil {
			return nil, skerr.Fmt("override build dir %s does not contain a %s", overrideDir, apkName)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, skerr.Wrap(err)
	}
	if maxBuilds < 1 {
		maxBuilds = MaxCachedBuilds
	}
	return &Cache{
		dir:         dir,
		overrideDir: overrideDir,
		maxBuilds:   maxBuilds,
		client:      &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// Get returns the metadata of the cached build for buildURL, downloading the
// apk, symbols, and optionally the test archives first. force re-downloads
// even when cached; local (non-http) urls always force since their content
// may change under the same url.
func (c *Cache) Get(ctx context.Context, buildURL string, enableUnittests, force bool) (*Build, error) {
	if c.overrideDir != "" {
		return c.metadata(ctx, buildURL, c.overrideDir, false)
	}
	remote := isRemote(buildURL)
	force = force || !remote
	key := base64.URLEncoding.EncodeToString([]byte(buildURL))
	c.clean(ctx, key)
	buildDir := filepath.Join(c.dir, key)
	if err := os.MkdirAll(buildDir, 0755); err != nil {
		return nil, skerr.Wrap(err)
	}
	apkPath := filepath.Join(buildDir, apkName)
	if force || !zipOK(apkPath) {
		if err := c.download(ctx, buildURL, apkPath); err != nil {
			return nil, skerr.Wrapf(err, "retrieving build %s", buildURL)
		}
	}
	if err := util.WithWriteFile(filepath.Join(buildDir, lastUsedName), func(io.Writer) error { return nil }); err != nil {
		return nil, skerr.Wrap(err)
	}

	symbolsDir := filepath.Join(buildDir, "symbols")
	if force || !exists(symbolsDir) {
		symbolsURL := strings.TrimSuffix(buildURL, ".apk") + ".crashreporter-symbols.zip"
		if err := c.downloadAndExtract(ctx, symbolsURL, symbolsDir); err != nil {
			// Not every build publishes symbols.
			sklog.Infof("No symbols for %s: %s", buildURL, err)
		}
	}

	if enableUnittests {
		robocopPath := filepath.Join(buildDir, "robocop.apk")
		if force || !exists(robocopPath) {
			robocopURL := sibling(buildURL, "robocop.apk")
			if err := c.download(ctx, robocopURL, robocopPath); err != nil {
				return nil, skerr.Wrapf(err, "retrieving %s", robocopURL)
			}
		}
		testsDir := filepath.Join(buildDir, "tests")
		testsMarker := filepath.Join(buildDir, "tests.zip")
		if force || !exists(testsMarker) {
			testsURL := strings.TrimSuffix(buildURL, ".apk") + ".tests.zip"
			if err := c.download(ctx, testsURL, testsMarker); err != nil {
				return nil, skerr.Wrapf(err, "retrieving %s", testsURL)
			}
			if err := extractZip(testsMarker, testsDir); err != nil {
				return nil, skerr.Wrapf(err, "extracting tests for %s", buildURL)
			}
		}
	}

	return c.metadata(ctx, buildURL, buildDir, remote)
}

// metadata reads the build's metadata, preferring the cached metadata.json
// and falling back to the application.ini and package-name.txt inside the
// apk.
func (c *Cache) metadata(ctx context.Context, buildURL, buildDir string, useCached bool) (*Build, error) {
	metadataPath := filepath.Join(buildDir, metadataName)
	if useCached {
		var build Build
		err := util.WithReadFile(metadataPath, func(r io.Reader) error {
			return json.NewDecoder(r).Decode(&build)
		})
		if err == nil {
			return &build, nil
		}
	}
	appIni, pkgName, err := readAPKMetadata(filepath.Join(buildDir, apkName))
	if err != nil {
		return nil, skerr.Wrapf(err, "reading metadata of %s", buildURL)
	}
	cfg, err := ini.Load(appIni)
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing application.ini of %s", buildURL)
	}
	app := cfg.Section("App")
	rev := app.Key("SourceStamp").String()
	repo := app.Key("SourceRepository").String()
	if repo == "" {
		sklog.Warningf("%s does not specify SourceRepository. Guessing mozilla-central.", buildURL)
		repo = "https://hg.mozilla.org/mozilla-central/"
	}
	tree := ""
	for candidate := range repoURLs {
		if strings.Contains(repo, candidate) {
			tree = candidate
			break
		}
	}
	if tree == "" {
		return nil, skerr.Fmt("build %s has unknown SourceRepository %s", buildURL, repo)
	}
	buildType := "opt"
	if strings.Contains(buildURL, "debug") {
		buildType = "debug"
	}
	build := &Build{
		URL:       buildURL,
		Dir:       buildDir,
		APK:       filepath.Join(buildDir, apkName),
		Tree:      tree,
		ID:        app.Key("BuildID").String(),
		Changeset: repoURLs[tree] + "rev/" + rev,
		Revision:  rev,
		AppName:   pkgName,
		Version:   app.Key("Version").String(),
		BuildType: buildType,
	}
	if exists(filepath.Join(buildDir, "symbols")) {
		build.SymbolsDir = filepath.Join(buildDir, "symbols")
	}
	if exists(filepath.Join(buildDir, "tests")) {
		build.TestsDir = filepath.Join(buildDir, "tests")
	}
	if err := util.WithWriteFile(metadataPath, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(build)
	}); err != nil {
		sklog.Warningf("Failed caching metadata for %s: %s", buildURL, err)
	}
	return build, nil
}

// clean evicts expired builds beyond the cache size, never touching the
// preserved key.
func (c *Cache) clean(ctx context.Context, preserve string) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	type candidate struct {
		name     string
		lastUsed time.Time
	}
	expired := []candidate{}
	cutoff := now.Now(ctx).Add(-cacheExpiry)
	for _, entry := range entries {
		if entry.Name() == preserve {
			continue
		}
		info, err := os.Stat(filepath.Join(c.dir, entry.Name(), lastUsedName))
		if err != nil {
			// Probably not a build dir.
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		expired = append(expired, candidate{name: entry.Name(), lastUsed: info.ModTime()})
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].lastUsed.Before(expired[j].lastUsed) })
	for len(expired) > c.maxBuilds {
		victim := expired[0]
		expired = expired[1:]
		sklog.Infof("Expiring cached build %s", victim.name)
		util.RemoveAll(filepath.Join(c.dir, victim.name))
	}
}

// download retrieves url to dest through a temporary file so an aborted
// transfer never leaves a truncated file behind.
func (c *Cache) download(ctx context.Context, rawURL, dest string) error {
	if !isRemote(rawURL) {
		src := strings.TrimPrefix(rawURL, "file://")
		return util.WithReadFile(src, func(r io.Reader) error {
			return util.WithWriteFile(dest, func(w io.Writer) error {
				_, err := io.Copy(w, r)
				return err
			})
		})
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return skerr.Fmt("GET %s returned %s", rawURL, resp.Status)
	}
	return util.WithWriteFile(dest, func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	})
}

func (c *Cache) downloadAndExtract(ctx context.Context, rawURL, destDir string) error {
	tmp, err := os.CreateTemp("", "autophone-download-")
	if err != nil {
		return skerr.Wrap(err)
	}
	defer func() {
		util.Close(tmp)
		util.Remove(tmp.Name())
	}()
	if err := c.download(ctx, rawURL, tmp.Name()); err != nil {
		return err
	}
	return extractZip(tmp.Name(), destDir)
}

// readAPKMetadata extracts application.ini and package-name.txt from the
// apk, returning the ini contents and the trimmed package name.
func readAPKMetadata(apkPath string) ([]byte, string, error) {
	zr, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, "", skerr.Wrapf(err, "opening %s", apkPath)
	}
	defer util.Close(zr)
	var appIni []byte
	var pkgName string
	for _, f := range zr.File {
		switch f.Name {
		case "application.ini":
			appIni, err = readZipFile(f)
		case "package-name.txt":
			var b []byte
			b, err = readZipFile(f)
			pkgName = strings.TrimSpace(string(b))
		default:
			continue
		}
		if err != nil {
			return nil, "", skerr.Wrapf(err, "extracting %s from %s", f.Name, apkPath)
		}
	}
	if appIni == nil || pkgName == "" {
		return nil, "", skerr.Fmt("%s is missing application.ini or package-name.txt", apkPath)
	}
	return appIni, pkgName, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer util.Close(r)
	return io.ReadAll(r)
}

func extractZip(zipPath, destDir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return skerr.Wrapf(err, "opening %s", zipPath)
	}
	defer util.Close(zr)
	for _, f := range zr.File {
		dest := filepath.Join(destDir, filepath.Clean(f.Name))
		if !strings.HasPrefix(dest, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return skerr.Fmt("%s escapes %s", f.Name, destDir)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return skerr.Wrap(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return skerr.Wrap(err)
		}
		contents, err := readZipFile(f)
		if err != nil {
			return skerr.Wrapf(err, "extracting %s", f.Name)
		}
		if err := util.WithWriteFile(dest, func(w io.Writer) error {
			_, err := w.Write(contents)
			return err
		}); err != nil {
			return skerr.Wrap(err)
		}
	}
	return nil
}

// zipOK returns true if path is a readable zip archive.
func zipOK(path string) bool {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	util.Close(zr)
	return true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isRemote(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && strings.HasPrefix(u.Scheme, "http")
}

// sibling joins name next to the last path element of rawURL.
func sibling(rawURL, name string) string {
	idx := strings.LastIndex(rawURL, "/")
	if idx == -1 {
		return name
	}
	return rawURL[:idx+1] + name
}
