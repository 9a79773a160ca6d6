package overlay

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAnswers() AnswersParams {
	return AnswersParams{
		Hostname:  "cp1",
		Domain:    "lan",
		DNSServer: "1.1.1.1",
		Timezone:  "UTC",
	}
}

// newTestRootfs lays out the minimum tree the packager operates on
func newTestRootfs(t *testing.T) string {
	t.Helper()
	rootfsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfsDir, "etc/apk"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfsDir, "etc/apk/world"),
		[]byte("alpine-base\nopenssh\nchrony\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(rootfsDir, "etc/shadow"),
		[]byte("root:!::0:::::\nbin:!::0:::::\n"), 0600))
	return rootfsDir
}

func archiveEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gzr)

	entries := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var content []byte
		if hdr.Typeflag == tar.TypeReg {
			content, err = io.ReadAll(tr)
			require.NoError(t, err)
		}
		entries[hdr.Name] = string(content)
	}
	return entries
}

func TestWriteConfigs(t *testing.T) {
	rootfsDir := newTestRootfs(t)
	p := NewPackager("cp1", t.TempDir(), testAnswers(), testLogger())

	warnings, err := p.WriteConfigs(rootfsDir)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	answers, err := os.ReadFile(filepath.Join(rootfsDir, "etc/answers"))
	require.NoError(t, err)
	assert.Contains(t, string(answers), `HOSTNAMEOPTS="-n cp1"`)
	assert.Contains(t, string(answers), `DNSOPTS="-d lan 1.1.1.1"`)
	assert.Contains(t, string(answers), `DISKOPTS="none"`)
	assert.Contains(t, string(answers), "iface eth0 inet dhcp")

	sshd, err := os.ReadFile(filepath.Join(rootfsDir, "etc/ssh/sshd_config"))
	require.NoError(t, err)
	assert.Contains(t, string(sshd), "PermitRootLogin yes")

	svc, err := os.Stat(filepath.Join(rootfsDir, "etc/init.d/auto-setup"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), svc.Mode().Perm())

	link, err := os.Readlink(filepath.Join(rootfsDir, "etc/runlevels/default/auto-setup"))
	require.NoError(t, err)
	assert.Equal(t, "/etc/init.d/auto-setup", link)

	shadow, err := os.ReadFile(filepath.Join(rootfsDir, "etc/shadow"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(shadow), "root:::"), "root password not cleared: %q", shadow)
	assert.Contains(t, string(shadow), "bin:!:") // other entries untouched
}

func TestWriteConfigs_MissingShadowIsWarning(t *testing.T) {
	rootfsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfsDir, "etc"), 0755))

	p := NewPackager("cp1", t.TempDir(), testAnswers(), testLogger())

	warnings, err := p.WriteConfigs(rootfsDir)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "clear root password")
}

func TestPackage_ArchiveNameAndContents(t *testing.T) {
	rootfsDir := newTestRootfs(t)
	bootDir := t.TempDir()
	p := NewPackager("cp1", bootDir, testAnswers(), testLogger())

	_, err := p.WriteConfigs(rootfsDir)
	require.NoError(t, err)

	outPath, warnings, err := p.Package(rootfsDir, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, filepath.Join(bootDir, "cp1.apkovl.tar.gz"), outPath)

	entries := archiveEntries(t, outPath)
	assert.Contains(t, entries, "etc/answers")
	assert.Contains(t, entries, "etc/apk/world")
	assert.Contains(t, entries, "etc/ssh/sshd_config")
	assert.Equal(t, "alpine-base\nopenssh\nchrony\n", entries["etc/apk/world"])
}

func TestPackage_MissingWorldSurfacesWarnings(t *testing.T) {
	rootfsDir := newTestRootfs(t)
	p := NewPackager("cp1", t.TempDir(), testAnswers(), testLogger())

	_, err := p.WriteConfigs(rootfsDir)
	require.NoError(t, err)

	// No world file anywhere: the staging copy misses it and the defensive
	// re-copy fails too; both surface as warnings instead of aborting.
	require.NoError(t, os.Remove(filepath.Join(rootfsDir, "etc/apk/world")))

	outPath, warnings, err := p.Package(rootfsDir, t.TempDir())
	require.NoError(t, err)
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "staging copy missed etc/apk/world")
	assert.Contains(t, warnings[1], "re-copy etc/apk/world")

	entries := archiveEntries(t, outPath)
	assert.Contains(t, entries, "etc/answers")
}

func TestArchiveName(t *testing.T) {
	p := NewPackager("cp1", "", AnswersParams{}, testLogger())
	assert.Equal(t, "cp1.apkovl.tar.gz", p.ArchiveName())
}
