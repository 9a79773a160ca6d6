package artifacts

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFetchFirmware_AllPresent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("blob:" + req.URL.Path))
	}))
	defer ts.Close()

	bootDir := t.TempDir()
	f := NewFetcher(ts.Client(), ts.URL, ts.URL, "arm64", bootDir, testLogger())

	require.NoError(t, f.FetchFirmware(context.Background()))

	for _, fw := range RPi4Firmware {
		content, err := os.ReadFile(filepath.Join(bootDir, fw.Name))
		require.NoError(t, err)
		assert.Equal(t, "blob:/"+fw.Name, string(content))
	}
}

func TestFetchFirmware_AlternateName(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/start4.elf", "/fixup4.dat":
			http.NotFound(w, req)
		default:
			w.Write([]byte("blob"))
		}
	}))
	defer ts.Close()

	bootDir := t.TempDir()
	f := NewFetcher(ts.Client(), ts.URL, ts.URL, "arm64", bootDir, testLogger())

	require.NoError(t, f.FetchFirmware(context.Background()))

	// alternate content lands under the primary name
	_, err := os.Stat(filepath.Join(bootDir, "start4.elf"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(bootDir, "fixup4.dat"))
	assert.NoError(t, err)
}

func TestFetchFirmware_ExhaustedVariantsFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer ts.Close()

	f := NewFetcher(ts.Client(), ts.URL, ts.URL, "arm64", t.TempDir(), testLogger())

	err := f.FetchFirmware(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestFetchBootImages(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		paths = append(paths, req.URL.Path)
		w.Write([]byte("image"))
	}))
	defer ts.Close()

	bootDir := t.TempDir()
	f := NewFetcher(ts.Client(), ts.URL, ts.URL, "arm64", bootDir, testLogger())

	require.NoError(t, f.FetchBootImages(context.Background(), "3.20"))

	assert.Equal(t, []string{
		"/v3.20/releases/arm64/netboot/vmlinuz-rpi",
		"/v3.20/releases/arm64/netboot/initramfs-rpi",
	}, paths)

	_, err := os.Stat(filepath.Join(bootDir, "vmlinuz-rpi"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(bootDir, "initramfs-rpi"))
	assert.NoError(t, err)
}

func TestDownload_NoPartialLeftBehind(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer ts.Close()

	bootDir := t.TempDir()
	f := NewFetcher(ts.Client(), ts.URL, ts.URL, "arm64", bootDir, testLogger())

	err := f.FetchBootImages(context.Background(), "3.20")
	require.Error(t, err)

	entries, err := os.ReadDir(bootDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
