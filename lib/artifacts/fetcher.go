// Package artifacts downloads the boot artifacts served over TFTP: Raspberry
// Pi firmware blobs and the Alpine netboot kernel/initramfs pair.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// ErrDownloadFailed is returned when an artifact cannot be fetched after all
// of its name variants were tried.
var ErrDownloadFailed = errors.New("download failed")

// FirmwareFile names a firmware blob and, where one exists, the cut-down
// variant to retry with when the primary name is missing upstream.
type FirmwareFile struct {
	Name      string
	Alternate string
}

// RPi4Firmware is the firmware set a Raspberry Pi 4 needs to netboot.
var RPi4Firmware = []FirmwareFile{
	{Name: "start4.elf", Alternate: "start4cd.elf"},
	{Name: "fixup4.dat", Alternate: "fixup4cd.dat"},
	{Name: "bcm2711-rpi-4-b.dtb"},
}

// Fetcher downloads boot artifacts into the boot directory. Fetch failures
// that exhaust all name variants are fatal; the artifacts are mandatory.
type Fetcher struct {
	client      *http.Client
	firmwareURL string
	mirrorURL   string
	dirArch     string
	bootDir     string
	logger      *slog.Logger
}

// NewFetcher creates a fetcher writing into bootDir.
func NewFetcher(client *http.Client, firmwareURL, mirrorURL, dirArch, bootDir string, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:      client,
		firmwareURL: firmwareURL,
		mirrorURL:   mirrorURL,
		dirArch:     dirArch,
		bootDir:     bootDir,
		logger:      logger,
	}
}

// FetchFirmware downloads the firmware set, retrying each file's alternate
// name before giving up on it.
func (f *Fetcher) FetchFirmware(ctx context.Context) error {
	for _, fw := range RPi4Firmware {
		dest := filepath.Join(f.bootDir, fw.Name)
		err := f.download(ctx, f.firmwareURL+"/"+fw.Name, dest)
		if err != nil && fw.Alternate != "" {
			f.logger.Warn("firmware fetch failed, trying alternate",
				"name", fw.Name, "alternate", fw.Alternate, "error", err)
			err = f.download(ctx, f.firmwareURL+"/"+fw.Alternate, dest)
		}
		if err != nil {
			return fmt.Errorf("firmware %s: %w", fw.Name, err)
		}
	}
	return nil
}

// FetchBootImages downloads the netboot kernel and initramfs for branch.
func (f *Fetcher) FetchBootImages(ctx context.Context, branch string) error {
	base := fmt.Sprintf("%s/v%s/releases/%s/netboot", f.mirrorURL, branch, f.dirArch)

	for _, name := range []string{"vmlinuz-rpi", "initramfs-rpi"} {
		dest := filepath.Join(f.bootDir, name)
		if err := f.download(ctx, base+"/"+name, dest); err != nil {
			return fmt.Errorf("boot image %s: %w", name, err)
		}
	}
	return nil
}

// download streams url to dest via a .partial file so an interrupted fetch
// never leaves a truncated artifact under the final name.
func (f *Fetcher) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownloadFailed, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrDownloadFailed, url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create boot dir: %w", err)
	}

	partial := dest + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("create %s: %w", partial, err)
	}

	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partial)
		return fmt.Errorf("write %s: %w", dest, err)
	}

	if err := os.Rename(partial, dest); err != nil {
		os.Remove(partial)
		return fmt.Errorf("rename %s: %w", dest, err)
	}

	f.logger.Info("downloaded artifact", "url", url, "path", dest, "bytes", n)
	return nil
}
