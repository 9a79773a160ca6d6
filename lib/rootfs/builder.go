// Package rootfs stages the Alpine minirootfs tree the overlay is built
// from: download, extraction, pseudo-filesystem mounts and chroot package
// installation.
package rootfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/alpinepi/pxeprep/lib/archive"
	"golang.org/x/sys/unix"
)

var (
	// ErrImageUnavailable is returned when both minirootfs URL variants fail
	ErrImageUnavailable = errors.New("minirootfs image unavailable")

	// ErrInstallFailed is returned when package installation inside the
	// chroot exits non-zero
	ErrInstallFailed = errors.New("package installation failed")
)

// Options configure a Builder.
type Options struct {
	Client   *http.Client
	Mirror   string
	DirArch  string
	FileArch string
	Packages []string
	MaxBytes int64
	Logger   *slog.Logger

	// MountFunc, UnmountFunc and RunFunc override the real mount, unmount
	// and chroot implementations. Tests inject fakes here so the builder
	// runs unprivileged.
	MountFunc   func(source, target, fstype string, flags uintptr, data string) error
	UnmountFunc func(target string, flags int) error
	RunFunc     func(ctx context.Context, root string, argv []string) (*ExitStatus, error)
}

// Builder downloads and prepares the root filesystem tree. Mount, unmount and
// chroot execution are injectable so tests can run unprivileged.
type Builder struct {
	client   *http.Client
	mirror   string
	dirArch  string
	fileArch string
	packages []string
	maxBytes int64
	logger   *slog.Logger

	mount   func(source, target, fstype string, flags uintptr, data string) error
	unmount func(target string, flags int) error
	run     func(ctx context.Context, root string, argv []string) (*ExitStatus, error)

	mounted []string
}

// NewBuilder creates a builder, defaulting to the real mount and chroot
// implementations when no overrides are given.
func NewBuilder(opts Options) *Builder {
	b := &Builder{
		client:   opts.Client,
		mirror:   opts.Mirror,
		dirArch:  opts.DirArch,
		fileArch: opts.FileArch,
		packages: opts.Packages,
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger,
		mount:    opts.MountFunc,
		unmount:  opts.UnmountFunc,
		run:      opts.RunFunc,
	}
	if b.mount == nil {
		b.mount = unix.Mount
	}
	if b.unmount == nil {
		b.unmount = unix.Unmount
	}
	if b.run == nil {
		b.run = RunInRoot
	}
	return b
}

// MinirootfsURL is the versioned download URL for a branch and patch.
func (b *Builder) MinirootfsURL(branch string, patch int) string {
	return fmt.Sprintf("%s/v%s/releases/%s/alpine-minirootfs-%s.%d-%s.tar.gz",
		b.mirror, branch, b.dirArch, branch, patch, b.fileArch)
}

// FallbackURL is the latest-stable symlink URL with patch assumed to be 0.
func (b *Builder) FallbackURL(branch string) string {
	return fmt.Sprintf("%s/latest-stable/releases/%s/alpine-minirootfs-%s.0-%s.tar.gz",
		b.mirror, b.dirArch, branch, b.fileArch)
}

// Build downloads the minirootfs for branch/patch and extracts it into
// workDir/rootfs, falling back to the latest-stable URL on failure. Returns
// the extracted tree's path.
func (b *Builder) Build(ctx context.Context, workDir, branch string, patch int) (string, error) {
	rootfsDir := filepath.Join(workDir, "rootfs")

	primary := b.MinirootfsURL(branch, patch)
	if err := b.fetchAndExtract(ctx, primary, rootfsDir); err != nil {
		b.logger.Warn("minirootfs fetch failed, trying latest-stable",
			"url", primary, "error", err)

		os.RemoveAll(rootfsDir)
		fallback := b.FallbackURL(branch)
		if err := b.fetchAndExtract(ctx, fallback, rootfsDir); err != nil {
			return "", fmt.Errorf("%w: tried %s and %s: %v",
				ErrImageUnavailable, primary, fallback, err)
		}
	}

	return rootfsDir, nil
}

func (b *Builder) fetchAndExtract(ctx context.Context, url, rootfsDir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	n, err := archive.ExtractTarGz(resp.Body, rootfsDir, b.maxBytes)
	if err != nil {
		return fmt.Errorf("extract minirootfs: %w", err)
	}

	b.logger.Info("extracted minirootfs", "url", url, "path", rootfsDir, "bytes", n)
	return nil
}

// InstallPackages refreshes the package index and installs the configured
// package set inside the extracted tree. A non-zero apk exit is fatal.
func (b *Builder) InstallPackages(ctx context.Context, rootfsDir string) error {
	cmds := [][]string{
		{"/sbin/apk", "update"},
		append([]string{"/sbin/apk", "add", "--no-cache"}, b.packages...),
	}

	for _, argv := range cmds {
		status, err := b.run(ctx, rootfsDir, argv)
		if err != nil {
			return fmt.Errorf("run %v: %w", argv, err)
		}
		if status.Code != 0 {
			return fmt.Errorf("%w: %v exited %d", ErrInstallFailed, argv, status.Code)
		}
		b.logger.Info("chroot command finished", "argv", argv, "exit", status.Code)
	}
	return nil
}
