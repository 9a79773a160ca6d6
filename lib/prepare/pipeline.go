// Package prepare orchestrates the boot environment preparation pipeline:
// resolve release, fetch artifacts, write boot config, build the root
// filesystem and package the overlay. Stages run strictly in sequence.
package prepare

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/alpinepi/pxeprep/cmd/pxeprep/config"
	"github.com/alpinepi/pxeprep/lib/artifacts"
	"github.com/alpinepi/pxeprep/lib/bootcfg"
	"github.com/alpinepi/pxeprep/lib/overlay"
	"github.com/alpinepi/pxeprep/lib/release"
	"github.com/alpinepi/pxeprep/lib/rootfs"
	"github.com/nrednav/cuid2"
)

// Result summarizes a completed run. Warnings collect every best-effort step
// that degraded instead of aborting.
type Result struct {
	Version     string
	Patch       int
	BootDir     string
	OverlayPath string
	Warnings    []string
}

// Pipeline runs the five preparation stages against one ephemeral work
// directory. It is single-use: one Pipeline, one run, one Cleanup.
type Pipeline struct {
	cfg      *config.Config
	client   *http.Client
	logger   *slog.Logger
	resolver *release.Resolver
	builder  *rootfs.Builder

	workDir     string
	cleanupOnce sync.Once
}

// New creates a pipeline and its uniquely named work directory.
func New(cfg *config.Config, client *http.Client, logger *slog.Logger, resolver *release.Resolver, builder *rootfs.Builder) (*Pipeline, error) {
	workDir := filepath.Join(os.TempDir(), "pxeprep-"+cuid2.Generate())
	if err := os.Mkdir(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	return &Pipeline{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		resolver: resolver,
		builder:  builder,
		workDir:  workDir,
	}, nil
}

// WorkDir returns the run's ephemeral directory.
func (p *Pipeline) WorkDir() string {
	return p.workDir
}

// Cleanup unmounts the pseudo filesystems and removes the work directory.
// It runs at most once per pipeline and swallows per-resource errors so one
// stuck resource never blocks the next. Callers defer it on every exit path.
func (p *Pipeline) Cleanup() {
	p.cleanupOnce.Do(func() {
		p.builder.UnmountAll()
		if err := os.RemoveAll(p.workDir); err != nil {
			p.logger.Warn("remove work dir failed", "path", p.workDir, "error", err)
		}
	})
}

// Run executes the stages in order and returns the run summary. The boot
// directory is left partially populated when a fatal stage aborts the run;
// only the work directory is rolled back, via Cleanup.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	res := &Result{}

	// Stage 1: resolve the release branch and patch (never fatal)
	res.Version = p.resolver.LatestBranch(ctx)
	res.Patch = p.resolver.LatestPatch(ctx, res.Version, p.cfg.ReleaseDirArch, p.cfg.FileArch)
	p.logger.Info("resolved release", "version", res.Version, "patch", res.Patch)

	res.BootDir = p.cfg.BootDir(res.Version)
	if err := os.MkdirAll(res.BootDir, 0755); err != nil {
		return nil, fmt.Errorf("create boot dir: %w", err)
	}

	// Stage 2: fetch firmware and kernel/initramfs
	fetcher := artifacts.NewFetcher(p.client, p.cfg.FirmwareURL, p.cfg.MirrorURL,
		p.cfg.ReleaseDirArch, res.BootDir, p.logger)
	if err := fetcher.FetchFirmware(ctx); err != nil {
		return nil, err
	}
	if err := fetcher.FetchBootImages(ctx, res.Version); err != nil {
		return nil, err
	}

	// Stage 3: boot command line and firmware config
	params := bootcfg.Params{
		Version:    res.Version,
		Board:      p.cfg.Board,
		ServerAddr: p.cfg.ServerAddr,
		MirrorURL:  p.cfg.MirrorURL,
	}
	if err := bootcfg.Write(res.BootDir, params); err != nil {
		return nil, err
	}
	if err := bootcfg.WriteFirmwareConfig(res.BootDir); err != nil {
		return nil, err
	}

	// Stage 4: root filesystem with packages installed
	rootfsDir, err := p.builder.Build(ctx, p.workDir, res.Version, res.Patch)
	if err != nil {
		return nil, err
	}
	res.Warnings = append(res.Warnings, p.builder.MountPseudoFS(rootfsDir)...)
	if err := p.builder.InstallPackages(ctx, rootfsDir); err != nil {
		return nil, err
	}

	// Stage 5: overlay configuration and packaging
	packager := overlay.NewPackager(p.cfg.Board, res.BootDir, overlay.AnswersParams{
		Hostname:  p.cfg.Board,
		Domain:    p.cfg.Domain,
		DNSServer: p.cfg.DNSServer,
		Timezone:  p.cfg.Timezone,
	}, p.logger)

	warnings, err := packager.WriteConfigs(rootfsDir)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return nil, err
	}

	stagingDir := filepath.Join(p.workDir, "staging")
	overlayPath, warnings, err := packager.Package(rootfsDir, stagingDir)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		return nil, err
	}
	res.OverlayPath = overlayPath

	return res, nil
}
