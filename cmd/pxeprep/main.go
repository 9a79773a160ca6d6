package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alpinepi/pxeprep/lib/providers"
)

func main() {
	if err := run(); err != nil {
		slog.Error("preparation failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logger := providers.ProvideLogger()
	slog.SetDefault(logger)

	cfg, err := providers.ProvideConfig()
	if err != nil {
		return err
	}

	client := providers.ProvideHTTPClient(logger)

	pipeline, err := providers.ProvidePipeline(cfg, client, logger)
	if err != nil {
		return err
	}
	// Teardown is unconditional: success, fatal error or interruption.
	defer pipeline.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("preparing netboot environment",
		"board", cfg.Board, "tftp_dir", cfg.TFTPDir, "work_dir", pipeline.WorkDir())

	res, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}

	for _, w := range res.Warnings {
		logger.Warn("completed with degraded step", "warning", w)
	}
	logger.Info("netboot environment ready",
		"version", res.Version, "patch", res.Patch,
		"boot_dir", res.BootDir, "overlay", res.OverlayPath,
		"warnings", len(res.Warnings))

	return nil
}
