package providers

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/alpinepi/pxeprep/cmd/pxeprep/config"
	"github.com/alpinepi/pxeprep/lib/prepare"
	"github.com/alpinepi/pxeprep/lib/release"
	"github.com/alpinepi/pxeprep/lib/rootfs"
	"github.com/hashicorp/go-retryablehttp"
)

// ProvideLogger provides a structured logger
func ProvideLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// ProvideConfig provides the application configuration
func ProvideConfig() (*config.Config, error) {
	return config.Load()
}

// ProvideHTTPClient provides the HTTP client used for all fetches. Retries
// cover transient transport failures only; exhausting a URL's name variants
// stays fatal at the call sites.
func ProvideHTTPClient(logger *slog.Logger) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = logger
	return rc.StandardClient()
}

// ProvidePipeline wires the resolver, builder and pipeline from config
func ProvidePipeline(cfg *config.Config, client *http.Client, logger *slog.Logger) (*prepare.Pipeline, error) {
	maxBytes, err := cfg.MaxRootfsBytes()
	if err != nil {
		return nil, err
	}

	resolver := release.NewResolver(client, cfg.MirrorURL, cfg.DefaultVersion, logger)
	builder := rootfs.NewBuilder(rootfs.Options{
		Client:   client,
		Mirror:   cfg.MirrorURL,
		DirArch:  cfg.ReleaseDirArch,
		FileArch: cfg.FileArch,
		Packages: cfg.Packages,
		MaxBytes: maxBytes,
		Logger:   logger,
	})

	return prepare.New(cfg, client, logger, resolver, builder)
}
