package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	// Board is the short board identifier; it names the overlay archive
	// (<board>.apkovl.tar.gz) and the hostname inside the answers file.
	Board string `json:"board"`
	// ServerAddr is the HTTP address that will serve the overlay archive.
	ServerAddr string `json:"server_addr"`
	// TFTPDir is the directory served over TFTP; boot artifacts land in a
	// per-version subdirectory underneath it.
	TFTPDir string `json:"tftp_dir"`

	MirrorURL   string `json:"mirror_url"`
	FirmwareURL string `json:"firmware_url"`

	// DefaultVersion is used when the release index cannot be parsed.
	DefaultVersion string `json:"default_version"`
	// ReleaseDirArch is the architecture component of release directory URLs.
	ReleaseDirArch string `json:"release_dir_arch"`
	// FileArch is the architecture suffix of release file names.
	FileArch string `json:"file_arch"`

	// Packages are installed into the root filesystem via chroot.
	Packages []string `json:"packages"`

	// MaxRootfsSize caps minirootfs extraction, e.g. "1GB".
	MaxRootfsSize string `json:"max_rootfs_size"`

	DNSServer string `json:"dns_server"`
	Domain    string `json:"domain"`
	Timezone  string `json:"timezone"`
}

// Load loads configuration from environment variables
// Automatically loads .env file if present; if PXEPREP_PROFILE points at a
// YAML profile, its non-empty fields override the environment values.
func Load() (*Config, error) {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Board:          getEnv("BOARD", "cp1"),
		ServerAddr:     getEnv("SERVER_ADDR", "192.168.1.2"),
		TFTPDir:        getEnv("TFTP_DIR", "/var/tftpboot"),
		MirrorURL:      getEnv("MIRROR_URL", "https://dl-cdn.alpinelinux.org/alpine"),
		FirmwareURL:    getEnv("FIRMWARE_URL", "https://github.com/raspberrypi/firmware/raw/master/boot"),
		DefaultVersion: getEnv("DEFAULT_VERSION", "3.20"),
		ReleaseDirArch: getEnv("RELEASE_DIR_ARCH", "arm64"),
		FileArch:       getEnv("FILE_ARCH", "aarch64"),
		Packages:       splitList(getEnv("PACKAGES", "openssh,chrony,alpine-conf,avahi")),
		MaxRootfsSize:  getEnv("MAX_ROOTFS_SIZE", "1GB"),
		DNSServer:      getEnv("DNS_SERVER", "1.1.1.1"),
		Domain:         getEnv("DOMAIN", "lan"),
		Timezone:       getEnv("TIMEZONE", "UTC"),
	}

	if profile := os.Getenv("PXEPREP_PROFILE"); profile != "" {
		if err := cfg.applyProfile(profile); err != nil {
			return nil, fmt.Errorf("load profile %s: %w", profile, err)
		}
	}

	if _, err := cfg.MaxRootfsBytes(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyProfile overlays non-empty fields from a YAML profile file.
func (c *Config) applyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	setIfNotEmpty(&c.Board, overlay.Board)
	setIfNotEmpty(&c.ServerAddr, overlay.ServerAddr)
	setIfNotEmpty(&c.TFTPDir, overlay.TFTPDir)
	setIfNotEmpty(&c.MirrorURL, overlay.MirrorURL)
	setIfNotEmpty(&c.FirmwareURL, overlay.FirmwareURL)
	setIfNotEmpty(&c.DefaultVersion, overlay.DefaultVersion)
	setIfNotEmpty(&c.ReleaseDirArch, overlay.ReleaseDirArch)
	setIfNotEmpty(&c.FileArch, overlay.FileArch)
	setIfNotEmpty(&c.MaxRootfsSize, overlay.MaxRootfsSize)
	setIfNotEmpty(&c.DNSServer, overlay.DNSServer)
	setIfNotEmpty(&c.Domain, overlay.Domain)
	setIfNotEmpty(&c.Timezone, overlay.Timezone)
	if len(overlay.Packages) > 0 {
		c.Packages = overlay.Packages
	}
	return nil
}

// BootDir returns the boot directory for a resolved version, keyed under the
// TFTP root.
func (c *Config) BootDir(version string) string {
	return filepath.Join(c.TFTPDir, version)
}

// MaxRootfsBytes parses the configured extraction cap.
func (c *Config) MaxRootfsBytes() (int64, error) {
	size, err := datasize.ParseString(c.MaxRootfsSize)
	if err != nil {
		return 0, fmt.Errorf("parse max rootfs size %q: %w", c.MaxRootfsSize, err)
	}
	return int64(size.Bytes()), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
