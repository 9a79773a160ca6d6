// Package bootcfg renders the firmware-side boot configuration: the kernel
// command line and the minimal config.txt the Pi firmware reads before it.
package bootcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// DefaultModules are the kernel modules Alpine needs to reach the overlay.
var DefaultModules = []string{"loop", "squashfs", "sd-mod", "usb-storage"}

// DefaultConsole is the Pi 4 serial console device.
const DefaultConsole = "ttyAMA0,115200"

// Params feed the command-line template. Rendering is deterministic: equal
// params produce byte-identical output.
type Params struct {
	Version    string
	Board      string
	ServerAddr string
	MirrorURL  string
	Modules    []string
	Console    string
}

var cmdlineTmpl = template.Must(template.New("cmdline").Parse(
	`modules={{ .ModuleList }} console={{ .Console }} ip=dhcp alpine_repo={{ .MirrorURL }}/v{{ .Version }}/main apkovl={{ .OverlayURL }}
`))

// OverlayURL is the HTTP URL the booted system fetches the overlay from.
func (p Params) OverlayURL() string {
	return fmt.Sprintf("http://%s/%s.apkovl.tar.gz", p.ServerAddr, p.Board)
}

// ModuleList joins the module names for the modules= parameter.
func (p Params) ModuleList() string {
	return strings.Join(p.Modules, ",")
}

// Render produces the single-line kernel command line.
func Render(p Params) (string, error) {
	if len(p.Modules) == 0 {
		p.Modules = DefaultModules
	}
	if p.Console == "" {
		p.Console = DefaultConsole
	}

	var sb strings.Builder
	if err := cmdlineTmpl.Execute(&sb, p); err != nil {
		return "", fmt.Errorf("render cmdline: %w", err)
	}
	return sb.String(), nil
}

// Write renders the command line into bootDir/cmdline.txt.
func Write(bootDir string, p Params) error {
	content, err := Render(p)
	if err != nil {
		return err
	}

	path := filepath.Join(bootDir, "cmdline.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// firmwareConfig is read by the Pi firmware before the kernel starts.
const firmwareConfig = `[pi4]
enable_uart=1
arm_64bit=1
kernel=vmlinuz-rpi
initramfs initramfs-rpi
`

// WriteFirmwareConfig writes the config.txt the firmware needs next to the
// kernel and initramfs.
func WriteFirmwareConfig(bootDir string) error {
	path := filepath.Join(bootDir, "config.txt")
	if err := os.WriteFile(path, []byte(firmwareConfig), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
