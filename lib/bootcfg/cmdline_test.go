package bootcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Content(t *testing.T) {
	p := Params{
		Version:    "3.20",
		Board:      "cp1",
		ServerAddr: "192.168.1.2",
		MirrorURL:  "https://dl-cdn.alpinelinux.org/alpine",
	}

	got, err := Render(p)
	require.NoError(t, err)

	want := "modules=loop,squashfs,sd-mod,usb-storage console=ttyAMA0,115200 ip=dhcp " +
		"alpine_repo=https://dl-cdn.alpinelinux.org/alpine/v3.20/main " +
		"apkovl=http://192.168.1.2/cp1.apkovl.tar.gz\n"
	assert.Equal(t, want, got)
}

func TestRender_Reproducible(t *testing.T) {
	p := Params{
		Version:    "3.20",
		Board:      "cp1",
		ServerAddr: "192.168.1.2",
		MirrorURL:  "https://dl-cdn.alpinelinux.org/alpine",
		Modules:    []string{"loop", "squashfs"},
		Console:    "tty1",
	}

	a, err := Render(p)
	require.NoError(t, err)
	b, err := Render(p)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestWrite(t *testing.T) {
	bootDir := t.TempDir()
	p := Params{
		Version:    "3.20",
		Board:      "cp1",
		ServerAddr: "192.168.1.2",
		MirrorURL:  "http://mirror",
	}

	require.NoError(t, Write(bootDir, p))

	content, err := os.ReadFile(filepath.Join(bootDir, "cmdline.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "apkovl=http://192.168.1.2/cp1.apkovl.tar.gz")
	assert.Contains(t, string(content), "ip=dhcp")
}

func TestWriteFirmwareConfig(t *testing.T) {
	bootDir := t.TempDir()
	require.NoError(t, WriteFirmwareConfig(bootDir))

	content, err := os.ReadFile(filepath.Join(bootDir, "config.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "kernel=vmlinuz-rpi")
	assert.Contains(t, string(content), "initramfs initramfs-rpi")
}
