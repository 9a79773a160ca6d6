package rootfs

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// pseudoMount describes one host filesystem bound into the rootfs tree so
// apk can run inside it.
type pseudoMount struct {
	source string
	rel    string
	fstype string
	flags  uintptr
	data   string
}

var pseudoMounts = []pseudoMount{
	{source: "/proc", rel: "proc", flags: unix.MS_BIND},
	{source: "/dev", rel: "dev", flags: unix.MS_BIND | unix.MS_REC},
	{source: "/sys", rel: "sys", flags: unix.MS_BIND},
	{source: "tmpfs", rel: "tmp", fstype: "tmpfs", data: "size=64m"},
}

// MountPseudoFS binds the host pseudo filesystems into rootfsDir. Each mount
// is independently best-effort: a failure (typically missing privilege)
// becomes a warning and the rest still proceed, since package installation
// may partially succeed without them.
func (b *Builder) MountPseudoFS(rootfsDir string) []string {
	var warnings []string

	for _, m := range pseudoMounts {
		target := filepath.Join(rootfsDir, m.rel)

		if err := os.MkdirAll(target, 0755); err != nil {
			warnings = append(warnings, fmt.Sprintf("create mount point %s: %v", target, err))
			continue
		}

		if err := b.mount(m.source, target, m.fstype, m.flags, m.data); err != nil {
			b.logger.Warn("pseudo filesystem mount failed, continuing",
				"source", m.source, "target", target, "error", err)
			warnings = append(warnings, fmt.Sprintf("mount %s on %s: %v", m.source, target, err))
			continue
		}

		b.mounted = append(b.mounted, target)
	}

	return warnings
}

// UnmountAll detaches everything MountPseudoFS mounted, in reverse order.
// Errors are swallowed so one stuck mount never blocks the next; calling it
// again is a no-op.
func (b *Builder) UnmountAll() {
	for i := len(b.mounted) - 1; i >= 0; i-- {
		if err := b.unmount(b.mounted[i], 0); err != nil {
			b.logger.Warn("unmount failed", "target", b.mounted[i], "error", err)
		}
	}
	b.mounted = nil
}
