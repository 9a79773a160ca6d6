// Package overlay writes the boot-time configuration into the root
// filesystem tree and packages its etc/ subtree as the apkovl archive.
package overlay

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alpinepi/pxeprep/lib/archive"
	"github.com/u-root/u-root/pkg/cp"
)

// Packager writes overlay configuration files and produces the apkovl
// archive named after the board.
type Packager struct {
	board   string
	bootDir string
	answers AnswersParams
	logger  *slog.Logger
}

// NewPackager creates a packager placing the archive in bootDir.
func NewPackager(board, bootDir string, answers AnswersParams, logger *slog.Logger) *Packager {
	return &Packager{
		board:   board,
		bootDir: bootDir,
		answers: answers,
		logger:  logger,
	}
}

// ArchiveName is the overlay file name the boot command line references.
func (p *Packager) ArchiveName() string {
	return p.board + ".apkovl.tar.gz"
}

// WriteConfigs writes the unattended-setup configuration into the rootfs
// tree. File writes are fatal; clearing the root password is best-effort and
// surfaces as a warning.
func (p *Packager) WriteConfigs(rootfsDir string) ([]string, error) {
	var warnings []string

	var sb strings.Builder
	if err := answersTmpl.Execute(&sb, p.answers); err != nil {
		return nil, fmt.Errorf("render answers: %w", err)
	}

	if err := writeTreeFile(rootfsDir, "etc/answers", sb.String(), 0644); err != nil {
		return nil, err
	}
	if err := writeTreeFile(rootfsDir, "etc/init.d/auto-setup", autoSetupService, 0755); err != nil {
		return nil, err
	}

	// Enable the setup service in the default runlevel
	runlevelDir := filepath.Join(rootfsDir, "etc/runlevels/default")
	if err := os.MkdirAll(runlevelDir, 0755); err != nil {
		return nil, fmt.Errorf("create runlevel dir: %w", err)
	}
	link := filepath.Join(runlevelDir, "auto-setup")
	if err := os.Symlink("/etc/init.d/auto-setup", link); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("enable auto-setup service: %w", err)
	}

	if err := writeTreeFile(rootfsDir, "etc/ssh/sshd_config", sshdConfig, 0644); err != nil {
		return nil, err
	}

	if err := p.clearRootPassword(rootfsDir); err != nil {
		p.logger.Warn("could not clear root password", "error", err)
		warnings = append(warnings, fmt.Sprintf("clear root password: %v", err))
	} else {
		p.logger.Warn("root password cleared: board will accept passwordless root SSH logins")
	}

	if err := writeTreeFile(rootfsDir, "etc/fstab", fstab, 0644); err != nil {
		return nil, err
	}
	if err := writeTreeFile(rootfsDir, "etc/lbu/lbu.conf", lbuConf, 0644); err != nil {
		return nil, err
	}

	return warnings, nil
}

func writeTreeFile(rootfsDir, rel, content string, mode os.FileMode) error {
	path := filepath.Join(rootfsDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// clearRootPassword empties root's password field in etc/shadow.
func (p *Packager) clearRootPassword(rootfsDir string) error {
	shadowPath := filepath.Join(rootfsDir, "etc/shadow")
	data, err := os.ReadFile(shadowPath)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")
	cleared := false
	for i, line := range lines {
		if !strings.HasPrefix(line, "root:") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 2 {
			return fmt.Errorf("malformed root entry in shadow")
		}
		fields[1] = ""
		lines[i] = strings.Join(fields, ":")
		cleared = true
		break
	}
	if !cleared {
		return fmt.Errorf("no root entry in shadow")
	}

	return os.WriteFile(shadowPath, []byte(strings.Join(lines, "\n")), 0600)
}

// Package copies the rootfs etc/ subtree into stagingDir, re-copies the
// package world manifest and answers file if the tree copy missed them, and
// archives the staged etc/ into <bootDir>/<board>.apkovl.tar.gz. Returns the
// archive path and any warnings from the defensive copies.
func (p *Packager) Package(rootfsDir, stagingDir string) (string, []string, error) {
	var warnings []string

	srcEtc := filepath.Join(rootfsDir, "etc")
	dstEtc := filepath.Join(stagingDir, "etc")

	opts := cp.Options{NoFollowSymlinks: true}
	if err := opts.CopyTree(srcEtc, dstEtc); err != nil {
		return "", nil, fmt.Errorf("stage etc tree: %w", err)
	}

	// The tree copy has historically missed files on some hosts; re-copy the
	// two entries the boot process cannot do without and surface a warning
	// when that actually happens, so the root cause stays visible.
	for _, rel := range []string{"apk/world", "answers"} {
		dst := filepath.Join(dstEtc, rel)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("staging copy missed etc/%s, re-copying", rel))
		if err := copyFile(filepath.Join(srcEtc, rel), dst); err != nil {
			p.logger.Warn("defensive copy failed", "file", rel, "error", err)
			warnings = append(warnings, fmt.Sprintf("re-copy etc/%s: %v", rel, err))
		}
	}

	if err := os.MkdirAll(p.bootDir, 0755); err != nil {
		return "", warnings, fmt.Errorf("create boot dir: %w", err)
	}

	outPath := filepath.Join(p.bootDir, p.ArchiveName())
	out, err := os.Create(outPath)
	if err != nil {
		return "", warnings, fmt.Errorf("create %s: %w", outPath, err)
	}

	if err := archive.CreateTarGz(out, dstEtc, "etc"); err != nil {
		out.Close()
		return "", warnings, fmt.Errorf("package overlay: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", warnings, fmt.Errorf("close %s: %w", outPath, err)
	}

	p.logger.Info("overlay packaged", "path", outPath)
	return outPath, warnings, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
