// Package archive handles the tar.gz formats the boot pipeline consumes and
// produces: the Alpine minirootfs image on the way in, the apkovl overlay on
// the way out.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
)

var (
	// ErrArchiveTooLarge is returned when extracted content exceeds the size limit
	ErrArchiveTooLarge = errors.New("archive content exceeds size limit")
	// ErrInvalidArchivePath is returned when a tar entry has a malicious path
	ErrInvalidArchivePath = errors.New("invalid archive path")
)

// ExtractTarGz extracts a tar.gz archive to destDir, aborting if the extracted
// content exceeds maxBytes. Returns the total extracted bytes on success.
//
// Symlink entries are created verbatim, absolute targets included: the
// minirootfs legitimately carries links like bin/sh -> /bin/busybox and
// etc/mtab -> /proc/self/mounts, and a link is inert at extraction time.
//
// Safety measures against adversarial archives:
// - Tracks cumulative extracted size, aborts immediately if limit exceeded
// - Every entry path is resolved through SecureJoin, which re-roots symlink
//   traversal at destDir, so no write escapes the destination even through
//   previously extracted links
// - Uses io.LimitReader as secondary protection when copying files
func ExtractTarGz(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, fmt.Errorf("create dest dir: %w", err)
	}

	gzr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	var extractedBytes int64

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extractedBytes, fmt.Errorf("read tar header: %w", err)
		}

		targetPath, err := sanitizePath(destDir, header.Name)
		if err != nil {
			return extractedBytes, err
		}

		if extractedBytes+header.Size > maxBytes {
			return extractedBytes, fmt.Errorf("%w: would exceed %d bytes", ErrArchiveTooLarge, maxBytes)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
				return extractedBytes, fmt.Errorf("create dir %s: %w", header.Name, err)
			}

		case tar.TypeReg:
			n, err := extractFile(tr, targetPath, os.FileMode(header.Mode), maxBytes-extractedBytes)
			extractedBytes += n
			if err != nil {
				return extractedBytes, fmt.Errorf("extract %s: %w", header.Name, err)
			}

		case tar.TypeSymlink:
			if err := extractSymlink(targetPath, header.Linkname); err != nil {
				return extractedBytes, fmt.Errorf("symlink %s: %w", header.Name, err)
			}

		case tar.TypeLink:
			linkTarget, err := sanitizePath(destDir, header.Linkname)
			if err != nil {
				return extractedBytes, err
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return extractedBytes, fmt.Errorf("create parent dir for hardlink: %w", err)
			}
			if err := os.Link(linkTarget, targetPath); err != nil {
				return extractedBytes, fmt.Errorf("create hardlink %s: %w", header.Name, err)
			}

		default:
			// Skip other types (devices, fifos, etc.)
			continue
		}
	}

	return extractedBytes, nil
}

// extractFile writes one regular file entry, allowing at most remaining bytes.
func extractFile(tr io.Reader, targetPath string, mode os.FileMode, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return 0, fmt.Errorf("create parent dir: %w", err)
	}

	f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	// +1 so an over-limit entry is detected rather than silently truncated
	n, err := io.Copy(f, io.LimitReader(tr, remaining+1))
	f.Close()
	if err != nil {
		return n, fmt.Errorf("write file: %w", err)
	}
	if n > remaining {
		return n, fmt.Errorf("%w: exceeded limit", ErrArchiveTooLarge)
	}
	return n, nil
}

// extractSymlink creates a symlink entry verbatim. Targets are deliberately
// not validated: escaping or absolute targets cannot redirect later writes
// because sanitizePath resolves every entry path against destDir.
func extractSymlink(targetPath, linkname string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return fmt.Errorf("create parent dir for symlink: %w", err)
	}
	return os.Symlink(linkname, targetPath)
}

// sanitizePath validates and returns a safe path within destDir
func sanitizePath(destDir, name string) (string, error) {
	name = filepath.Clean(name)

	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute path %s", ErrInvalidArchivePath, name)
	}
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: path traversal in %s", ErrInvalidArchivePath, name)
	}

	targetPath, err := securejoin.SecureJoin(destDir, name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidArchivePath, name, err)
	}
	return targetPath, nil
}

// CreateTarGz archives srcDir into w as a gzip-compressed tarball whose
// entries all live under prefix/ (e.g. prefix "etc" yields etc/, etc/apk/...).
// Output is byte-reproducible for identical input trees: entries are walked
// in lexical order and timestamps are zeroed.
func CreateTarGz(w io.Writer, srcDir, prefix string) error {
	gzw := gzip.NewWriter(w)
	tw := tar.NewWriter(gzw)

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		mode := info.Mode()
		if !mode.IsRegular() && !mode.IsDir() && mode&fs.ModeSymlink == 0 {
			return nil
		}

		var link string
		if mode&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			hdr.Name = prefix + "/"
		} else {
			hdr.Name = prefix + "/" + filepath.ToSlash(rel)
			if mode.IsDir() {
				hdr.Name += "/"
			}
		}

		hdr.ModTime = time.Unix(0, 0)
		hdr.AccessTime = time.Time{}
		hdr.ChangeTime = time.Time{}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", hdr.Name, err)
		}

		if mode.IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("write entry %s: %w", hdr.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}
	return nil
}
