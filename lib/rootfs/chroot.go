package rootfs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// ExitStatus reports how a command run inside the rootfs finished.
type ExitStatus struct {
	Code   int
	Output string
}

// RunInRoot executes argv with its filesystem root substituted by root.
// argv[0] must be an absolute path inside the target tree; lookup on the
// host would resolve the wrong binary. A non-zero exit is reported via
// ExitStatus, not as an error.
func RunInRoot(ctx context.Context, root string, argv []string) (*ExitStatus, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: root}
	cmd.Dir = "/"
	cmd.Env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin"}

	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitStatus{Code: exitErr.ExitCode(), Output: string(out)}, nil
		}
		return nil, fmt.Errorf("run %s in %s: %w", argv[0], root, err)
	}

	return &ExitStatus{Code: 0, Output: string(out)}, nil
}
