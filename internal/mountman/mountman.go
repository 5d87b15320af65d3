// Package `mountman` owns the local side of the backing image: mounting it
// for archiving, unmounting it before it is handed back to the capture
// source, and checking filesystem consistency through a loopback attach.
//
// Mount and unmount are idempotent.  A failed unmount degrades to a lazy
// detach and is never fatal; correctness is restored on the next
// boot/retry cycle.
package mountman

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bt/teslausb-radxa-zero/pkg/execx"
	"golang.org/x/sys/unix"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Config struct {
	// `BackingImage` is the file acting as the virtual block device.
	BackingImage string
	// `Target` is the local mount point.
	Target string
	// `MountTimeout` bounds a single mount attempt.  Default 10s.
	MountTimeout time.Duration

	Mount   *execx.Tool
	Umount  *execx.Tool
	Losetup *execx.Tool
	Fsck    *execx.Tool
}

type Manager struct {
	lg  Logger
	cfg Config
}

func New(lg Logger, cfg *Config) *Manager {
	c := *cfg
	if c.MountTimeout <= 0 {
		c.MountTimeout = 10 * time.Second
	}
	return &Manager{lg: lg, cfg: c}
}

func (m *Manager) Target() string {
	return m.cfg.Target
}

// `IsMounted()` compares the device IDs of the target and its parent.  They
// differ exactly when something is mounted at the target.
func (m *Manager) IsMounted() (bool, error) {
	var st, stParent unix.Stat_t
	if err := unix.Stat(m.cfg.Target, &st); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	parent := filepath.Dir(m.cfg.Target)
	if err := unix.Stat(parent, &stParent); err != nil {
		return false, err
	}
	return st.Dev != stParent.Dev, nil
}

// `EnsureMounted()` mounts the backing image at the target unless it is
// already mounted.  A single attempt is bounded by the mount timeout;
// callers retry via the retry executor.
func (m *Manager) EnsureMounted(ctx context.Context) error {
	mounted, err := m.IsMounted()
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}

	if err := os.MkdirAll(m.cfg.Target, 0755); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.MountTimeout)
	defer cancel()
	out, err := execCombined(ctx, m.cfg.Mount.Path,
		"-o", "loop", m.cfg.BackingImage, m.cfg.Target,
	)
	if err != nil {
		return fmt.Errorf(
			"mount of `%s` failed: %v: %s",
			m.cfg.BackingImage, err, strings.TrimSpace(out),
		)
	}
	m.lg.Infow("Mounted backing image.", "target", m.cfg.Target)
	return nil
}

// `Unmount()` tries a normal unmount and falls back to a lazy detach.  It
// reports which path succeeded but never fails execution: the worst case is
// repaired by the consistency check on the next exposure.
func (m *Manager) Unmount() error {
	mounted, err := m.IsMounted()
	if err != nil {
		return err
	}
	if !mounted {
		return nil
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), m.cfg.MountTimeout,
	)
	defer cancel()
	out, err := execCombined(ctx, m.cfg.Umount.Path, m.cfg.Target)
	if err == nil {
		m.lg.Infow("Unmounted.", "target", m.cfg.Target)
		return nil
	}
	m.lg.Warnw(
		"Normal unmount failed; falling back to lazy detach.",
		"target", m.cfg.Target,
		"err", err,
		"output", strings.TrimSpace(out),
	)

	if err := unix.Unmount(m.cfg.Target, unix.MNT_DETACH); err != nil {
		m.lg.Errorw(
			"Lazy detach failed.",
			"target", m.cfg.Target,
			"err", err,
		)
		return err
	}
	m.lg.Infow("Lazily detached.", "target", m.cfg.Target)
	return nil
}

// `CheckBackingImage()` runs a filesystem consistency check on the image
// through a temporary loopback device.  The check runs whenever the image
// is about to be exposed to the capture source.  Check failures are logged,
// not returned: exposing a possibly damaged volume beats leaving the
// capture source without storage.
func (m *Manager) CheckBackingImage(ctx context.Context) {
	out, err := execCombined(
		ctx, m.cfg.Losetup.Path,
		"--find", "--show", m.cfg.BackingImage,
	)
	if err != nil {
		m.lg.Errorw(
			"Failed to loop-attach backing image for fsck.",
			"image", m.cfg.BackingImage,
			"err", err,
		)
		return
	}
	loopDev := strings.TrimSpace(out)

	out, err = execCombined(ctx, m.cfg.Fsck.Path, "-p", loopDev)
	if err != nil {
		m.lg.Warnw(
			"Filesystem check reported problems.",
			"image", m.cfg.BackingImage,
			"dev", loopDev,
			"status", execx.ExitCode(err),
			"output", strings.TrimSpace(out),
		)
	} else {
		m.lg.Infow("Filesystem check passed.", "dev", loopDev)
	}

	if _, err := execCombined(
		ctx, m.cfg.Losetup.Path, "-d", loopDev,
	); err != nil {
		m.lg.Errorw(
			"Failed to detach loop device.",
			"dev", loopDev,
			"err", err,
		)
	}
}

func execCombined(ctx context.Context, program string, args ...string) (string, error) {
	out, err := execx.Argv(append([]string{program}, args...)).
		Command(ctx).CombinedOutput()
	return string(out), err
}
