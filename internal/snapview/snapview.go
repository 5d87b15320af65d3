// Package `snapview` builds the transient union view that archiving reads.
//
// The view is an overlay mount: the live clip tree is the read-only lower
// layer, a scratch upper layer takes trigger-file writes, and the merged
// result appears at the view root.  The lower layer is never mutated
// through the view.  The view must be unmounted before cleanup alters the
// underlying clip tree; overlay behavior is undefined once the lower layer
// changes underneath it.
package snapview

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
	// `LowerDir` is the live clip tree, mounted read-only into the view.
	LowerDir string
	// `ScratchDir` receives the overlay upper and work directories.  Its
	// content is session-scoped.
	ScratchDir string
	// `ViewDir` is where the merged view is mounted.
	ViewDir string

	Mount  *execx.Tool
	Umount *execx.Tool
}

type Builder struct {
	lg  Logger
	cfg Config
}

func New(lg Logger, cfg *Config) *Builder {
	return &Builder{lg: lg, cfg: *cfg}
}

// `Root()` is the merged view mount path.
func (b *Builder) Root() string {
	return b.cfg.ViewDir
}

func (b *Builder) upperDir() string {
	return filepath.Join(b.cfg.ScratchDir, "upper")
}

func (b *Builder) workDir() string {
	return filepath.Join(b.cfg.ScratchDir, "work")
}

// Overlayfs uses commas to separate mount options, so a layer path
// containing a comma would corrupt the option string.
func checkOverlayPath(p string) error {
	if strings.ContainsAny(p, ",\n") {
		return fmt.Errorf("path `%s` cannot be used in overlay options", p)
	}
	return nil
}

// `Mount()` constructs a fresh upper/work pair and mounts the merged view.
// A stale upper layer from an interrupted session is discarded first, so
// leftover trigger files never leak into a new session.
func (b *Builder) Mount(ctx context.Context) error {
	for _, p := range []string{b.cfg.LowerDir, b.upperDir(), b.workDir()} {
		if err := checkOverlayPath(p); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(b.upperDir()); err != nil {
		return err
	}
	if err := os.RemoveAll(b.workDir()); err != nil {
		return err
	}
	for _, d := range []string{b.upperDir(), b.workDir(), b.cfg.ViewDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}

	opts := fmt.Sprintf(
		"lowerdir=%s,upperdir=%s,workdir=%s",
		b.cfg.LowerDir, b.upperDir(), b.workDir(),
	)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := execx.Argv{
		b.cfg.Mount.Path,
		"-t", "overlay", "overlay", "-o", opts, b.cfg.ViewDir,
	}.Command(ctx).CombinedOutput()
	if err != nil {
		return fmt.Errorf(
			"overlay mount failed: %v: %s",
			err, strings.TrimSpace(string(out)),
		)
	}
	b.lg.Infow(
		"Mounted snapshot view.",
		"lower", b.cfg.LowerDir,
		"view", b.cfg.ViewDir,
	)
	return nil
}

// `Unmount()` detaches the merged view, lazily if necessary, and discards
// the upper layer.  It must run before the lower layer is altered.
func (b *Builder) Unmount() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()
	out, err := execx.Argv{
		b.cfg.Umount.Path, b.cfg.ViewDir,
	}.Command(ctx).CombinedOutput()
	if err != nil {
		b.lg.Warnw(
			"Normal view unmount failed; falling back to lazy detach.",
			"view", b.cfg.ViewDir,
			"err", err,
			"output", strings.TrimSpace(string(out)),
		)
		if err := unix.Unmount(
			b.cfg.ViewDir, unix.MNT_DETACH,
		); err != nil {
			b.lg.Errorw(
				"Lazy view detach failed.",
				"view", b.cfg.ViewDir,
				"err", err,
			)
			return err
		}
	}

	if err := os.RemoveAll(b.upperDir()); err != nil {
		b.lg.Warnw("Failed to discard view upper layer.", "err", err)
	}
	if err := os.RemoveAll(b.workDir()); err != nil {
		b.lg.Warnw("Failed to discard view work dir.", "err", err)
	}
	b.lg.Infow("Unmounted snapshot view.", "view", b.cfg.ViewDir)
	return nil
}
