package daemon

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/bt/teslausb-radxa-zero/pkg/execx"
)

// Background tasks are pure side effects: nothing flows back to the main
// loop.  A failing task logs and keeps its schedule; only process
// supervision restarts it for good.
func (d *Daemon) startBackground(ctx context.Context) {
	if d.cfg.SnapshotEvery > 0 && !d.cfg.SnapshotCmd.IsZero() {
		go d.every(ctx, "snapshot", d.cfg.SnapshotEvery, func() {
			d.snapshotOnce(ctx)
		})
	}
	if d.cfg.WatchdogEvery > 0 && !d.cfg.WatchdogCmd.IsZero() {
		go d.every(ctx, "watchdog", d.cfg.WatchdogEvery, func() {
			d.runCmd(ctx, "watchdog", d.cfg.WatchdogCmd)
		})
	}
	if d.cfg.LogTrimEvery > 0 && d.cfg.LogFile != "" {
		go d.every(ctx, "logtrim", d.cfg.LogTrimEvery, func() {
			err := TailTruncate(d.cfg.LogFile, d.cfg.LogMaxLines)
			if err != nil {
				d.lg.Warnw(
					"Log truncation failed.", "err", err,
				)
			}
		})
	}
}

func (d *Daemon) every(ctx context.Context, name string, interval time.Duration, task func()) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			task()
		}
	}
}

// The snapshot command reads the backing image, so it takes the same claim
// as the main loop's mount window and never overlaps an archive pass.
func (d *Daemon) snapshotOnce(ctx context.Context) {
	if err := d.claim.Acquire(ctx, 1); err != nil {
		return
	}
	defer d.claim.Release(1)
	d.runCmd(ctx, "snapshot", d.cfg.SnapshotCmd)
}

func (d *Daemon) runCmd(ctx context.Context, name string, argv execx.Argv) {
	out, err := argv.Command(ctx).CombinedOutput()
	if err != nil {
		d.lg.Warnw(
			"Background command failed.",
			"task", name,
			"status", execx.ExitCode(err),
			"output", string(bytes.TrimSpace(out)),
		)
	}
}

// `TailTruncate()` rewrites `path` keeping only the last `maxLines` lines.
// It writes a temp file and renames it over the log, so a crash never
// leaves a half-truncated file.  The log writer keeps its own open handle;
// losing a few lines across the swap is acceptable for an appliance log.
func TailTruncate(path string, maxLines int) error {
	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	lines := bytes.Split(data, []byte{'\n'})
	// A trailing newline yields one empty trailing element; drop it so
	// it does not count as a line.
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	if len(lines) <= maxLines {
		return nil
	}
	lines = lines[len(lines)-maxLines:]

	dir := filepath.Dir(path)
	tmp, err := ioutil.TempFile(dir, filepath.Base(path)+".tmp.")
	if err != nil {
		return err
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	out := append(bytes.Join(lines, []byte{'\n'}), '\n')
	if _, err := tmp.Write(out); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	tmp = nil
	return nil
}
