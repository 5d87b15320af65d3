// Package `daemon` runs the top-level control loop that hands the backing
// image back and forth between the capture source and the archiver,
// forever.
//
// The loop is deliberately sequential: gadget exposure and the local mount
// are mutually exclusive in time, and the backing image is the only shared
// mutable resource.  A weight-1 semaphore serializes the loop's mount
// window against the background snapshot task; everything else is
// eliminated concurrency, not locked concurrency.
package daemon

import (
	"context"
	"time"

	"github.com/bt/teslausb-radxa-zero/internal/archive"
	"github.com/bt/teslausb-radxa-zero/internal/gadget"
	"github.com/bt/teslausb-radxa-zero/internal/mountman"
	"github.com/bt/teslausb-radxa-zero/internal/reach"
	"github.com/bt/teslausb-radxa-zero/internal/retry"
	"github.com/bt/teslausb-radxa-zero/pkg/execx"
	"golang.org/x/sync/semaphore"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Config struct {
	Mounts   *mountman.Manager
	Gadget   *gadget.Controller
	Reach    *reach.Monitor
	Archiver *archive.Controller
	Retry    retry.Policy

	// Background tasks; a zero interval disables the task.
	SnapshotCmd   execx.Argv
	SnapshotEvery time.Duration
	WatchdogCmd   execx.Argv
	WatchdogEvery time.Duration
	LogFile       string
	LogMaxLines   int
	LogTrimEvery  time.Duration
}

type Daemon struct {
	lg  Logger
	cfg Config
	// `claim` is held while the backing image may be mutated locally:
	// during the mount window of the main loop and while the snapshot
	// task reads the image.
	claim *semaphore.Weighted
}

func New(lg Logger, cfg *Config) *Daemon {
	return &Daemon{
		lg:    lg,
		cfg:   *cfg,
		claim: semaphore.NewWeighted(1),
	}
}

// `Run()` executes the control loop until the context is canceled.
// Termination is safe at any point: every on-disk structure is either
// replaced atomically or repaired by the consistency check on the next
// exposure.
func (d *Daemon) Run(ctx context.Context) error {
	d.startBackground(ctx)

	// The previous run may have died in any state.  Start from a known
	// one: unmounted locally, exposed to the capture source.
	if err := d.cfg.Mounts.Unmount(); err != nil {
		d.lg.Warnw("Startup unmount failed.", "err", err)
	}
	d.ensureExposed(ctx)

	for {
		if err := d.cfg.Reach.WaitUntilReachable(ctx); err != nil {
			return err
		}

		if err := d.archiveOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.lg.Errorw("Archive pass failed.", "err", err)
		}

		if err := d.cfg.Reach.WaitUntilUnreachable(ctx); err != nil {
			return err
		}
	}
}

// `archiveOnce()` performs one attach-archive-detach cycle.  The gadget is
// always re-exposed before returning, whatever happened in between: the
// capture source has no fallback storage.
func (d *Daemon) archiveOnce(ctx context.Context) error {
	if err := d.claim.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.claim.Release(1)

	if err := d.cfg.Gadget.Retract(ctx); err != nil {
		d.lg.Errorw("Failed to retract gadget.", "err", err)
		d.ensureExposed(ctx)
		return err
	}

	err := d.cfg.Retry.Do(ctx, func() error {
		return d.cfg.Mounts.EnsureMounted(ctx)
	})
	if err != nil {
		// Mount never came up; skip the session and hand the
		// storage back.
		d.lg.Errorw("Mount retries exhausted; skipping session.",
			"err", err)
		d.ensureExposed(ctx)
		return err
	}

	o, sessionErr := d.cfg.Archiver.RunSession(ctx)
	if sessionErr != nil {
		d.lg.Errorw("Archive session failed.", "err", sessionErr)
	} else {
		d.lg.Infow("Archive session finished.",
			"succeeded", o.Succeeded,
			"archived", len(o.NewlyArchived),
			"ignored", o.Ignored,
			"elapsed", o.Elapsed,
		)
	}

	if err := d.cfg.Mounts.Unmount(); err != nil {
		d.lg.Errorw("Failed to unmount after session.", "err", err)
	}
	d.ensureExposed(ctx)
	return sessionErr
}

// `ensureExposed()` brings the gadget into the exposed-and-correct state,
// repairing a silently detached emulation if necessary.
func (d *Daemon) ensureExposed(ctx context.Context) {
	if d.cfg.Gadget.IsExposedAndCorrect() {
		return
	}
	if err := d.cfg.Gadget.Expose(ctx); err != nil {
		d.lg.Errorw("Failed to expose gadget.", "err", err)
		return
	}
	if !d.cfg.Gadget.IsExposedAndCorrect() {
		if err := d.cfg.Gadget.Repair(ctx); err != nil {
			d.lg.Errorw("Gadget repair failed.", "err", err)
		}
	}
}
