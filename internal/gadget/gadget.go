// Package `gadget` toggles the host-facing storage emulation that makes the
// backing image appear to the capture source as directly attached media.
//
// The controller must only be driven while the backing image is not mounted
// locally; the main loop enforces that ordering.  Enable and disable are
// delegated to external commands with exit status 0 meaning success.
package gadget

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/bt/teslausb-radxa-zero/pkg/execx"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// `ImageChecker` runs the filesystem consistency check after the gadget has
// been retracted, when the capture source can no longer write.
type ImageChecker interface {
	CheckBackingImage(ctx context.Context)
}

type Config struct {
	Enable  execx.Argv
	Disable execx.Argv
	// `LunFile` is the emulation binding file; while the gadget is
	// active it names the backing file it serves.
	LunFile      string
	BackingImage string
	Checker      ImageChecker
}

type Controller struct {
	lg  Logger
	cfg Config
}

func New(lg Logger, cfg *Config) *Controller {
	return &Controller{lg: lg, cfg: *cfg}
}

// `Expose()` activates the storage emulation.  The caller guarantees the
// backing image is unmounted locally.
func (c *Controller) Expose(ctx context.Context) error {
	out, err := c.cfg.Enable.Command(ctx).CombinedOutput()
	if err != nil {
		return fmt.Errorf(
			"gadget enable failed (status %d): %s",
			execx.ExitCode(err), bytes.TrimSpace(out),
		)
	}
	c.lg.Infow("Exposed backing image to capture source.")
	return nil
}

// `Retract()` deactivates the emulation.  On success it triggers the
// consistency check, because the capture source may have been writing until
// the instant of retraction.
func (c *Controller) Retract(ctx context.Context) error {
	out, err := c.cfg.Disable.Command(ctx).CombinedOutput()
	if err != nil {
		return fmt.Errorf(
			"gadget disable failed (status %d): %s",
			execx.ExitCode(err), bytes.TrimSpace(out),
		)
	}
	c.lg.Infow("Retracted backing image from capture source.")
	if c.cfg.Checker != nil {
		c.cfg.Checker.CheckBackingImage(ctx)
	}
	return nil
}

// `IsExposedAndCorrect()` verifies that the emulation is active and bound
// to the expected backing file.  A mismatch indicates the emulation
// silently detached, a known hardware/driver fault.
func (c *Controller) IsExposedAndCorrect() bool {
	data, err := ioutil.ReadFile(c.cfg.LunFile)
	if os.IsNotExist(err) {
		return false
	} else if err != nil {
		c.lg.Warnw("Failed to read gadget lun file.", "err", err)
		return false
	}
	bound := string(bytes.TrimSpace(data))
	return bound == c.cfg.BackingImage
}

// `Repair()` recovers from a silently detached emulation: retract, then
// expose again.
func (c *Controller) Repair(ctx context.Context) error {
	c.lg.Warnw("Gadget exposure incorrect; repairing.")
	if err := c.Retract(ctx); err != nil {
		c.lg.Warnw("Repair retract failed; exposing anyway.", "err", err)
	}
	return c.Expose(ctx)
}
