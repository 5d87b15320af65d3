// Package `reach` polls whether the remote archive endpoint is reachable.
//
// The wait operations poll forever.  That is intentional: the appliance may
// be away from its network for arbitrarily long periods, and there is
// nothing useful to do until the endpoint shows up again.
package reach

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/bt/teslausb-radxa-zero/internal/retry"
	"github.com/bt/teslausb-radxa-zero/pkg/execx"
)

var errUnreachable = errors.New("endpoint unreachable")

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Config struct {
	// `Probe` exit status: 0 reachable, nonzero unreachable.
	Probe execx.Argv
	// `PollInterval` between probes.  Default 1s.
	PollInterval time.Duration
	// `Retry` guards `WaitUntilUnreachable()` against flaky probes: the
	// endpoint is considered gone only after the policy is exhausted.
	Retry retry.Policy

	// Sentinel files for test harnesses.  If the file exists, the probe
	// result is forced without running the probe command.
	ForceReachableFile   string
	ForceUnreachableFile string
}

type Monitor struct {
	lg  Logger
	cfg Config
}

func New(lg Logger, cfg *Config) *Monitor {
	c := *cfg
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	return &Monitor{lg: lg, cfg: c}
}

func (mn *Monitor) IsReachable(ctx context.Context) bool {
	if mn.forced(mn.cfg.ForceReachableFile) {
		return true
	}
	if mn.forced(mn.cfg.ForceUnreachableFile) {
		return false
	}

	cmd := mn.cfg.Probe.Command(ctx)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}

// `WaitUntilReachable()` blocks until the endpoint answers a probe.  Failed
// probes are simply polled again; there is no retry budget to exhaust.
func (mn *Monitor) WaitUntilReachable(ctx context.Context) error {
	mn.lg.Infow("Waiting for archive endpoint.")
	for {
		if mn.IsReachable(ctx) {
			mn.lg.Infow("Archive endpoint reachable.")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(mn.cfg.PollInterval):
		}
	}
}

// `WaitUntilUnreachable()` blocks until the endpoint stops answering.  A
// single failed probe is not enough: the conclusion "unreachable" requires
// the full retry policy to fail, so one flaky probe does not end an
// archiving window early.
func (mn *Monitor) WaitUntilUnreachable(ctx context.Context) error {
	mn.lg.Infow("Waiting for archive endpoint to go away.")
	for {
		err := mn.cfg.Retry.Do(ctx, func() error {
			if mn.IsReachable(ctx) {
				return nil
			}
			return errUnreachable
		})
		if err == nil {
			// Still reachable; poll again later.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(mn.cfg.PollInterval):
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mn.lg.Infow("Archive endpoint unreachable.")
		return nil
	}
}

func (mn *Monitor) forced(sentinel string) bool {
	if sentinel == "" {
		return false
	}
	_, err := os.Stat(sentinel)
	return err == nil
}
