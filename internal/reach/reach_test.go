package reach_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/bt/teslausb-radxa-zero/internal/reach"
	"github.com/bt/teslausb-radxa-zero/internal/retry"
	"github.com/bt/teslausb-radxa-zero/pkg/execx"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Infow(msg string, kv ...interface{})  {}
func (nopLogger) Warnw(msg string, kv ...interface{})  {}
func (nopLogger) Errorw(msg string, kv ...interface{}) {}

func fastCfg(probe execx.Argv) *reach.Config {
	return &reach.Config{
		Probe:        probe,
		PollInterval: time.Millisecond,
		Retry:        retry.Policy{Attempts: 3, Delay: time.Millisecond},
	}
}

// `countingProbe` returns a probe command that succeeds from the n-th
// invocation on (or fails from the n-th on, if `fail` is set).  It counts
// invocations in a state file.
func countingProbe(t *testing.T, n int, fail bool) execx.Argv {
	t.Helper()
	state := filepath.Join(t.TempDir(), "count")
	cmp := "-ge"
	if fail {
		cmp = "-lt"
	}
	script := fmt.Sprintf(
		"#!/bin/sh\n"+
			"c=0\n"+
			"[ -f %[1]s ] && c=$(cat %[1]s)\n"+
			"c=$((c+1))\n"+
			"echo $c > %[1]s\n"+
			"[ $c %[2]s %[3]d ]\n",
		state, cmp, n,
	)
	path := filepath.Join(filepath.Dir(state), "probe.sh")
	require.NoError(t, ioutil.WriteFile(path, []byte(script), 0755))
	return execx.Argv{path}
}

func TestIsReachableExitStatus(t *testing.T) {
	mn := reach.New(nopLogger{}, fastCfg(execx.Argv{"true"}))
	require.True(t, mn.IsReachable(context.Background()))

	mn = reach.New(nopLogger{}, fastCfg(execx.Argv{"false"}))
	require.False(t, mn.IsReachable(context.Background()))
}

func TestWaitUntilReachableSurvivesFlakyProbes(t *testing.T) {
	// Probe fails 3 times then succeeds; the wait must still report
	// reachable without raising.
	mn := reach.New(nopLogger{}, fastCfg(countingProbe(t, 4, false)))
	require.NoError(t, mn.WaitUntilReachable(context.Background()))
}

func TestWaitUntilUnreachableNeedsConsecutiveFailures(t *testing.T) {
	// Reachable for 5 probes, then gone for good.  The wait must ride
	// out the reachable phase and conclude unreachable only after the
	// retry budget fails.
	mn := reach.New(nopLogger{}, fastCfg(countingProbe(t, 6, true)))
	require.NoError(t, mn.WaitUntilUnreachable(context.Background()))
}

func TestSentinelOverrides(t *testing.T) {
	dir := t.TempDir()
	up := filepath.Join(dir, "force-up")
	down := filepath.Join(dir, "force-down")

	cfg := fastCfg(execx.Argv{"false"})
	cfg.ForceReachableFile = up
	cfg.ForceUnreachableFile = down
	mn := reach.New(nopLogger{}, cfg)

	// Probe says no, sentinel says yes.
	require.NoError(t, ioutil.WriteFile(up, nil, 0644))
	require.True(t, mn.IsReachable(context.Background()))

	// The reachable sentinel wins over the unreachable one.
	require.NoError(t, ioutil.WriteFile(down, nil, 0644))
	require.True(t, mn.IsReachable(context.Background()))
}

func TestWaitContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mn := reach.New(nopLogger{}, fastCfg(execx.Argv{"false"}))
	require.Error(t, mn.WaitUntilReachable(ctx))
}
