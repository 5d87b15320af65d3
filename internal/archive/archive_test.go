package archive_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bt/teslausb-radxa-zero/internal/archive"
	"github.com/bt/teslausb-radxa-zero/internal/ledger"
	"github.com/bt/teslausb-radxa-zero/internal/reclaim"
	"github.com/bt/teslausb-radxa-zero/internal/snapview"
	"github.com/bt/teslausb-radxa-zero/pkg/execx"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Infow(msg string, kv ...interface{})  {}
func (nopLogger) Warnw(msg string, kv ...interface{})  {}
func (nopLogger) Errorw(msg string, kv ...interface{}) {}

// `sessionEnv` is a fake appliance: the view dir stands in for the merged
// overlay (the fake mount tool does nothing), and the transport script
// deletes configured clips from it, like a real transport moving them off
// the appliance.
type sessionEnv struct {
	dir        string
	viewDir    string
	lowerDir   string
	ledgerPath string
}

func script(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(
		path, []byte("#!/bin/sh\n"+body), 0755,
	))
	return path
}

func newEnv(t *testing.T) *sessionEnv {
	t.Helper()
	dir := t.TempDir()
	env := &sessionEnv{
		dir:        dir,
		viewDir:    filepath.Join(dir, "view"),
		lowerDir:   filepath.Join(dir, "TeslaCam"),
		ledgerPath: filepath.Join(dir, "archived-clips"),
	}
	require.NoError(t, os.MkdirAll(env.lowerDir, 0755))
	require.NoError(t, os.MkdirAll(env.viewDir, 0755))
	return env
}

// `addEvent` creates an event directory with one sizeable clip file in the
// fake merged view.
func (env *sessionEnv) addEvent(t *testing.T, rel string, size int) {
	t.Helper()
	p := filepath.Join(env.viewDir, rel, "front.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, ioutil.WriteFile(p, make([]byte, size), 0644))
}

func (env *sessionEnv) controller(t *testing.T, cfg archive.Config) *archive.Controller {
	t.Helper()
	tools := script(t, env.dir, "true-tool", "exit 0\n")
	cfg.View = snapview.New(nopLogger{}, &snapview.Config{
		LowerDir:   env.lowerDir,
		ScratchDir: filepath.Join(env.dir, "scratch"),
		ViewDir:    env.viewDir,
		Mount:      &execx.Tool{Path: tools},
		Umount:     &execx.Tool{Path: tools},
	})
	cfg.LedgerPath = env.ledgerPath
	if cfg.Categories == nil {
		cfg.Categories = []archive.Category{
			{Name: "SavedClips", Events: true},
			{Name: "SentryClips", Events: true},
		}
	}
	if cfg.MinClipBytes == 0 {
		cfg.MinClipBytes = 10
	}
	cfg.Reclaimer = reclaim.New(nopLogger{}, &reclaim.Config{
		Fstrim: &execx.Tool{Path: "/bin/true"},
		FreeBytes: func(string) (uint64, error) {
			return 1 << 40, nil
		},
	})
	cfg.CleanRoot = env.lowerDir
	cfg.TrimTarget = env.dir
	cfg.MinFreeBytes = 1
	return archive.New(nopLogger{}, &cfg)
}

// `deletingTransport` returns a transport script that removes `rels` from
// the view root (its first argument) and exits with `status`.  It records
// the received candidate list at `recordPath`.
func (env *sessionEnv) deletingTransport(t *testing.T, recordPath string, status int, rels ...string) execx.Argv {
	t.Helper()
	var b strings.Builder
	b.WriteString("cp \"$2\" " + recordPath + "\n")
	for _, rel := range rels {
		fmt.Fprintf(&b, "rm -rf \"$1/%s\"\n", rel)
	}
	fmt.Fprintf(&b, "exit %d\n", status)
	return execx.Argv{script(t, env.dir, "transport.sh", b.String())}
}

func TestSessionCreditsPartialProgress(t *testing.T) {
	// Candidates {A, B, C}, ledger {A}: the transport gets {B, C}.  It
	// reports success but only B is gone from the view afterwards, so
	// only B is credited; C is retried next session.
	env := newEnv(t)
	for _, e := range []string{"A", "B", "C"} {
		env.addEvent(t, "SavedClips/"+e, 1000)
	}
	require.NoError(t, ioutil.WriteFile(
		env.ledgerPath, []byte("SavedClips/A\n"), 0644,
	))

	record := filepath.Join(env.dir, "list.received")
	c := env.controller(t, archive.Config{
		Transport: env.deletingTransport(t, record, 0, "SavedClips/B"),
	})

	o, err := c.RunSession(context.Background())
	require.NoError(t, err)
	require.True(t, o.Succeeded)
	require.Equal(t, []string{"SavedClips/B"}, o.NewlyArchived)
	require.Equal(t, 2, o.Counts["SavedClips"])

	data, err := ioutil.ReadFile(record)
	require.NoError(t, err)
	require.Equal(t, "SavedClips/B\nSavedClips/C\n", string(data))

	led, err := ledger.Load(env.ledgerPath)
	require.NoError(t, err)
	require.Equal(t, []string{"SavedClips/A", "SavedClips/B"}, led.Paths())
}

func TestSessionTransportFailureStillReconciles(t *testing.T) {
	env := newEnv(t)
	env.addEvent(t, "SavedClips/A", 1000)
	env.addEvent(t, "SavedClips/B", 1000)

	record := filepath.Join(env.dir, "list.received")
	c := env.controller(t, archive.Config{
		Transport: env.deletingTransport(t, record, 3, "SavedClips/A"),
	})

	o, err := c.RunSession(context.Background())
	require.NoError(t, err)
	require.False(t, o.Succeeded)
	// Partial progress is credited even though the transport failed.
	require.Equal(t, []string{"SavedClips/A"}, o.NewlyArchived)

	led, err := ledger.Load(env.ledgerPath)
	require.NoError(t, err)
	require.Equal(t, []string{"SavedClips/A"}, led.Paths())
}

func TestSessionIgnoresShortClips(t *testing.T) {
	env := newEnv(t)
	env.addEvent(t, "SavedClips/big", 1000)
	env.addEvent(t, "SavedClips/tiny", 3)

	record := filepath.Join(env.dir, "list.received")
	c := env.controller(t, archive.Config{
		Transport: env.deletingTransport(t, record, 0),
	})

	o, err := c.RunSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, o.Ignored)

	data, err := ioutil.ReadFile(record)
	require.NoError(t, err)
	require.Equal(t, "SavedClips/big\n", string(data))
}

func TestSessionPrunesLedger(t *testing.T) {
	// Ledger entries for clips that vanished from the appliance are
	// dropped, so the ledger cannot grow without bound.
	env := newEnv(t)
	env.addEvent(t, "SavedClips/keep", 1000)
	require.NoError(t, ioutil.WriteFile(
		env.ledgerPath,
		[]byte("SavedClips/gone1\nSavedClips/gone2\nSavedClips/keep\n"),
		0644,
	))

	record := filepath.Join(env.dir, "list.received")
	c := env.controller(t, archive.Config{
		Transport: env.deletingTransport(t, record, 0),
	})
	_, err := c.RunSession(context.Background())
	require.NoError(t, err)

	led, err := ledger.Load(env.ledgerPath)
	require.NoError(t, err)
	require.Equal(t, []string{"SavedClips/keep"}, led.Paths())
}

func TestSessionInjectsAndRemovesTriggers(t *testing.T) {
	env := newEnv(t)
	env.addEvent(t, "SavedClips/A", 1000)

	// The transport observes the trigger file and the labeled trigger
	// list while it runs.
	seen := filepath.Join(env.dir, "seen")
	body := "[ -f \"$3/ARCHIVE_SAVED\" ] && cp \"$4\" " + seen + "\nexit 0\n"
	transport := execx.Argv{script(t, env.dir, "transport.sh", body)}

	c := env.controller(t, archive.Config{
		Categories: []archive.Category{
			{Name: "SavedClips", Events: true, Trigger: "ARCHIVE_SAVED"},
			{Name: "SentryClips", Events: true, Trigger: "ARCHIVE_SENTRY"},
		},
		Transport: transport,
	})
	_, err := c.RunSession(context.Background())
	require.NoError(t, err)

	// Each category's trigger is labeled under its own name.
	data, err := ioutil.ReadFile(seen)
	require.NoError(t, err)
	require.Equal(t,
		"SavedClips\tARCHIVE_SAVED\nSentryClips\tARCHIVE_SENTRY\n",
		string(data),
	)

	// Triggers are gone after the session, success or not.
	_, err = os.Stat(filepath.Join(env.viewDir, "triggers", "ARCHIVE_SAVED"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(env.viewDir, "triggers", "ARCHIVE_SENTRY"))
	require.True(t, os.IsNotExist(err))
}

func TestSessionFilterHook(t *testing.T) {
	env := newEnv(t)
	env.addEvent(t, "SavedClips/A", 1000)
	env.addEvent(t, "SavedClips/B", 1000)

	// The hook strips B from the candidate list.
	hook := execx.Argv{script(t, env.dir, "hook.sh",
		"grep -v 'SavedClips/B' \"$1\" > \"$1.new\"\nmv \"$1.new\" \"$1\"\n",
	)}

	record := filepath.Join(env.dir, "list.received")
	c := env.controller(t, archive.Config{
		Transport:  env.deletingTransport(t, record, 0),
		FilterHook: hook,
	})
	_, err := c.RunSession(context.Background())
	require.NoError(t, err)

	data, err := ioutil.ReadFile(record)
	require.NoError(t, err)
	require.Equal(t, "SavedClips/A\n", string(data))
}

func TestOutcomeMessage(t *testing.T) {
	o := &archive.Outcome{
		Succeeded:     true,
		Counts:        map[string]int{"SavedClips": 2},
		Ignored:       1,
		NewlyArchived: []string{"SavedClips/B"},
	}
	msg := o.Message()
	require.Contains(t, msg, "succeeded")
	require.Contains(t, msg, "1 of 2 clips")
	require.Contains(t, msg, "1 ignored")
}

func TestSessionNotifiesStartAndEnd(t *testing.T) {
	// One notification opens the session before any work, one reports
	// the filtered counts, and one closes it with the outcome.
	env := newEnv(t)
	env.addEvent(t, "SavedClips/A", 64)

	notifyLog := filepath.Join(env.dir, "notify.log")
	notify := execx.Argv{script(t, env.dir, "notify.sh",
		"echo \"$@\" >> "+notifyLog+"\n",
	)}

	record := filepath.Join(env.dir, "list.received")
	c := env.controller(t, archive.Config{
		Transport: env.deletingTransport(t, record, 0, "SavedClips/A"),
		Notify:    notify,
	})
	_, err := c.RunSession(context.Background())
	require.NoError(t, err)

	data, err := ioutil.ReadFile(notifyLog)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "Archiving started.", lines[0])
	require.Contains(t, lines[1], "Archiving 1 clips")
	require.Contains(t, lines[2], "succeeded")
}
