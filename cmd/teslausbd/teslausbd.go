// vim: sw=8

// Dashcam archive daemon `teslausbd`.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bt/teslausb-radxa-zero/internal/archive"
	"github.com/bt/teslausb-radxa-zero/internal/config"
	"github.com/bt/teslausb-radxa-zero/internal/daemon"
	"github.com/bt/teslausb-radxa-zero/internal/gadget"
	"github.com/bt/teslausb-radxa-zero/internal/mountman"
	"github.com/bt/teslausb-radxa-zero/internal/reach"
	"github.com/bt/teslausb-radxa-zero/internal/reclaim"
	"github.com/bt/teslausb-radxa-zero/internal/retry"
	"github.com/bt/teslausb-radxa-zero/internal/snapview"
	"github.com/bt/teslausb-radxa-zero/pkg/execx"
	"github.com/bt/teslausb-radxa-zero/pkg/flock"
	"github.com/bt/teslausb-radxa-zero/pkg/mulog"
	"github.com/bt/teslausb-radxa-zero/pkg/zap"
	"github.com/docopt/docopt-go"
)

// `xVersion` and `xBuild` are injected by the `Makefile`.
var (
	xVersion string
	xBuild   string
	version  = fmt.Sprintf("teslausbd-%s+%s", xVersion, xBuild)
)

// `qqBackticks()` translates double single quote to backtick.
func qqBackticks(s string) string {
	return strings.Replace(s, "''", "`", -1)
}

var usage = qqBackticks(`Usage:
  teslausbd [options]

Options:
  --log=<logger>  [default: prod]
        Specify logger: prod, dev, mu, or print.  ''print'' logs without
        timestamps, for supervisors that add their own.
  --config=<yaml>  [default: /etc/teslausb.yaml]
        Daemon configuration.  ''archiveHost'' is required; everything else
        has a usable default.
  --lock=<path>  [default: /run/teslausbd.lock]
        Lock file that guarantees a single daemon instance.  If the lock is
        held by another process, ''teslausbd'' exits immediately with
        status 11.
  --shutdown-timeout=<duration>  [default: 5m]
        Maximum time to wait before forced shutdown.

''teslausbd'' exposes a backing image file to the capture source as USB mass
storage and alternates between exposure and archive sessions, driven by
reachability of ''archiveHost''.  While the archive endpoint is reachable,
the daemon retracts the gadget, checks and mounts the image locally, builds
a read-only overlay snapshot of the clip tree, offers unarchived clips to
the configured transport command, reconciles what the transport removed
into a crash-safe ledger, reclaims space, and hands the storage back to the
capture source.

External collaborators are configured as argv lists.  The transport is
invoked as ''transport <viewroot> <listfile> <triggerdir> <triggerlist>''
and signals success with exit status 0; on a nonzero status the session
still credits whatever the transport removed from the view.  The probe
signals reachability with exit status 0.

The daemon never runs twice against the same lock file, and every on-disk
structure is replaced atomically, so it is safe to kill at any point.
`)

var exitCodeLocked = 11

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	Fatalw(msg string, kv ...interface{})
}

var lg Logger = mulog.Logger{}

var (
	mountTool = execx.ToolSpec{
		Program:   "mount",
		CheckArgs: []string{"--version"},
		CheckText: "mount from util-linux",
	}
	umountTool = execx.ToolSpec{
		Program:   "umount",
		CheckArgs: []string{"--version"},
		CheckText: "umount from util-linux",
	}
	losetupTool = execx.ToolSpec{
		Program:   "losetup",
		CheckArgs: []string{"--version"},
		CheckText: "losetup from util-linux",
	}
	fsckTool = execx.ToolSpec{
		Program:   "fsck",
		CheckArgs: []string{"--version"},
		CheckText: "fsck from util-linux",
	}
	fstrimTool = execx.ToolSpec{
		Program:   "fstrim",
		CheckArgs: []string{"--version"},
		CheckText: "fstrim from util-linux",
	}
)

func main() {
	args := argparse()
	initLogging(args["--log"].(string))

	cfg, err := config.Load(args["--config"].(string))
	if err != nil {
		lg.Fatalw("Failed to load --config.", "err", err)
	}
	// Re-init with the configured log file, which the trim task bounds.
	initLogSink(args["--log"].(string), cfg.LogFile)
	if err := cfg.ResolveArchiveHost(); err != nil {
		lg.Fatalw("Invalid archive endpoint.", "err", err)
	}

	lk, err := flock.Open(args["--lock"].(string))
	if err != nil {
		lg.Fatalw("Failed to open --lock.", "err", err)
	}
	defer lk.Close()
	if err := lk.TryLockNow(); err == flock.ErrAlreadyLocked {
		lg.Errorw(
			"Another instance holds the lock.",
			"lock", args["--lock"].(string),
		)
		os.Exit(exitCodeLocked)
	} else if err != nil {
		lg.Fatalw("Failed to acquire --lock.", "err", err)
	}
	defer func() {
		if err := lk.Unlock(); err != nil {
			lg.Errorw("Failed to release lock.", "err", err)
		}
	}()

	mount := execx.MustLookTool(mountTool)
	umount := execx.MustLookTool(umountTool)
	losetup := execx.MustLookTool(losetupTool)
	fsck := execx.MustLookTool(fsckTool)
	fstrim := execx.MustLookTool(fstrimTool)

	lg.Infow("teslausbd started.", "archiveHost", cfg.ArchiveHost)

	pol := retry.Policy{
		Attempts: cfg.RetryAttempts,
		Delay:    time.Duration(cfg.RetryDelay),
	}

	mounts := mountman.New(lg, &mountman.Config{
		BackingImage: cfg.BackingImage,
		Target:       cfg.MountPoint,
		MountTimeout: time.Duration(cfg.MountTimeout),
		Mount:        mount,
		Umount:       umount,
		Losetup:      losetup,
		Fsck:         fsck,
	})

	gad := gadget.New(lg, &gadget.Config{
		Enable:       execx.Argv(cfg.GadgetEnable),
		Disable:      execx.Argv(cfg.GadgetDisable),
		LunFile:      cfg.GadgetLun,
		BackingImage: cfg.BackingImage,
		Checker:      mounts,
	})

	mon := reach.New(lg, &reach.Config{
		Probe:                execx.Argv(cfg.ProbeCmd),
		PollInterval:         time.Duration(cfg.PollInterval),
		Retry:                pol,
		ForceReachableFile:   cfg.ForceReachableFile,
		ForceUnreachableFile: cfg.ForceUnreachableFile,
	})

	view := snapview.New(lg, &snapview.Config{
		LowerDir:   cfg.ClipRoot(),
		ScratchDir: cfg.ScratchDir,
		ViewDir:    cfg.ViewDir,
		Mount:      mount,
		Umount:     umount,
	})

	rec := reclaim.New(lg, &reclaim.Config{
		Fstrim: fstrim,
	})

	arch := archive.New(lg, &archive.Config{
		View:         view,
		LedgerPath:   cfg.LedgerFile,
		Categories:   archiveCategories(cfg),
		MinClipBytes: cfg.MinClipBytes,
		Transport:    execx.Argv(cfg.TransportCmd),
		Notify:       execx.Argv(cfg.NotifyCmd),
		FilterHook:   execx.Argv(cfg.FilterHookCmd),
		Reclaimer:    rec,
		CleanRoot:    cfg.ClipRoot(),
		TrimTarget:   cfg.MountPoint,
		MinFreeBytes: cfg.MinFreeBytes,
	})

	d := daemon.New(lg, &daemon.Config{
		Mounts:        mounts,
		Gadget:        gad,
		Reach:         mon,
		Archiver:      arch,
		Retry:         pol,
		SnapshotCmd:   execx.Argv(cfg.SnapshotCmd),
		SnapshotEvery: time.Duration(cfg.SnapshotEvery),
		WatchdogCmd:   execx.Argv(cfg.WatchdogCmd),
		WatchdogEvery: time.Duration(cfg.WatchdogEvery),
		LogFile:       cfg.LogFile,
		LogMaxLines:   cfg.LogMaxLines,
		LogTrimEvery:  time.Duration(cfg.LogTrimEvery),
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	signal.Notify(sigs, syscall.SIGINT)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- d.Run(ctx)
	}()

	select {
	case sig := <-sigs:
		to := args["--shutdown-timeout"].(time.Duration)
		lg.Infow("Started graceful shutdown.", "sig", sig, "timeout", to)
		cancel()
		timeout := time.NewTimer(to)
		select {
		case <-timeout.C:
			lg.Warnw("Timeout; forced shutdown.")
			os.Exit(1)
		case <-runDone:
			lg.Infow("Completed graceful shutdown.")
		}
	case err := <-runDone:
		cancel()
		lg.Fatalw("Main loop failed.", "err", err)
	}
}

// `archiveCategories()` translates the config's per-category settings into
// the ordered category list the session code iterates.  Only categories
// with archiving enabled are offered.
func archiveCategories(cfg *config.Config) []archive.Category {
	var cats []archive.Category
	for _, name := range []string{
		config.CatRecent,
		config.CatSaved,
		config.CatSentry,
		config.CatTrack,
	} {
		if !cfg.Archived(name) {
			continue
		}
		c := cfg.Categories[name]
		cats = append(cats, archive.Category{
			Name:    name,
			Events:  c.Events != nil && *c.Events,
			Trigger: c.Trigger,
		})
	}
	return cats
}

func initLogging(arg string) {
	var err error
	switch arg {
	case "prod":
		lg, err = zap.NewProduction()
	case "dev":
		lg, err = zap.NewDevelopment()
	case "mu":
		lg = mulog.Logger{}
	case "print":
		lg = mulog.Printer{}
	default:
		err = fmt.Errorf("Invalid --log option.")
	}
	if err != nil {
		log.Fatal(err)
	}
}

// `initLogSink()` reopens the logger onto the configured log file once the
// config is known.  `mu` and `print` keep logging to stderr only; the file
// sink is a Zap concern.
func initLogSink(arg, logFile string) {
	if logFile == "" {
		return
	}
	var err error
	switch arg {
	case "prod":
		lg, err = zap.NewProductionFile(logFile)
	case "dev":
		lg, err = zap.NewDevelopmentFile(logFile)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func argparse() map[string]interface{} {
	const autoHelp = true
	const noOptionFirst = false
	args, err := docopt.Parse(
		usage, nil, autoHelp, version, noOptionFirst,
	)
	if err != nil {
		lg.Fatalw("docopt failed", "err", err)
	}

	for _, k := range []string{
		"--shutdown-timeout",
	} {
		if arg, ok := args[k].(string); ok {
			d, err := time.ParseDuration(arg)
			if err != nil {
				lg.Fatalw(
					fmt.Sprintf("Invalid %s", k),
					"err", err,
				)
			}
			args[k] = d
		}
	}

	return args
}
