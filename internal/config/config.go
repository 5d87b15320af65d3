// Package `config` loads the daemon configuration from a YAML file and
// applies defaults.  Components receive the parts they need at
// construction; nothing reads configuration ambiently.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"path/filepath"
	"time"

	yaml "gopkg.in/yaml.v2"
)

var ErrNoArchiveHost = errors.New("archiveHost must be configured")

// `Duration` parses YAML strings like `10s` with `time.ParseDuration`.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// The four clip categories written by the capture source.  `RecentClips`
// holds routine rolling footage, `SavedClips` triggered events,
// `SentryClips` and `TrackClips` the alternate capture modes.
const (
	CatRecent = "RecentClips"
	CatSaved  = "SavedClips"
	CatSentry = "SentryClips"
	CatTrack  = "TrackClips"
)

// `CategoryConfig` controls one clip category.  `Archive` is a pointer so
// that an omitted toggle falls back to the category default.  `Trigger` is
// an optional sentinel file name that signals the transport to prioritize
// the category; each category's trigger is labeled independently.
type CategoryConfig struct {
	Archive *bool  `yaml:"archive"`
	Trigger string `yaml:"trigger"`
	// `Events` selects directory-per-event enumeration instead of
	// file enumeration.
	Events *bool `yaml:"events"`
}

type Config struct {
	// `ArchiveHost` is the remote archive endpoint.  Startup fails if it
	// is missing or unresolvable; there is no safe default.
	ArchiveHost string `yaml:"archiveHost"`

	Categories map[string]CategoryConfig `yaml:"categories"`

	// Local storage.
	BackingImage string `yaml:"backingImage"`
	MountPoint   string `yaml:"mountPoint"`
	ClipDir      string `yaml:"clipDir"`
	ScratchDir   string `yaml:"scratchDir"`
	ViewDir      string `yaml:"viewDir"`
	LedgerFile   string `yaml:"ledgerFile"`
	LogFile      string `yaml:"logFile"`
	GadgetLun    string `yaml:"gadgetLun"`

	// Thresholds.
	MinFreeBytes uint64 `yaml:"minFreeBytes"`
	MinClipBytes int64  `yaml:"minClipBytes"`

	// Retry policy shared by mount and reachability code.
	RetryAttempts int      `yaml:"retryAttempts"`
	RetryDelay    Duration `yaml:"retryDelay"`
	PollInterval  Duration `yaml:"pollInterval"`
	MountTimeout  Duration `yaml:"mountTimeout"`

	// External collaborators, argv lists, program first.  Exit-status
	// contracts are documented per component.
	ProbeCmd      []string `yaml:"probeCmd"`
	GadgetEnable  []string `yaml:"gadgetEnable"`
	GadgetDisable []string `yaml:"gadgetDisable"`
	TransportCmd  []string `yaml:"transportCmd"`
	NotifyCmd     []string `yaml:"notifyCmd"`
	FilterHookCmd []string `yaml:"filterHookCmd"`
	SnapshotCmd   []string `yaml:"snapshotCmd"`
	WatchdogCmd   []string `yaml:"watchdogCmd"`

	// Background task intervals.
	SnapshotEvery Duration `yaml:"snapshotEvery"`
	WatchdogEvery Duration `yaml:"watchdogEvery"`
	LogTrimEvery  Duration `yaml:"logTrimEvery"`
	LogMaxLines   int      `yaml:"logMaxLines"`

	// Test-only reachability overrides.  If the file exists, the probe
	// result is forced without running the probe command.
	ForceReachableFile   string `yaml:"forceReachableFile"`
	ForceUnreachableFile string `yaml:"forceUnreachableFile"`
}

// `Load()` reads and parses `path`, applies defaults, and validates.  A
// missing `archiveHost` is fatal for the daemon; everything else has a
// usable default.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Category defaults: event and sentry footage is archived, rolling and track
// footage is not.
var defaultArchived = map[string]bool{
	CatRecent: false,
	CatSaved:  true,
	CatSentry: true,
	CatTrack:  false,
}

// Event-directory enumeration defaults: all categories except rolling
// footage group related files into one directory per event.
var defaultEvents = map[string]bool{
	CatRecent: false,
	CatSaved:  true,
	CatSentry: true,
	CatTrack:  true,
}

func (cfg *Config) applyDefaults() {
	if cfg.Categories == nil {
		cfg.Categories = make(map[string]CategoryConfig)
	}
	for _, name := range []string{CatRecent, CatSaved, CatSentry, CatTrack} {
		c := cfg.Categories[name]
		if c.Archive == nil {
			v := defaultArchived[name]
			c.Archive = &v
		}
		if c.Events == nil {
			v := defaultEvents[name]
			c.Events = &v
		}
		cfg.Categories[name] = c
	}

	if cfg.BackingImage == "" {
		cfg.BackingImage = "/backingfiles/cam_disk.bin"
	}
	if cfg.MountPoint == "" {
		cfg.MountPoint = "/mnt/cam"
	}
	if cfg.ClipDir == "" {
		cfg.ClipDir = "TeslaCam"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = "/mutable/scratch"
	}
	if cfg.ViewDir == "" {
		cfg.ViewDir = "/mutable/camview"
	}
	if cfg.LedgerFile == "" {
		cfg.LedgerFile = "/mutable/archived-clips"
	}
	if cfg.LogFile == "" {
		cfg.LogFile = "/mutable/teslausbd.log"
	}
	if cfg.GadgetLun == "" {
		cfg.GadgetLun = "/sys/kernel/config/usb_gadget/teslausb/functions/mass_storage.0/lun.0/file"
	}

	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = 20 << 30
	}
	if cfg.MinClipBytes == 0 {
		cfg.MinClipBytes = 100 << 10
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 10
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = Duration(1 * time.Second)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(1 * time.Second)
	}
	if cfg.MountTimeout == 0 {
		cfg.MountTimeout = Duration(10 * time.Second)
	}

	if len(cfg.ProbeCmd) == 0 && cfg.ArchiveHost != "" {
		cfg.ProbeCmd = []string{"ping", "-c", "1", "-w", "2", cfg.ArchiveHost}
	}

	if cfg.SnapshotEvery == 0 {
		cfg.SnapshotEvery = Duration(1 * time.Hour)
	}
	if cfg.WatchdogEvery == 0 {
		cfg.WatchdogEvery = Duration(1 * time.Minute)
	}
	if cfg.LogTrimEvery == 0 {
		cfg.LogTrimEvery = Duration(1 * time.Hour)
	}
	if cfg.LogMaxLines == 0 {
		cfg.LogMaxLines = 10000
	}
}

func (cfg *Config) validate() error {
	if cfg.ArchiveHost == "" {
		return ErrNoArchiveHost
	}
	for name := range cfg.Categories {
		switch name {
		case CatRecent, CatSaved, CatSentry, CatTrack:
		default:
			return fmt.Errorf("unknown clip category `%s`", name)
		}
	}
	return nil
}

// `ResolveArchiveHost()` verifies that the archive endpoint resolves.  It is
// separate from `validate()` so that tests can parse configs without a
// resolver.
func (cfg *Config) ResolveArchiveHost() error {
	if _, err := net.LookupHost(cfg.ArchiveHost); err != nil {
		return fmt.Errorf(
			"cannot resolve archiveHost `%s`: %v",
			cfg.ArchiveHost, err,
		)
	}
	return nil
}

// `Archived()` reports whether clips of `name` are archived.
func (cfg *Config) Archived(name string) bool {
	c, ok := cfg.Categories[name]
	return ok && c.Archive != nil && *c.Archive
}

// `ClipRoot()` is the absolute path of the clip tree.  A relative
// `clipDir` names a directory below the mount point.
func (cfg *Config) ClipRoot() string {
	if filepath.IsAbs(cfg.ClipDir) {
		return cfg.ClipDir
	}
	return filepath.Join(cfg.MountPoint, cfg.ClipDir)
}
