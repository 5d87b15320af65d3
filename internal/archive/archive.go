// Package `archive` orchestrates one archiving pass over the snapshot view:
// build the candidate list, diff it against the ledger, filter degenerate
// clips, invoke the transport, reconcile what actually left, and reclaim
// space.
//
// A failed transport degrades the outcome message but never skips a phase;
// reconciliation credits partial progress, and cleanup and trim always run.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bt/teslausb-radxa-zero/internal/ledger"
	"github.com/bt/teslausb-radxa-zero/internal/reclaim"
	"github.com/bt/teslausb-radxa-zero/internal/snapview"
	"github.com/bt/teslausb-radxa-zero/pkg/execx"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// Session phases.  Transitions are logged with counts; no phase is skipped
// on failure.
type State int

const (
	Idle State = iota
	BuildingCandidates
	Filtering
	Transporting
	Reconciling
	CleaningUp
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case BuildingCandidates:
		return "building-candidates"
	case Filtering:
		return "filtering"
	case Transporting:
		return "transporting"
	case Reconciling:
		return "reconciling"
	case CleaningUp:
		return "cleaning-up"
	default:
		return "unknown"
	}
}

// `Category` is one clip category under the view root.  `Events` selects
// directory-per-event units instead of per-file units.  `Trigger`, if set,
// is a sentinel file name injected into the view to signal the transport to
// prioritize this category; each category's trigger is labeled
// independently.
type Category struct {
	Name    string
	Events  bool
	Trigger string
}

type Config struct {
	View       *snapview.Builder
	LedgerPath string
	Categories []Category

	// Clips smaller than `MinClipBytes` are degenerate (aborted writes,
	// sub-second fragments) and are never offered to the transport.
	MinClipBytes int64

	// `Transport` is invoked as
	// `transport <viewroot> <listfile> <triggerdir> <triggerlist>`.
	// Exit 0 is full success; nonzero is partial/failed, and the session
	// still reconciles whatever left the view.
	Transport execx.Argv
	// `Notify` is best-effort; it receives a human-readable message as
	// its final argument.
	Notify execx.Argv
	// `FilterHook`, if configured, receives the candidate-list path and
	// may rewrite it to apply manual include/exclude policy.
	FilterHook execx.Argv

	Reclaimer *reclaim.Reclaimer
	// `CleanRoot` is the real clip tree that cleanup may delete from,
	// and `TrimTarget` the mount to trim.  Cleanup runs only after the
	// view is unmounted.
	CleanRoot    string
	TrimTarget   string
	MinFreeBytes uint64
}

type Controller struct {
	lg    Logger
	cfg   Config
	state State
}

// `Outcome` is the per-session record.
type Outcome struct {
	Started       time.Time
	Elapsed       time.Duration
	Succeeded     bool
	Counts        map[string]int
	Ignored       int
	NewlyArchived []string
}

func (o *Outcome) Message() string {
	total := 0
	for _, n := range o.Counts {
		total += n
	}
	verdict := "succeeded"
	if !o.Succeeded {
		verdict = "had errors"
	}
	return fmt.Sprintf(
		"Archiving %s: %d of %d clips archived, %d ignored, in %s.",
		verdict, len(o.NewlyArchived), total, o.Ignored,
		o.Elapsed.Round(time.Second),
	)
}

func New(lg Logger, cfg *Config) *Controller {
	return &Controller{lg: lg, cfg: *cfg, state: Idle}
}

func (c *Controller) setState(s State, kv ...interface{}) {
	c.lg.Infow(
		"Session state change.",
		append([]interface{}{"from", c.state.String(), "to", s.String()}, kv...)...,
	)
	c.state = s
}

// `RunSession()` executes one archiving pass.  The caller holds the
// exclusive claim on the backing image mount for the whole call.
func (c *Controller) RunSession(ctx context.Context) (*Outcome, error) {
	o := &Outcome{
		Started: time.Now(),
		Counts:  make(map[string]int),
	}
	defer func() {
		o.Elapsed = time.Since(o.Started)
		c.setState(Idle, "archived", len(o.NewlyArchived))
	}()

	c.notify(ctx, "Archiving started.")

	c.setState(BuildingCandidates)
	if err := c.cfg.View.Mount(ctx); err != nil {
		return o, fmt.Errorf("failed to mount snapshot view: %v", err)
	}
	viewMounted := true
	unmountView := func() {
		if !viewMounted {
			return
		}
		viewMounted = false
		if err := c.cfg.View.Unmount(); err != nil {
			c.lg.Errorw(
				"Failed to unmount snapshot view.", "err", err,
			)
		}
	}
	defer unmountView()

	candidates, err := c.buildCandidates()
	if err != nil {
		return o, err
	}

	led, err := ledger.Load(c.cfg.LedgerPath)
	if err != nil {
		return o, fmt.Errorf("failed to load ledger: %v", err)
	}
	before := led.Len()
	led.Prune(candidates)
	toArchive := led.Diff(candidates)
	c.lg.Infow(
		"Built candidate set.",
		"candidates", len(candidates),
		"ledger", led.Len(),
		"pruned", before-led.Len(),
		"toArchive", len(toArchive),
	)

	c.setState(Filtering, "toArchive", len(toArchive))
	toArchive, ignored := c.dropShortClips(toArchive)
	o.Ignored = len(ignored)

	workDir, err := ioutil.TempDir("", "teslausbd-session-")
	if err != nil {
		return o, err
	}
	defer os.RemoveAll(workDir)

	listPath := filepath.Join(workDir, "clips.list")
	if err := writeList(listPath, toArchive); err != nil {
		return o, err
	}
	toArchive = c.applyFilterHook(ctx, listPath, toArchive)

	for _, p := range toArchive {
		o.Counts[categoryOf(p)]++
	}
	c.notify(ctx, fmt.Sprintf(
		"Archiving %d clips (%d ignored).", len(toArchive), o.Ignored,
	))

	c.setState(Transporting, "clips", len(toArchive))
	triggerDir, triggerList, triggers := c.injectTriggers(workDir)
	transportErr := c.runTransport(ctx, listPath, triggerDir, triggerList)
	o.Succeeded = transportErr == nil
	if transportErr != nil {
		c.lg.Warnw(
			"Transport reported failure; reconciling partial progress.",
			"status", execx.ExitCode(transportErr),
		)
	}

	c.setState(Reconciling)
	o.NewlyArchived = c.reconcile(toArchive)
	led.Add(o.NewlyArchived)
	if err := led.Persist(); err != nil {
		c.lg.Errorw("Failed to persist ledger.", "err", err)
		o.Succeeded = false
	}
	c.removeTriggers(triggers)

	c.setState(CleaningUp, "newlyArchived", len(o.NewlyArchived))
	// Unmount before cleanup mutates the lower layer.  Cleanup and trim
	// run even after a failed transport; housekeeping is never skipped.
	unmountView()
	if err := c.cfg.Reclaimer.CleanUp(
		c.cfg.CleanRoot, c.cfg.MinFreeBytes,
	); err != nil {
		c.lg.Errorw("Cleanup failed.", "err", err)
	}
	c.cfg.Reclaimer.TrimFreeSpace(ctx, c.cfg.TrimTarget)

	o.Elapsed = time.Since(o.Started)
	c.notify(ctx, o.Message())
	return o, nil
}

// `buildCandidates()` enumerates capturable units per category by listing
// the merged view.  Entries are not dereferenced: a candidate symlink into
// a historical snapshot must not be materialized during enumeration.
func (c *Controller) buildCandidates() ([]string, error) {
	var out []string
	root := c.cfg.View.Root()
	for _, cat := range c.cfg.Categories {
		dir := filepath.Join(root, cat.Name)
		entries, err := ioutil.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, err
		}
		for _, e := range entries {
			isLink := e.Mode()&os.ModeSymlink != 0
			if cat.Events {
				if !e.IsDir() && !isLink {
					continue
				}
			} else {
				if !e.Mode().IsRegular() && !isLink {
					continue
				}
			}
			out = append(out, cat.Name+"/"+e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// `dropShortClips()` removes degenerate candidates.  This is the only place
// enumeration dereferences: size requires following the entry to its
// content.  Dangling entries are ignored too.
func (c *Controller) dropShortClips(paths []string) (kept, ignored []string) {
	root := c.cfg.View.Root()
	for _, p := range paths {
		size, err := clipSize(filepath.Join(root, p))
		if err != nil || size < c.cfg.MinClipBytes {
			ignored = append(ignored, p)
			continue
		}
		kept = append(kept, p)
	}
	if len(ignored) > 0 {
		c.lg.Infow("Ignored short clips.", "count", len(ignored))
	}
	return kept, ignored
}

func clipSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !st.IsDir() {
		return st.Size(), nil
	}
	var total int64
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// `applyFilterHook()` lets an external policy command rewrite the candidate
// list.  A missing or failing hook is degraded-continue: the unfiltered
// list stands.
func (c *Controller) applyFilterHook(ctx context.Context, listPath string, toArchive []string) []string {
	if c.cfg.FilterHook.IsZero() {
		return toArchive
	}
	cmd := c.cfg.FilterHook.Command(ctx, listPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		c.lg.Warnw(
			"Filter hook failed; keeping unfiltered list.",
			"err", err,
		)
		return toArchive
	}
	filtered, err := readList(listPath)
	if err != nil {
		c.lg.Warnw(
			"Failed to re-read filtered list; keeping unfiltered list.",
			"err", err,
		)
		return toArchive
	}
	if len(filtered) != len(toArchive) {
		c.lg.Infow(
			"Filter hook changed candidate list.",
			"before", len(toArchive),
			"after", len(filtered),
		)
	}
	return filtered
}

// `injectTriggers()` creates per-category sentinel files in the view and a
// trigger list naming them, one `<category>\t<file>` line each.
func (c *Controller) injectTriggers(workDir string) (string, string, []string) {
	triggerDir := filepath.Join(c.cfg.View.Root(), "triggers")
	triggerList := filepath.Join(workDir, "triggers.list")

	var lines bytes.Buffer
	var created []string
	for _, cat := range c.cfg.Categories {
		if cat.Trigger == "" {
			continue
		}
		if err := os.MkdirAll(triggerDir, 0755); err != nil {
			c.lg.Warnw("Failed to create trigger dir.", "err", err)
			break
		}
		p := filepath.Join(triggerDir, cat.Trigger)
		if err := ioutil.WriteFile(p, nil, 0644); err != nil {
			c.lg.Warnw(
				"Failed to inject trigger.",
				"category", cat.Name,
				"err", err,
			)
			continue
		}
		created = append(created, p)
		fmt.Fprintf(&lines, "%s\t%s\n", cat.Name, cat.Trigger)
	}
	if err := ioutil.WriteFile(
		triggerList, lines.Bytes(), 0644,
	); err != nil {
		c.lg.Warnw("Failed to write trigger list.", "err", err)
	}
	return triggerDir, triggerList, created
}

// Triggers are session-scoped and removed regardless of outcome.
func (c *Controller) removeTriggers(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			c.lg.Warnw(
				"Failed to remove trigger.",
				"path", p,
				"err", err,
			)
		}
	}
}

func (c *Controller) runTransport(ctx context.Context, listPath, triggerDir, triggerList string) error {
	cmd := c.cfg.Transport.Command(
		ctx, c.cfg.View.Root(), listPath, triggerDir, triggerList,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// `reconcile()` computes which clips actually left the view.  Partial
// transport progress is valid and must be credited, so this runs after
// success and failure alike.
func (c *Controller) reconcile(toArchive []string) []string {
	root := c.cfg.View.Root()
	var archived []string
	for _, p := range toArchive {
		if _, err := os.Lstat(filepath.Join(root, p)); os.IsNotExist(err) {
			archived = append(archived, p)
		}
	}
	sort.Strings(archived)
	return archived
}

func (c *Controller) notify(ctx context.Context, msg string) {
	if c.cfg.Notify.IsZero() {
		return
	}
	if err := c.cfg.Notify.Command(ctx, msg).Run(); err != nil {
		c.lg.Warnw("Notification failed.", "err", err)
	}
}

func categoryOf(p string) string {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}

func writeList(path string, paths []string) error {
	var buf bytes.Buffer
	for _, p := range paths {
		buf.WriteString(p)
		buf.WriteByte('\n')
	}
	return ioutil.WriteFile(path, buf.Bytes(), 0644)
}

func readList(path string) ([]string, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	sort.Strings(out)
	return out, nil
}
