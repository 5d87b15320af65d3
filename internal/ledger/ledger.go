// Package `ledger` maintains the durable record of clip paths that have
// already been archived.  The ledger is the only state that survives
// restarts; it is the source of truth for "already archived".
//
// The on-disk format is newline-separated, sorted, relative clip paths.
// Updates replace the file atomically, write-temp-then-rename, so a crash
// mid-write never yields a truncated ledger.
package ledger

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Ledger struct {
	path  string
	paths map[string]struct{}
	dirty bool
}

// `Load()` reads the ledger at `path`.  A missing file is an empty ledger,
// which is the normal state on first boot.
func Load(path string) (*Ledger, error) {
	l := &Ledger{
		path:  path,
		paths: make(map[string]struct{}),
	}

	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	} else if err != nil {
		return nil, err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		l.paths[line] = struct{}{}
	}
	return l, nil
}

func (l *Ledger) Len() int {
	return len(l.paths)
}

func (l *Ledger) Contains(p string) bool {
	_, ok := l.paths[p]
	return ok
}

// `Paths()` returns the ledger entries, sorted.
func (l *Ledger) Paths() []string {
	ps := make([]string, 0, len(l.paths))
	for p := range l.paths {
		ps = append(ps, p)
	}
	sort.Strings(ps)
	return ps
}

// `Prune()` intersects the ledger with `candidates`, dropping entries for
// paths that are no longer present anywhere.  This bounds ledger growth:
// after pruning, the ledger is a subset of the candidate set.
func (l *Ledger) Prune(candidates []string) {
	keep := make(map[string]struct{}, len(l.paths))
	for _, c := range candidates {
		if _, ok := l.paths[c]; ok {
			keep[c] = struct{}{}
		}
	}
	if len(keep) != len(l.paths) {
		l.dirty = true
	}
	l.paths = keep
}

// `Diff()` returns `candidates` minus the ledger, sorted.  The result is
// independent of the input ordering.
func (l *Ledger) Diff(candidates []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if _, ok := l.paths[c]; !ok {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// `Add()` records `paths` as archived.
func (l *Ledger) Add(paths []string) {
	for _, p := range paths {
		if _, ok := l.paths[p]; !ok {
			l.paths[p] = struct{}{}
			l.dirty = true
		}
	}
}

// `Persist()` writes the ledger if it changed since `Load()`.  It writes a
// temp file in the ledger directory and renames it over the durable file.
func (l *Ledger) Persist() error {
	if !l.dirty {
		return nil
	}

	dir := filepath.Dir(l.path)
	base := filepath.Base(l.path)
	tmp, err := ioutil.TempFile(dir, base+".tmp.")
	if err != nil {
		return err
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var buf bytes.Buffer
	for _, p := range l.Paths() {
		buf.WriteString(p)
		buf.WriteByte('\n')
	}
	if _, err := io.Copy(tmp, &buf); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return err
	}
	tmp = nil
	l.dirty = false

	return nil
}
