// Package `reclaim` frees local space after archiving: repair fragments
// first, then ordinary clips oldest-first, then empty directories, and
// finally a block-level trim so the backing image's real footprint shrinks.
package reclaim

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bt/teslausb-radxa-zero/pkg/execx"
	"golang.org/x/sys/unix"
)

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Config struct {
	Fstrim *execx.Tool
	// `FreeBytes` reports the free space of the filesystem containing
	// `path`.  Overridable for tests; nil uses statfs.
	FreeBytes func(path string) (uint64, error)
}

type Reclaimer struct {
	lg        Logger
	fstrim    *execx.Tool
	freeBytes func(path string) (uint64, error)
}

func New(lg Logger, cfg *Config) *Reclaimer {
	free := cfg.FreeBytes
	if free == nil {
		free = statfsFree
	}
	return &Reclaimer{lg: lg, fstrim: cfg.Fstrim, freeBytes: free}
}

func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// `CleanUp()` deletes files under `root` until free space exceeds `floor`.
// Known repair fragments (`lost+found` content, `FSCK*.REC` files) go
// first, then ordinary clips by modification recency, oldest first.  Empty
// directories are removed afterwards.  Running out of candidates before
// reaching the floor is reported, not an error.
func (r *Reclaimer) CleanUp(root string, floor uint64) error {
	r.removeRepairFragments(root)

	free, err := r.freeBytes(root)
	if err != nil {
		return err
	}
	if free >= floor {
		r.lg.Infow(
			"Free space above floor; nothing to reclaim.",
			"free", free, "floor", floor,
		)
		r.removeEmptyDirs(root)
		return nil
	}

	files, err := listFilesOldestFirst(root)
	if err != nil {
		return err
	}

	deleted := 0
	for _, f := range files {
		free, err = r.freeBytes(root)
		if err != nil {
			return err
		}
		if free >= floor {
			break
		}
		if err := os.Remove(f.path); err != nil {
			r.lg.Warnw(
				"Failed to delete clip.",
				"path", f.path, "err", err,
			)
			continue
		}
		deleted++
	}

	free, err = r.freeBytes(root)
	if err != nil {
		return err
	}
	if free < floor {
		r.lg.Warnw(
			"Free-space floor not reached after deleting all candidates.",
			"free", free, "floor", floor, "deleted", deleted,
		)
	} else {
		r.lg.Infow(
			"Reclaimed space.",
			"free", free, "floor", floor, "deleted", deleted,
		)
	}

	r.removeEmptyDirs(root)
	return nil
}

// `TrimFreeSpace()` issues a block-level trim so deleted extents are
// released by the backing image.  Failure is logged, non-fatal.
func (r *Reclaimer) TrimFreeSpace(ctx context.Context, target string) {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Minute)
	defer cancel()
	out, err := execx.Argv{
		r.fstrim.Path, target,
	}.Command(ctx).CombinedOutput()
	if err != nil {
		r.lg.Warnw(
			"fstrim failed.",
			"target", target,
			"err", err,
			"output", strings.TrimSpace(string(out)),
		)
		return
	}
	r.lg.Infow("Trimmed free space.", "target", target)
}

// Fragments that a filesystem repair may leave behind.  They are deleted
// unconditionally; they are never capture data in a recoverable form.
func (r *Reclaimer) removeRepairFragments(root string) {
	lf := filepath.Join(root, "lost+found")
	if entries, err := ioutil.ReadDir(lf); err == nil {
		for _, e := range entries {
			p := filepath.Join(lf, e.Name())
			if err := os.RemoveAll(p); err != nil {
				r.lg.Warnw(
					"Failed to delete repair fragment.",
					"path", p, "err", err,
				)
			}
		}
	}

	matches, _ := filepath.Glob(filepath.Join(root, "FSCK*.REC"))
	for _, p := range matches {
		if err := os.Remove(p); err != nil {
			r.lg.Warnw(
				"Failed to delete repair fragment.",
				"path", p, "err", err,
			)
		}
	}
}

type fileAge struct {
	path  string
	mtime time.Time
}

func listFilesOldestFirst(root string) ([]fileAge, error) {
	var files []fileAge
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// A candidate may vanish mid-walk; skip it.
			return nil
		}
		if info.IsDir() {
			if info.Name() == "lost+found" {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		files = append(files, fileAge{path: path, mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mtime.Equal(files[j].mtime) {
			return files[i].path < files[j].path
		}
		return files[i].mtime.Before(files[j].mtime)
	})
	return files, nil
}

// `removeEmptyDirs()` removes directories that became empty during cleanup,
// deepest first, but keeps `root` itself and `lost+found`.
func (r *Reclaimer) removeEmptyDirs(root string) {
	var dirs []string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && path != root && info.Name() != "lost+found" {
			dirs = append(dirs, path)
		}
		return nil
	})
	// Deepest first, so nested empty directories collapse bottom-up.
	sort.Slice(dirs, func(i, j int) bool {
		return len(dirs[i]) > len(dirs[j])
	})
	for _, d := range dirs {
		entries, err := ioutil.ReadDir(d)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(d); err == nil {
			r.lg.Infow("Removed empty directory.", "path", d)
		}
	}
}
