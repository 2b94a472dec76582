package discovery

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agent-racer/tracewatch/internal/config"
	"github.com/agent-racer/tracewatch/internal/trace"
)

const defaultPattern = "*.jsonl"

// ErrNotTrace is returned by Classify for paths outside every root or not
// matching a root's pattern.
var ErrNotTrace = errors.New("not a trace path")

// RootError wraps a failure to walk one configured root.
type RootError struct {
	Profile string
	Path    string
	Err     error
}

func (e *RootError) Error() string {
	return fmt.Sprintf("discover %s (%s): %v", e.Profile, e.Path, e.Err)
}

func (e *RootError) Unwrap() error { return e.Err }

// RootErrors flattens the error returned by Discover into per-root errors.
func RootErrors(err error) []*RootError {
	if err == nil {
		return nil
	}
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	var out []*RootError
	for _, e := range errs {
		var re *RootError
		if errors.As(e, &re) {
			out = append(out, re)
		}
	}
	return out
}

// Discoverer enumerates trace files under the configured roots.
type Discoverer struct {
	roots  []config.RootConfig
	filter PathFilter
	window time.Duration
	now    func() time.Time
}

// New builds a Discoverer. A positive window skips files whose mtime is
// older than now-window.
func New(roots []config.RootConfig, privacy config.PrivacyConfig, window time.Duration) *Discoverer {
	clean := make([]config.RootConfig, 0, len(roots))
	for _, r := range roots {
		r.Path = filepath.Clean(r.Path)
		if r.Pattern == "" {
			r.Pattern = defaultPattern
		}
		if r.Profile == "" {
			r.Profile = filepath.Base(r.Path)
		}
		clean = append(clean, r)
	}
	return &Discoverer{
		roots: clean,
		filter: PathFilter{
			AllowedPaths: privacy.AllowedPaths,
			BlockedPaths: privacy.BlockedPaths,
		},
		window: window,
		now:    time.Now,
	}
}

// Roots returns the normalized root configuration.
func (d *Discoverer) Roots() []config.RootConfig {
	return d.roots
}

// Discover walks every root and returns the candidate files, most recently
// modified first (ties by path), deduplicated by id. Roots that do not exist
// are skipped silently; other walk failures are joined into the error while
// files from healthy roots are still returned.
func (d *Discoverer) Discover(ctx context.Context) ([]trace.DiscoveredFile, error) {
	var (
		files []trace.DiscoveredFile
		errs  []error
	)
	for _, root := range d.roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := d.walkRoot(ctx, root)
		if err != nil {
			errs = append(errs, &RootError{Profile: root.Profile, Path: root.Path, Err: err})
		}
		files = append(files, found...)
	}
	return sortAndDedup(files), errors.Join(errs...)
}

func (d *Discoverer) walkRoot(ctx context.Context, root config.RootConfig) ([]trace.DiscoveredFile, error) {
	if _, err := os.Stat(root.Path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var files []trace.DiscoveredFile
	err := filepath.WalkDir(root.Path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root.Path {
				return err
			}
			// Unreadable subtree or a file removed mid-walk.
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() {
			if path != root.Path && root.MaxDepth > 0 && depth(root.Path, path) >= root.MaxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(root.Pattern, entry.Name()); !ok {
			return nil
		}
		if !d.filter.IsAllowed(path) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if d.window > 0 && info.ModTime().Before(d.now().Add(-d.window)) {
			return nil
		}
		files = append(files, describe(root, path, info))
		return nil
	})
	return files, err
}

// Classify maps a single changed path to its DiscoveredFile. It returns an
// error matching fs.ErrNotExist when the file is gone and ErrNotTrace when
// the path belongs to no root.
func (d *Discoverer) Classify(path string) (trace.DiscoveredFile, error) {
	path = filepath.Clean(path)
	root, ok := d.rootFor(path)
	if !ok || !d.filter.IsAllowed(path) {
		return trace.DiscoveredFile{}, ErrNotTrace
	}
	info, err := os.Stat(path)
	if err != nil {
		return trace.DiscoveredFile{}, err
	}
	if !info.Mode().IsRegular() {
		return trace.DiscoveredFile{}, ErrNotTrace
	}
	return describe(root, path, info), nil
}

func (d *Discoverer) rootFor(path string) (config.RootConfig, bool) {
	for _, root := range d.roots {
		rel, err := filepath.Rel(root.Path, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		if root.MaxDepth > 0 && strings.Count(rel, string(filepath.Separator)) >= root.MaxDepth {
			continue
		}
		if ok, _ := filepath.Match(root.Pattern, filepath.Base(path)); ok {
			return root, true
		}
	}
	return config.RootConfig{}, false
}

// WatchDirs lists the existing root directories and their subdirectories
// that can hold trace files.
func (d *Discoverer) WatchDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, root := range d.roots {
		_ = filepath.WalkDir(root.Path, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if entry != nil && entry.IsDir() && path != root.Path {
					return fs.SkipDir
				}
				return nil
			}
			if !entry.IsDir() {
				return nil
			}
			if path != root.Path && root.MaxDepth > 0 && depth(root.Path, path) >= root.MaxDepth {
				return fs.SkipDir
			}
			if !seen[path] {
				seen[path] = true
				dirs = append(dirs, path)
			}
			return nil
		})
	}
	return dirs
}

// Watchable reports whether a newly created directory lies inside a root at
// a depth that can still hold trace files.
func (d *Discoverer) Watchable(dir string) bool {
	dir = filepath.Clean(dir)
	for _, root := range d.roots {
		rel, err := filepath.Rel(root.Path, dir)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if rel == "." || root.MaxDepth <= 0 || depth(root.Path, dir) < root.MaxDepth {
			return true
		}
	}
	return false
}

func describe(root config.RootConfig, path string, info fs.FileInfo) trace.DiscoveredFile {
	dev, ino := fileIdentity(info)
	return trace.DiscoveredFile{
		ID:        FileID(path, dev, ino),
		Path:      path,
		Profile:   root.Profile,
		AgentHint: root.Agent,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		Dev:       dev,
		Ino:       ino,
	}
}

// FileID derives the stable trace id from path and filesystem identity.
func FileID(path string, dev, ino uint64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%d", path, dev, ino)))
	return fmt.Sprintf("%x", h[:8])
}

// depth counts directory levels of path below root (a direct child is 1).
func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func sortAndDedup(files []trace.DiscoveredFile) []trace.DiscoveredFile {
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.After(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})
	seen := make(map[string]bool, len(files))
	out := files[:0]
	for _, f := range files {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return out
}
