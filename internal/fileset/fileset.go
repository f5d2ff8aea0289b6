package fileset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/schaermu/pingsync/internal/ledger"
)

// CVSMarkers are matched as substrings of "/"+relative path when VCS
// exclusion is enabled.
var CVSMarkers = []string{
	"/.git/",
	"/.svn/",
}

// Filter decides which relative paths are left out of a transfer
type Filter struct {
	cvs      bool
	patterns []glob.Glob
}

// NewFilter builds a filter from the VCS switch and glob patterns such as
// "**/*.tmp". Patterns match slash-separated relative paths.
func NewFilter(cvsExclude bool, patterns []string) (*Filter, error) {
	f := &Filter{cvs: cvsExclude}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, g)
	}
	return f, nil
}

// Excluded reports whether rel should be skipped
func (f *Filter) Excluded(rel string) bool {
	if f == nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if f.cvs {
		padded := "/" + rel
		for _, m := range CVSMarkers {
			if strings.Contains(padded, m) {
				return true
			}
		}
	}
	for _, g := range f.patterns {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// internal reports whether a walked entry belongs to the tool itself:
// ledger trees and resumption sidecars.
func internal(info os.FileInfo) bool {
	if info.IsDir() {
		return info.Name() == ledger.DirName
	}
	return ledger.IsSidecar(info.Name())
}

// Collect returns every regular file under root, sorted. A root that is a
// file yields just that file. Ledger directories and sidecars are never
// returned; the filter is applied to paths relative to root.
func Collect(root string, f *Filter) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if !info.Mode().IsRegular() || internal(info) {
			return nil, nil
		}
		return []string{root}, nil
	}

	var files []string
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		if internal(info) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := RelativePath(root, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			// A trailing slash lets directory markers such as /.git/ match.
			if f.Excluded(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() && !f.Excluded(rel) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// RelativePath returns target relative to baseDir with forward slashes
func RelativePath(baseDir, target string) (string, error) {
	rel, err := filepath.Rel(baseDir, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Resolve maps a peer-supplied relative name onto root, refusing names that
// would escape it.
func Resolve(root, name string) (string, error) {
	slashed := filepath.ToSlash(name)
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the served directory", name)
		}
	}
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(slashed, "/"))), nil
}

// FirstDir returns the first segment of a slash-separated relative path that
// has at least one directory component, or "" for a bare file name.
func FirstDir(rel string) string {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "/")
	i := strings.Index(rel, "/")
	if i <= 0 {
		return ""
	}
	return rel[:i]
}
