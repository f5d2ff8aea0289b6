package fileset

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Prune deletes files under root that a sync listing no longer contains.
//
// Entries are slash-separated paths relative to root. They are grouped by
// their first directory segment and each group is compared only against the
// files under root/<firstDir>, so directories the listing never mentions are
// left alone. Entries without a directory segment form no group. When scope
// is set, only files inside it are candidates and the scope's own top-level
// directory is compared even if the listing is empty.
//
// remove is called for each stale file; nil means os.Remove. The removed
// paths are returned.
func Prune(root, scope string, entries []string, remove func(path string) error) ([]string, error) {
	if remove == nil {
		remove = os.Remove
	}
	scope = strings.Trim(filepath.ToSlash(scope), "/")

	groups := make(map[string]map[string]bool)
	for _, e := range entries {
		e = strings.TrimPrefix(filepath.ToSlash(e), "/")
		d := FirstDir(e)
		if d == "" || d == "." || d == ".." {
			continue
		}
		if groups[d] == nil {
			groups[d] = make(map[string]bool)
		}
		groups[d][e] = true
	}
	if scope != "" {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(scope)))
		if err == nil && info.IsDir() {
			d := FirstDir(scope + "/")
			if groups[d] == nil {
				groups[d] = make(map[string]bool)
			}
		}
	}

	names := make([]string, 0, len(groups))
	for d := range groups {
		names = append(names, d)
	}
	sort.Strings(names)

	var removed []string
	for _, d := range names {
		keep := groups[d]
		local, err := Collect(filepath.Join(root, filepath.FromSlash(d)), nil)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, err
		}

		// Deepest paths first, matching a reverse-sorted walk.
		sort.Sort(sort.Reverse(sort.StringSlice(local)))
		for _, path := range local {
			rel, err := RelativePath(root, path)
			if err != nil {
				return removed, err
			}
			if scope != "" && rel != scope && !strings.HasPrefix(rel, scope+"/") {
				continue
			}
			if keep[rel] {
				continue
			}
			if err := remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, err
			}
			removed = append(removed, path)
		}
	}
	return removed, nil
}
