// Package discovery walks configured source trees and produces the set of
// candidate files for preparation.
package discovery

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"
)

// Source is the subset of config.Source discovery needs, kept independent
// of the config package so discovery has no import-time dependency on it.
type Source struct {
	ParentDirectory string
	MaxDepth        int
	SkipDirs        []string
}

// Walk discovers files beneath root, honoring maxDepth (0 = unlimited) and
// skipDirs glob/plain-name exclusions. Symlinks are never followed, and only
// regular files are returned (devices, sockets and pipes are left out), in
// walk order. Unreadable subtrees are logged and skipped, not
// treated as fatal.
func Walk(src Source) []string {
	var files []string
	rootDepth := strings.Count(filepath.Clean(src.ParentDirectory), string(filepath.Separator))

	_ = filepath.WalkDir(src.ParentDirectory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logrus.WithError(err).WithField("path", path).Warn("discovery: unreadable entry, skipping")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if d.IsDir() {
			if path == src.ParentDirectory {
				return nil
			}
			if matchesSkip(d.Name(), src.SkipDirs) {
				return filepath.SkipDir
			}
			if src.MaxDepth > 0 {
				depth := filepath.Clean(path)
				if strings.Count(depth, string(filepath.Separator))-rootDepth > src.MaxDepth {
					return filepath.SkipDir
				}
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		files = append(files, path)
		return nil
	})

	return files
}

// WalkAll discovers files for every source, keyed by its ParentDirectory.
func WalkAll(sources []Source) map[string][]string {
	result := make(map[string][]string, len(sources))
	for _, s := range sources {
		result[s.ParentDirectory] = Walk(s)
	}
	return result
}

func matchesSkip(name string, patterns []string) bool {
	for _, p := range patterns {
		if name == p {
			return true
		}
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
