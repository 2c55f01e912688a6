package document

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FindFiles walks root and returns the files whose trailing path segments
// match any of patterns, e.g. "*.yaml" or "*/vars/*.yaml". Results are
// ordered shortest path first with a lexical tie-break. A missing root
// yields no files.
func FindFiles(root string, patterns ...string) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}

	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		for _, pattern := range patterns {
			if matchSuffix(filepath.ToSlash(rel), pattern) {
				files = append(files, p)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	sort.Slice(files, func(i, j int) bool {
		if len(files[i]) != len(files[j]) {
			return len(files[i]) < len(files[j])
		}
		return files[i] < files[j]
	})
	return files, nil
}

func matchSuffix(rel, pattern string) bool {
	segments := strings.Split(rel, "/")
	want := strings.Count(pattern, "/") + 1
	if want > len(segments) {
		return false
	}
	tail := strings.Join(segments[len(segments)-want:], "/")
	ok, err := path.Match(pattern, tail)
	return err == nil && ok
}
