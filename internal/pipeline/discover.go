package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Discover returns the absolute paths of every regular file under root whose
// base name matches pattern, sorted. A root that does not exist yields no
// files.
//
// When skip is set, a path that cannot be read is passed to it and the walk
// goes on without it; otherwise the walk stops with that error.
func Discover(root, pattern string, skip func(path string, err error)) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("discover: pattern %q: %w", pattern, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return discoverFS(os.DirFS(abs), abs, pattern, skip)
}

// discoverFS walks fsys, whose root is the directory abs.
func discoverFS(fsys fs.FS, abs, pattern string, skip func(path string, err error)) ([]string, error) {
	var files []string
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		full := filepath.Join(abs, filepath.FromSlash(path))
		if err != nil {
			if skip == nil {
				return err
			}
			skip(full, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			files = append(files, full)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", abs, err)
	}
	sort.Strings(files)
	return files, nil
}
