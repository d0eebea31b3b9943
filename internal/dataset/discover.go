package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var idxRegexp = regexp.MustCompile(`-idx[0-9]+-ubyte(\.gz)?$`)

// DiscoverIDX returns the IDX files beneath root, sorted.
func DiscoverIDX(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if idxRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover idx files: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// Resolve joins each name onto root and checks that it is a regular file.
// Missing files produce an error wrapping fs.ErrNotExist that lists what was found.
func Resolve(root string, names ...string) ([]string, error) {
	paths := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			return nil, errors.New("dataset: empty file name")
		}
		path := name
		if !filepath.IsAbs(name) {
			path = filepath.Join(root, name)
		}
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			found, _ := DiscoverIDX(root)
			return nil, fmt.Errorf("dataset: %s: %w (idx files under %s: [%s])",
				path, fs.ErrNotExist, root, strings.Join(found, ", "))
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: stat %s: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("dataset: %s is a directory", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
