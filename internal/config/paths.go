package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var configExts = map[string]bool{".toml": true, ".yaml": true, ".yml": true, ".json": true}

// ProcessPaths expands directories and glob patterns into a sorted, de-duplicated
// list of config files. Directory entries keep only known config extensions.
// An explicit format on a directory or glob applies to every file it expands to.
func ProcessPaths(paths []Path) ([]Path, error) {
	seen := map[string]bool{}
	var out []Path
	var errs []error
	add := func(p Path) {
		abs, err := filepath.Abs(p.Path)
		if err != nil {
			abs = p.Path
		}
		if seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, Path{Path: p.Path, Format: p.Format})
	}

	for _, p := range paths {
		matches := []string{p.Path}
		if strings.ContainsAny(p.Path, "*?[") {
			m, err := filepath.Glob(p.Path)
			if err != nil {
				errs = append(errs, fmt.Errorf("bad glob %q: %w", p.Path, err))
				continue
			}
			if len(m) == 0 {
				errs = append(errs, fmt.Errorf("config path %q matched no files", p.Path))
				continue
			}
			matches = m
		}
		sort.Strings(matches)
		for _, m := range matches {
			fi, err := os.Stat(m)
			if err != nil {
				errs = append(errs, fmt.Errorf("config path %q: %w", m, err))
				continue
			}
			if !fi.IsDir() {
				add(Path{Path: m, Format: p.Format})
				continue
			}
			entries, err := os.ReadDir(m)
			if err != nil {
				errs = append(errs, fmt.Errorf("read config dir %q: %w", m, err))
				continue
			}
			for _, e := range entries {
				if e.IsDir() || !configExts[strings.ToLower(filepath.Ext(e.Name()))] {
					continue
				}
				add(Path{Path: filepath.Join(m, e.Name()), Format: p.Format})
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(out) == 0 {
		return nil, errors.New("no config files found")
	}
	return out, nil
}
