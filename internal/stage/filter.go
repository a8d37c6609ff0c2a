package stage

import (
	"fmt"

	"github.com/gobwas/glob"

	"sdlcflow/internal/adapter"
)

// FileFilter selects the changed files unit tests are generated for.
type FileFilter struct {
	include []glob.Glob
	exclude []glob.Glob
	max     int
}

// NewFileFilter compiles include and exclude globs. "**" crosses directory
// separators, "*" does not. An empty include list matches every file; max <= 0
// means no limit.
func NewFileFilter(include, exclude []string, max int) (*FileFilter, error) {
	f := &FileFilter{max: max}
	var err error
	if f.include, err = compileGlobs(include); err != nil {
		return nil, err
	}
	if f.exclude, err = compileGlobs(exclude); err != nil {
		return nil, err
	}
	return f, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Match reports whether path is included and not excluded.
func (f *FileFilter) Match(path string) bool {
	for _, g := range f.exclude {
		if g.Match(path) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, g := range f.include {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Select returns the first matching files in order, skipping removed files.
func (f *FileFilter) Select(files []adapter.ChangedFile) []adapter.ChangedFile {
	var out []adapter.ChangedFile
	for _, file := range files {
		if f.max > 0 && len(out) == f.max {
			break
		}
		if file.Status == "removed" || !f.Match(file.Path) {
			continue
		}
		out = append(out, file)
	}
	return out
}
