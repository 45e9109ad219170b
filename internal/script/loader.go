package script

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Loader reads script source from disk into the language registry and
// writes it back on save. Scripts are keyed by their path relative to the
// script directory. Persisted state is the source text only.
type Loader struct {
	lang *Language
	dir  string
}

// NewLoader creates a loader rooted at dir.
func NewLoader(lang *Language, dir string) *Loader {
	return &Loader{lang: lang, dir: dir}
}

// Dir returns the loader's script directory.
func (ld *Loader) Dir() string {
	return ld.dir
}

// Key converts an absolute or dir-relative file path to the registry key.
func (ld *Loader) Key(path string) string {
	if rel, err := filepath.Rel(ld.dir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(path)
}

// LoadAll loads every .lua file under the script directory, in lexical
// order so base classes in earlier files resolve for later ones. One bad
// script does not stop the rest; the first error is reported after all
// files have been tried.
func (ld *Loader) LoadAll() error {
	var paths []string
	err := filepath.WalkDir(ld.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".lua") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(paths)

	var firstErr error
	for _, path := range paths {
		if _, err := ld.LoadFile(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LoadFile reads one script file and loads or reloads it.
func (ld *Loader) LoadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	key := ld.Key(path)
	if s, ok := ld.lang.Script(key); ok && s.reload != nil {
		return s, ld.lang.Reload(key, string(data))
	}
	return ld.lang.LoadScript(key, string(data))
}

// Save writes a script's source text back to disk and pushes the new
// source through the registry.
func (ld *Loader) Save(key, source string) error {
	path := filepath.Join(ld.dir, filepath.FromSlash(key))
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		return err
	}
	if _, ok := ld.lang.Script(key); ok {
		return ld.lang.Reload(key, source)
	}
	_, err := ld.lang.LoadScript(key, source)
	return err
}
