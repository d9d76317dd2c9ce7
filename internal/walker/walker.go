package walker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// FileInfo represents a file found under the walk root
type FileInfo struct {
	Path    string // Path on the filesystem
	RelPath string // Slash separated path relative to the root
	Size    int64
	ModTime int64 // Unix timestamp
	Mode    os.FileMode
}

// Walker walks a directory tree on an afero filesystem, skipping any file
// whose relative path starts with one of the exclude prefixes.
type Walker struct {
	fs       afero.Fs
	root     string
	excludes []string
}

// NewWalker creates a new file walker
func NewWalker(fsys afero.Fs, root string, excludes []string) (*Walker, error) {
	root = filepath.Clean(root)

	// Validate root exists and is a directory
	info, err := fsys.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", root)
	}

	var prefixes []string
	for _, e := range excludes {
		// An empty prefix would exclude everything
		if e != "" {
			prefixes = append(prefixes, filepath.ToSlash(e))
		}
	}

	return &Walker{
		fs:       fsys,
		root:     root,
		excludes: prefixes,
	}, nil
}

// Root returns the cleaned walk root.
func (w *Walker) Root() string {
	return w.root
}

// Walk returns every regular file below the root, sorted by RelPath.
func (w *Walker) Walk() ([]FileInfo, error) {
	var files []FileInfo

	err := afero.Walk(w.fs, w.root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Skip directories
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(w.root, path)
		if err != nil {
			return fmt.Errorf("get relative path: %w", err)
		}
		relPath = filepath.ToSlash(relPath)

		if w.IsExcluded(relPath) {
			return nil
		}

		files = append(files, FileInfo{
			Path:    path,
			RelPath: relPath,
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
			Mode:    info.Mode(),
		})

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].RelPath < files[j].RelPath
	})

	return files, nil
}

// IsExcluded reports whether relPath starts with any exclude prefix.
func (w *Walker) IsExcluded(relPath string) bool {
	for _, prefix := range w.excludes {
		if strings.HasPrefix(relPath, prefix) {
			return true
		}
	}
	return false
}

// ReadExcludes parses a newline delimited list of path prefixes. Blank lines
// are ignored.
func ReadExcludes(fsys afero.Fs, path string) ([]string, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read exclude file: %w", err)
	}

	var excludes []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		excludes = append(excludes, line)
	}
	return excludes, nil
}

// ObjectKey joins a key prefix and a relative path into an object key.
func ObjectKey(prefix, relPath string) string {
	key := filepath.ToSlash(relPath)

	if prefix == "" {
		return key
	}

	// Ensure prefix ends with /
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return prefix + key
}
