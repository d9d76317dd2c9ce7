// Package patchlist reads and writes the flat patch list published before
// manifests existed: a JSON array of file name, modification time and SHA-1
// for every file matched by a set of glob patterns.
package patchlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/yuya-takeyama/patchsync/internal/checksum"
	"github.com/yuya-takeyama/patchsync/pkg/patcherr"
)

// DefaultName is the object name clients request the list under.
const DefaultName = "NelderimPatch.json"

// Entry is one file of the list.
type Entry struct {
	Filename  string `json:"filename"`
	Timestamp string `json:"timestamp"`
	Sha1      string `json:"sha1"`
}

// Status compares an entry with the local copy of the file.
type Status struct {
	Entry
	LocalSha1 string // empty when the file is missing
	Stale     bool
}

func (s Status) String() string {
	return fmt.Sprintf("%s %s", s.Filename, s.Timestamp)
}

// ReadPatterns reads one glob pattern per line, skipping blank lines and
// lines starting with '#'.
func ReadPatterns(fsys afero.Fs, path string) ([]string, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, patcherr.IO("read patterns", path, err)
	}

	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}

// Generate lists every regular file under dir matched by any pattern. Paths
// are slash separated and relative to dir; the result is sorted and free of
// duplicates.
func Generate(fsys afero.Fs, dir string, patterns []string) ([]Entry, error) {
	root := afero.NewIOFS(afero.NewBasePathFs(fsys, dir))

	seen := map[string]struct{}{}
	var names []string
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
		matches, err := doublestar.Glob(root, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, patcherr.IO("glob", pattern, err)
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			names = append(names, m)
		}
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, filepath.FromSlash(name))
		info, err := fsys.Stat(path)
		if err != nil {
			return nil, patcherr.IO("stat", path, err)
		}
		sum, err := checksum.CalculateFile(fsys, path)
		if err != nil {
			return nil, patcherr.IO("hash", path, err)
		}
		entries = append(entries, Entry{
			Filename:  name,
			Timestamp: info.ModTime().UTC().Format(time.RFC3339),
			Sha1:      sum,
		})
	}
	return entries, nil
}

// Check hashes the local copy of every entry under dir.
func Check(fsys afero.Fs, dir string, entries []Entry) ([]Status, error) {
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		path := filepath.Join(dir, filepath.FromSlash(e.Filename))
		sum, err := checksum.CalculateFile(fsys, path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			out = append(out, Status{Entry: e, Stale: true})
		case err != nil:
			return nil, patcherr.IO("hash", path, err)
		default:
			out = append(out, Status{Entry: e, LocalSha1: sum, Stale: !checksum.Equal(sum, e.Sha1)})
		}
	}
	return out, nil
}

// Stale filters Check results down to the files that need a download.
func Stale(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if s.Stale {
			out = append(out, s)
		}
	}
	return out
}

// Encode writes entries as a JSON array.
func Encode(w io.Writer, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encode patch list: %w", err)
	}
	return nil
}

// Decode reads a JSON array of entries.
func Decode(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, patcherr.Deserialization("decode patch list", "", err)
	}
	return entries, nil
}
