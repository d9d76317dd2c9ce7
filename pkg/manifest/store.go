package manifest

import (
	"bytes"
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/yuya-takeyama/patchsync/pkg/patcherr"
)

// BackupSuffix is appended to the manifest path for the copy kept before a
// new generation is written.
const BackupSuffix = ".old"

// Store persists a manifest as a single JSON file.
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore creates a store for the manifest at path.
func NewStore(fsys afero.Fs, path string) *Store {
	return &Store{fs: fsys, path: path}
}

// Path returns the manifest location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the manifest. A missing file yields an error matching
// fs.ErrNotExist.
func (s *Store) Load() (*Manifest, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return nil, patcherr.IO("open manifest", s.path, err)
	}
	defer f.Close()

	m, err := Decode(f)
	if err != nil {
		var pe *patcherr.Error
		if errors.As(err, &pe) {
			pe.Path = s.path
		}
		return nil, err
	}
	return m, nil
}

// LoadOrEmpty reads the manifest, falling back to Empty when none exists yet.
func (s *Store) LoadOrEmpty() (*Manifest, error) {
	m, err := s.Load()
	if errors.Is(err, fs.ErrNotExist) {
		return Empty(), nil
	}
	return m, err
}

// Save replaces the manifest atomically: the new content goes to a temporary
// file in the same directory which is then renamed over the old one.
func (s *Store) Save(m *Manifest) error {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return err
	}
	return WriteFileAtomic(s.fs, s.path, buf.Bytes(), 0o644)
}

// Backup copies the current manifest to Path()+BackupSuffix, overwriting an
// older backup. It is a no-op when there is no manifest yet.
func (s *Store) Backup() error {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return patcherr.IO("read manifest", s.path, err)
	}
	return WriteFileAtomic(s.fs, s.path+BackupSuffix, data, 0o644)
}

// WriteFileAtomic writes data to a temp file next to path and renames it into
// place, so readers observe either the old or the new content.
func WriteFileAtomic(fsys afero.Fs, path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return patcherr.IO("create directory", dir, err)
	}

	tmp, err := afero.TempFile(fsys, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return patcherr.IO("create temp file", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fsys.Remove(tmpName)
		return patcherr.IO("write", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		fsys.Remove(tmpName)
		return patcherr.IO("sync", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		fsys.Remove(tmpName)
		return patcherr.IO("close", tmpName, err)
	}
	if err := fsys.Chmod(tmpName, perm); err != nil {
		fsys.Remove(tmpName)
		return patcherr.IO("chmod", tmpName, err)
	}
	if err := fsys.Rename(tmpName, path); err != nil {
		fsys.Remove(tmpName)
		return patcherr.IO("rename", path, err)
	}
	return nil
}
