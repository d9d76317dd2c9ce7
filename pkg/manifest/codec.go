package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/yuya-takeyama/patchsync/internal/checksum"
	"github.com/yuya-takeyama/patchsync/pkg/patcherr"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid manifest")

// Decode reads and validates a manifest. Any failure is a deserialization
// error.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return nil, patcherr.Deserialization("decode manifest", "", err)
	}
	if m.Files == nil {
		m.Files = []FileRecord{}
	}
	if err := m.Validate(); err != nil {
		return nil, patcherr.Deserialization("validate manifest", "", err)
	}
	return &m, nil
}

// Parse decodes a manifest from data.
func Parse(data []byte) (*Manifest, error) {
	return Decode(bytes.NewReader(data))
}

// Encode writes m as indented JSON.
func Encode(w io.Writer, m *Manifest) error {
	out := *m
	if out.Files == nil {
		out.Files = []FileRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return nil
}

// Validate checks the invariants of a persisted manifest.
func (m *Manifest) Validate() error {
	if m.Version < 0 {
		return fmt.Errorf("%w: negative generation %d", ErrInvalid, m.Version)
	}

	seen := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		if err := validateRecord(f); err != nil {
			return err
		}
		if _, dup := seen[f.Path]; dup {
			return fmt.Errorf("%w: duplicate path %q", ErrInvalid, f.Path)
		}
		seen[f.Path] = struct{}{}
	}

	if m.Launcher != nil {
		if err := validateRecord(*m.Launcher); err != nil {
			return fmt.Errorf("launcher: %w", err)
		}
	}

	if m.EntryPoint != "" {
		if err := ValidatePath(m.EntryPoint); err != nil {
			return fmt.Errorf("entry point: %w", err)
		}
	}
	return nil
}

func validateRecord(f FileRecord) error {
	if err := ValidatePath(f.Path); err != nil {
		return err
	}
	if f.Version < 0 {
		return fmt.Errorf("%w: %s has negative version %d", ErrInvalid, f.Path, f.Version)
	}
	if !checksum.Valid(f.Hash) {
		return fmt.Errorf("%w: %s has malformed hash %q", ErrInvalid, f.Path, f.Hash)
	}
	return nil
}

// ValidatePath rejects paths that could escape the install directory.
func ValidatePath(p string) error {
	switch {
	case p == "" || p == ".":
		return fmt.Errorf("%w: empty path", ErrInvalid)
	case strings.Contains(p, "\\"):
		return fmt.Errorf("%w: %q is not slash separated", ErrInvalid, p)
	case path.IsAbs(p) || (len(p) > 1 && p[1] == ':'):
		return fmt.Errorf("%w: %q is absolute", ErrInvalid, p)
	case path.Clean(p) != p:
		return fmt.Errorf("%w: %q is not clean", ErrInvalid, p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("%w: %q escapes the root", ErrInvalid, p)
	}
	return nil
}
