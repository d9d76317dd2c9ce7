// Package manifest models published file generations and the diff between
// two of them.
package manifest

// DefaultName is the object name a publisher serves the manifest under,
// relative to the patch base URL.
const DefaultName = "Nelderim.manifest.json"

// RemovedVersion marks a FileRecord in a ChangeSet as a deletion. It never
// appears in a persisted manifest.
const RemovedVersion = -1

// FileRecord describes one tracked file.
type FileRecord struct {
	Path    string `json:"File"`
	Version int    `json:"Version"`
	Hash    string `json:"Sha1"`
}

// Removed reports whether the record is a deletion marker.
func (r FileRecord) Removed() bool {
	return r.Version == RemovedVersion
}

// Manifest is one generation of the full file set.
type Manifest struct {
	Version    int          `json:"Version"`
	Files      []FileRecord `json:"Files"`
	Launcher   *FileRecord  `json:"Launcher"`
	EntryPoint string       `json:"EntryPoint"`
}

// Empty returns the placeholder used when no previous generation exists.
func Empty() *Manifest {
	return &Manifest{
		Version: 0,
		Files:   []FileRecord{},
	}
}

// Index returns the files keyed by path.
func (m *Manifest) Index() map[string]FileRecord {
	idx := make(map[string]FileRecord, len(m.Files))
	for _, f := range m.Files {
		idx[f.Path] = f
	}
	return idx
}

// Lookup finds the record for path.
func (m *Manifest) Lookup(path string) (FileRecord, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileRecord{}, false
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{
		Version:    m.Version,
		Files:      make([]FileRecord, len(m.Files)),
		EntryPoint: m.EntryPoint,
	}
	copy(c.Files, m.Files)
	if m.Launcher != nil {
		l := *m.Launcher
		c.Launcher = &l
	}
	return c
}

// ChangeSet is the ordered list of operations produced by a diff.
type ChangeSet []FileRecord

// Fetches returns the records that require a download.
func (cs ChangeSet) Fetches() []FileRecord {
	var out []FileRecord
	for _, r := range cs {
		if !r.Removed() {
			out = append(out, r)
		}
	}
	return out
}

// Removals returns the deletion markers.
func (cs ChangeSet) Removals() []FileRecord {
	var out []FileRecord
	for _, r := range cs {
		if r.Removed() {
			out = append(out, r)
		}
	}
	return out
}
