// Package builder turns a directory tree into the next manifest generation.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/yuya-takeyama/patchsync/internal/checksum"
	"github.com/yuya-takeyama/patchsync/internal/walker"
	"github.com/yuya-takeyama/patchsync/pkg/logger"
	"github.com/yuya-takeyama/patchsync/pkg/manifest"
	"github.com/yuya-takeyama/patchsync/pkg/patcherr"
)

// NewFileVersion is the version assigned to a path the previous generation
// did not contain.
const NewFileVersion = 0

// DefaultEntryPoint is the executable the published client launches.
const DefaultEntryPoint = "ClassicUO/ClassicUO.exe"

const phaseHash = "hash"

// Options configures a Builder.
type Options struct {
	WorkDir      string
	Excludes     []string
	EntryPoint   string
	LauncherPath string // optional launcher executable, tracked outside Files
	Concurrency  int
	Logger       logger.Logger
}

// Builder scans WorkDir and assigns per-file versions against the previous
// generation.
type Builder struct {
	fs   afero.Fs
	opts Options
}

// New creates a builder reading from fsys.
func New(fsys afero.Fs, opts Options) *Builder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = &logger.NullLogger{}
	}
	return &Builder{fs: fsys, opts: opts}
}

// DefaultManifestPath returns the manifest location used when none is given:
// a sibling of the work directory named after it.
func DefaultManifestPath(workDir string) string {
	return filepath.Clean(workDir) + ".manifest.json"
}

// NextVersion returns the version for a file whose content hashes to hash,
// given its record in the previous generation.
func NextVersion(prev manifest.FileRecord, found bool, hash string) int {
	switch {
	case !found:
		return NewFileVersion
	case checksum.Equal(prev.Hash, hash):
		return prev.Version
	default:
		return prev.Version + 1
	}
}

// Build produces the generation that follows prev. A nil prev is treated as
// manifest.Empty(). Any file that cannot be read fails the whole build.
func (b *Builder) Build(ctx context.Context, prev *manifest.Manifest) (*manifest.Manifest, error) {
	if prev == nil {
		prev = manifest.Empty()
	}

	w, err := walker.NewWalker(b.fs, b.opts.WorkDir, b.opts.Excludes)
	if err != nil {
		return nil, patcherr.IO("scan", b.opts.WorkDir, err)
	}
	files, err := w.Walk()
	if err != nil {
		return nil, patcherr.IO("scan", b.opts.WorkDir, err)
	}
	files = b.withoutLauncher(files)

	hashes, err := b.hashAll(ctx, files)
	if err != nil {
		return nil, err
	}

	prevIdx := prev.Index()
	records := make([]manifest.FileRecord, len(files))
	for i, f := range files {
		old, found := prevIdx[f.RelPath]
		records[i] = manifest.FileRecord{
			Path:    f.RelPath,
			Version: NextVersion(old, found, hashes[i]),
			Hash:    hashes[i],
		}
	}

	launcher, err := b.launcherRecord(prev.Launcher)
	if err != nil {
		return nil, err
	}

	return &manifest.Manifest{
		Version:    prev.Version + 1,
		Files:      records,
		Launcher:   launcher,
		EntryPoint: b.opts.EntryPoint,
	}, nil
}

// hashAll hashes files in parallel, keeping results aligned with the input.
func (b *Builder) hashAll(ctx context.Context, files []walker.FileInfo) ([]string, error) {
	b.opts.Logger.PhaseStart(phaseHash, len(files))

	hashes := make([]string, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Concurrency)

	for i, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := checksum.CalculateFile(b.fs, f.Path)
			if err != nil {
				return patcherr.IO("hash", f.Path, err)
			}
			hashes[i] = sum
			b.opts.Logger.ItemProcessed(phaseHash, f.RelPath, logger.ActionHash)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	b.opts.Logger.PhaseComplete(phaseHash, len(files))
	return hashes, nil
}

// withoutLauncher drops the launcher from the walked files when it lives
// inside the work directory. It is published as the Launcher record only.
func (b *Builder) withoutLauncher(files []walker.FileInfo) []walker.FileInfo {
	if b.opts.LauncherPath == "" {
		return files
	}
	launcher := absPath(b.opts.LauncherPath)

	kept := files[:0]
	for _, f := range files {
		if absPath(f.Path) != launcher {
			kept = append(kept, f)
		}
	}
	return kept
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func (b *Builder) launcherRecord(prev *manifest.FileRecord) (*manifest.FileRecord, error) {
	if b.opts.LauncherPath == "" {
		return nil, nil
	}

	sum, err := checksum.CalculateFile(b.fs, b.opts.LauncherPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, patcherr.IO("hash", b.opts.LauncherPath, err)
	}

	name := filepath.Base(b.opts.LauncherPath)
	var old manifest.FileRecord
	found := prev != nil && prev.Path == name
	if found {
		old = *prev
	}

	return &manifest.FileRecord{
		Path:    name,
		Version: NextVersion(old, found, sum),
		Hash:    sum,
	}, nil
}

// Run loads the previous generation from store, builds the next one, keeps a
// backup of the previous file and writes the new manifest in its place.
func (b *Builder) Run(ctx context.Context, store *manifest.Store) (prev, next *manifest.Manifest, err error) {
	prev, err = store.LoadOrEmpty()
	if err != nil {
		return nil, nil, fmt.Errorf("load previous manifest: %w", err)
	}

	next, err = b.Build(ctx, prev)
	if err != nil {
		return nil, nil, err
	}

	if err := store.Backup(); err != nil {
		return nil, nil, fmt.Errorf("backup previous manifest: %w", err)
	}
	if err := store.Save(next); err != nil {
		return nil, nil, fmt.Errorf("save manifest: %w", err)
	}

	return prev, next, nil
}
