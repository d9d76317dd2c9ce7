// Package engine applies a published manifest generation to a local install
// directory.
//
// A run fetches the remote manifest, compares it with the cached local copy
// (or, in verify mode, takes every remote file as a candidate) and then walks
// the work list one file at a time: removals are deleted, fetches are skipped
// when the file on disk already has the expected hash and downloaded
// otherwise. Downloads land in a temporary file next to the target, are
// checked against the manifest hash and are renamed into place. Only a run
// that processed every item replaces the cached manifest.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/yuya-takeyama/patchsync/internal/checksum"
	"github.com/yuya-takeyama/patchsync/pkg/logger"
	"github.com/yuya-takeyama/patchsync/pkg/manifest"
	"github.com/yuya-takeyama/patchsync/pkg/patcherr"
	"github.com/yuya-takeyama/patchsync/pkg/transport"
)

const phaseSync = "sync"

// uncachedVersion is the generation of the local manifest when no cache
// exists. Published generations start at 0, so any remote differs from it.
const uncachedVersion = -1

// ErrAlreadyRunning is returned by Start while another run is in progress.
var ErrAlreadyRunning = errors.New("sync already running")

// Mode selects how the work list is built.
type Mode int

const (
	// ModeDiff processes only the changes between the cached and the remote
	// generation.
	ModeDiff Mode = iota
	// ModeVerify checks every remote file against the disk.
	ModeVerify
)

func (m Mode) String() string {
	if m == ModeVerify {
		return "verify"
	}
	return "diff"
}

// Fetcher is the transport used by the engine.
type Fetcher interface {
	Download(ctx context.Context, rawURL string, dst io.Writer, progress transport.ProgressFunc) (int64, error)
	FetchManifest(ctx context.Context, baseURL, name string) (*manifest.Manifest, error)
}

// Options configures an Engine.
type Options struct {
	PatchURL     string
	InstallDir   string
	ManifestName string // remote manifest object, defaults to manifest.DefaultName
	ManifestPath string // local cache, defaults to InstallDir/ManifestName

	Logger     logger.Logger
	Log        *slog.Logger
	OnProgress func(Progress)
}

// Result summarizes a run. It is returned even when the run failed.
type Result struct {
	RunID    string
	Mode     Mode
	Remote   *manifest.Manifest
	Work     int
	Fetched  int
	Skipped  int
	Deleted  int
	Bytes    int64
	Duration time.Duration
}

// Engine realizes remote generations on local disk. It runs at most one sync
// at a time.
type Engine struct {
	fs    afero.Fs
	fetch Fetcher
	opts  Options
	store *manifest.Store

	mu    sync.Mutex
	state State
	local *manifest.Manifest

	progress atomic.Pointer[Progress]
}

// New creates an engine operating on fsys.
func New(fsys afero.Fs, fetch Fetcher, opts Options) *Engine {
	if opts.ManifestName == "" {
		opts.ManifestName = manifest.DefaultName
	}
	if opts.ManifestPath == "" {
		opts.ManifestPath = filepath.Join(opts.InstallDir, opts.ManifestName)
	}
	if opts.Logger == nil {
		opts.Logger = &logger.NullLogger{}
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		fs:    fsys,
		fetch: fetch,
		opts:  opts,
		store: manifest.NewStore(fsys, opts.ManifestPath),
		state: StateIdle,
	}
	e.progress.Store(&Progress{})
	return e
}

// State returns the state of the latest run.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Local returns the cached generation, loading it on first use. A missing
// cache yields an empty manifest with Version -1.
func (e *Engine) Local() (*manifest.Manifest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocalLocked()
}

func (e *Engine) loadLocalLocked() (*manifest.Manifest, error) {
	if e.local == nil {
		m, err := e.store.Load()
		switch {
		case errors.Is(err, fs.ErrNotExist):
			m = manifest.Empty()
			m.Version = uncachedVersion
		case err != nil:
			return nil, err
		}
		e.local = m
	}
	return e.local.Clone(), nil
}

// EntryPointPath resolves the entry point of m inside the install directory.
// It returns "" when m has none.
func (e *Engine) EntryPointPath(m *manifest.Manifest) string {
	if m == nil || m.EntryPoint == "" {
		return ""
	}
	return e.targetPath(m.EntryPoint)
}

// Plan fetches the remote generation and returns it with the work list a run
// in mode would process.
//
// Verify mode does not read the cache, so it also repairs an unreadable one.
func (e *Engine) Plan(ctx context.Context, mode Mode) (*manifest.Manifest, manifest.ChangeSet, error) {
	var local *manifest.Manifest
	if mode == ModeDiff {
		var err error
		if local, err = e.Local(); err != nil {
			return nil, nil, err
		}
	}

	remote, err := e.fetch.FetchManifest(ctx, e.opts.PatchURL, e.opts.ManifestName)
	if err != nil {
		return nil, nil, wrapFetchErr("fetch manifest", e.opts.PatchURL, err)
	}

	if mode == ModeVerify {
		return remote, manifest.VerifyList(remote), nil
	}
	return remote, manifest.ChangesBetween(local, remote), nil
}

// Start begins a run on a new goroutine. It returns ErrAlreadyRunning if a
// run is in progress.
func (e *Engine) Start(ctx context.Context, mode Mode) (*Run, error) {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.state = StateRunning
	e.mu.Unlock()

	r := newRun(uuid.NewString(), mode)
	go func() {
		res, err := e.run(ctx, r.ID, mode)
		e.finish(err)
		r.complete(res, err)
	}()
	return r, nil
}

// Sync runs to completion and returns its result.
func (e *Engine) Sync(ctx context.Context, mode Mode) (*Result, error) {
	r, err := e.Start(ctx, mode)
	if err != nil {
		return nil, err
	}
	return r.Wait()
}

func (e *Engine) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.state = StateFailed
	} else {
		e.state = StateCompleted
	}
}

func (e *Engine) run(ctx context.Context, runID string, mode Mode) (*Result, error) {
	start := time.Now()
	log := e.opts.Log.With("run_id", runID, "mode", mode.String())
	res := &Result{RunID: runID, Mode: mode}
	defer func() { res.Duration = time.Since(start) }()

	remote, work, err := e.Plan(ctx, mode)
	if err != nil {
		log.Error("sync failed", "error", err)
		return res, err
	}
	res.Remote = remote
	res.Work = len(work)
	log.Info("sync started", "local_version", e.localVersion(), "remote_version", remote.Version, "items", len(work))

	e.opts.Logger.PhaseStart(phaseSync, len(work))
	for i, item := range work {
		err := e.apply(ctx, item, res)
		e.resetProgress()
		if err != nil {
			log.Error("sync failed", "file", item.Path, "error", err)
			e.opts.Logger.PhaseComplete(phaseSync, i)
			return res, err
		}
	}
	e.opts.Logger.PhaseComplete(phaseSync, len(work))

	if err := e.prepareEntryPoint(remote); err != nil {
		log.Error("sync failed", "error", err)
		return res, err
	}
	if err := e.commit(remote); err != nil {
		log.Error("sync failed", "error", err)
		return res, err
	}

	log.Info("sync completed",
		"version", remote.Version,
		"fetched", res.Fetched,
		"skipped", res.Skipped,
		"deleted", res.Deleted,
		"bytes", res.Bytes)
	return res, nil
}

func (e *Engine) localVersion() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.local == nil {
		return 0
	}
	return e.local.Version
}

// commit persists remote as the new cached generation.
func (e *Engine) commit(remote *manifest.Manifest) error {
	if err := e.store.Save(remote); err != nil {
		return err
	}
	e.mu.Lock()
	e.local = remote.Clone()
	e.mu.Unlock()
	return nil
}

func (e *Engine) targetPath(rel string) string {
	return filepath.Join(e.opts.InstallDir, filepath.FromSlash(rel))
}

func (e *Engine) apply(ctx context.Context, item manifest.FileRecord, res *Result) error {
	if err := manifest.ValidatePath(item.Path); err != nil {
		return patcherr.Deserialization("check path", item.Path, err)
	}
	if item.Removed() {
		return e.remove(item, res)
	}
	return e.fetchFile(ctx, item, res)
}

func (e *Engine) remove(item manifest.FileRecord, res *Result) error {
	target := e.targetPath(item.Path)
	err := e.fs.Remove(target)
	if errors.Is(err, fs.ErrNotExist) {
		e.opts.Logger.ItemProcessed(phaseSync, item.Path, logger.ActionSkip)
		return nil
	}
	if err != nil {
		return patcherr.IO("delete", target, err)
	}
	res.Deleted++
	e.opts.Logger.ItemProcessed(phaseSync, item.Path, logger.ActionDelete)
	return nil
}

func (e *Engine) fetchFile(ctx context.Context, item manifest.FileRecord, res *Result) error {
	target := e.targetPath(item.Path)

	upToDate, err := e.matches(target, item.Hash)
	if err != nil {
		return err
	}
	if upToDate {
		res.Skipped++
		e.opts.Logger.ItemProcessed(phaseSync, item.Path, logger.ActionSkip)
		return nil
	}

	e.setProgress(item.Path, 0)

	dir := filepath.Dir(target)
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return patcherr.IO("create directory", dir, err)
	}

	tmp, err := afero.TempFile(e.fs, dir, "."+filepath.Base(target)+".patchsync-*")
	if err != nil {
		return patcherr.IO("create temp file", dir, err)
	}
	tmpName := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = e.fs.Remove(tmpName)
	}

	url := transport.JoinURL(e.opts.PatchURL, item.Path)
	file := &fileWriter{f: tmp}
	w := checksum.NewWriter(file)
	n, err := e.fetch.Download(ctx, url, w, func(f float64) {
		e.setProgress(item.Path, f)
	})
	res.Bytes += n
	if err != nil {
		discard()
		if file.err != nil {
			return patcherr.IO("write", tmpName, err)
		}
		return wrapFetchErr("download", url, err)
	}

	if got := w.Checksum(); !checksum.Equal(got, item.Hash) {
		discard()
		return patcherr.New(patcherr.KindIntegrity, "verify", item.Path,
			fmt.Errorf("checksum %s does not match manifest %s", got, item.Hash))
	}

	if err := tmp.Close(); err != nil {
		_ = e.fs.Remove(tmpName)
		return patcherr.IO("close", tmpName, err)
	}
	if err := e.fs.Chmod(tmpName, 0o644); err != nil {
		_ = e.fs.Remove(tmpName)
		return patcherr.IO("chmod", tmpName, err)
	}
	if err := e.fs.Rename(tmpName, target); err != nil {
		_ = e.fs.Remove(tmpName)
		return patcherr.IO("replace", target, err)
	}

	res.Fetched++
	e.opts.Logger.ItemProcessed(phaseSync, item.Path, logger.ActionFetch)
	return nil
}

// matches reports whether the file at path exists with the given hash.
func (e *Engine) matches(path, hash string) (bool, error) {
	info, err := e.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, patcherr.IO("stat", path, err)
	}
	if info.IsDir() {
		return false, patcherr.IO("replace", path, errors.New("target is a directory"))
	}

	sum, err := checksum.CalculateFile(e.fs, path)
	if err != nil {
		return false, patcherr.IO("hash", path, err)
	}
	return checksum.Equal(sum, hash), nil
}

// prepareEntryPoint marks the entry point executable on systems that track
// the permission bit.
func (e *Engine) prepareEntryPoint(m *manifest.Manifest) error {
	path := e.EntryPointPath(m)
	if path == "" || runtime.GOOS == "windows" {
		return nil
	}

	info, err := e.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		e.opts.Log.Warn("entry point missing", "path", path)
		return nil
	}
	if err != nil {
		return patcherr.IO("stat", path, err)
	}
	if info.Mode().Perm()&0o111 == 0o111 {
		return nil
	}
	if err := e.fs.Chmod(path, info.Mode().Perm()|0o755); err != nil {
		return patcherr.IO("chmod", path, err)
	}
	return nil
}

// fileWriter remembers a failed write so that a disk error surfacing through
// the transport is still reported as one.
type fileWriter struct {
	f   io.Writer
	err error
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

// wrapFetchErr classifies transport failures as network errors and keeps
// already classified errors as they are.
func wrapFetchErr(op, url string, err error) error {
	var pe *patcherr.Error
	if errors.As(err, &pe) {
		return err
	}
	return patcherr.Network(op, url, err)
}
