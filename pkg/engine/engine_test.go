package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuya-takeyama/patchsync/internal/checksum"
	"github.com/yuya-takeyama/patchsync/pkg/logger"
	"github.com/yuya-takeyama/patchsync/pkg/manifest"
	"github.com/yuya-takeyama/patchsync/pkg/patcherr"
	"github.com/yuya-takeyama/patchsync/pkg/transport"
)

const installDir = "/game"

// patchServer serves a manifest and file contents the way a static patch
// host does.
type patchServer struct {
	mu       sync.Mutex
	manifest []byte
	files    map[string][]byte
	gate     chan struct{}

	bytesServed atomic.Int64
	fileGets    atomic.Int64
}

func newPatchServer(t *testing.T) (*patchServer, *httptest.Server) {
	t.Helper()
	ps := &patchServer{files: map[string][]byte{}}
	srv := httptest.NewServer(ps)
	t.Cleanup(srv.Close)
	return ps, srv
}

// publish serves m together with the contents of its files.
func (ps *patchServer) publish(t *testing.T, m *manifest.Manifest, contents map[string]string) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.manifest = data
	for path, c := range contents {
		ps.files[path] = []byte(c)
	}
}

func (ps *patchServer) setFile(path, content string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.files[path] = []byte(content)
}

func (ps *patchServer) dropFile(path string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.files, path)
}

func (ps *patchServer) setManifestBody(body string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.manifest = []byte(body)
}

func (ps *patchServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")

	ps.mu.Lock()
	gate := ps.gate
	var data []byte
	var ok bool
	if name == manifest.DefaultName {
		data, ok = ps.manifest, ps.manifest != nil
	} else {
		data, ok = ps.files[name]
	}
	ps.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if name != manifest.DefaultName {
		if gate != nil {
			<-gate
		}
		ps.fileGets.Add(1)
		ps.bytesServed.Add(int64(len(data)))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func fileRec(path string, version int, content string) manifest.FileRecord {
	return manifest.FileRecord{Path: path, Version: version, Hash: checksum.Sum([]byte(content))}
}

func newEngine(fsys afero.Fs, srv *httptest.Server, opts Options) *Engine {
	opts.PatchURL = srv.URL
	opts.InstallDir = installDir
	return New(fsys, transport.New(), opts)
}

func readFile(t *testing.T, fsys afero.Fs, rel string) string {
	t.Helper()
	data, err := afero.ReadFile(fsys, installDir+"/"+rel)
	require.NoError(t, err)
	return string(data)
}

func exists(t *testing.T, fsys afero.Fs, rel string) bool {
	t.Helper()
	ok, err := afero.Exists(fsys, installDir+"/"+rel)
	require.NoError(t, err)
	return ok
}

func cachedManifest(t *testing.T, fsys afero.Fs) *manifest.Manifest {
	t.Helper()
	m, err := manifest.NewStore(fsys, installDir+"/"+manifest.DefaultName).Load()
	require.NoError(t, err)
	return m
}

func seedLocal(t *testing.T, fsys afero.Fs, m *manifest.Manifest, contents map[string]string) {
	t.Helper()
	require.NoError(t, manifest.NewStore(fsys, installDir+"/"+manifest.DefaultName).Save(m))
	for path, c := range contents {
		require.NoError(t, afero.WriteFile(fsys, installDir+"/"+path, []byte(c), 0o644))
	}
}

func TestSyncFreshInstall(t *testing.T) {
	ps, srv := newPatchServer(t)
	remote := &manifest.Manifest{
		Version: 1,
		Files:   []manifest.FileRecord{fileRec("a.txt", 0, "alpha"), fileRec("Data/b.mul", 0, "bravo")},
	}
	ps.publish(t, remote, map[string]string{"a.txt": "alpha", "Data/b.mul": "bravo"})

	fsys := afero.NewMemMapFs()
	e := newEngine(fsys, srv, Options{})
	assert.Equal(t, StateIdle, e.State())

	res, err := e.Sync(context.Background(), ModeDiff)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, e.State())
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, int64(len("alpha")+len("bravo")), res.Bytes)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "alpha", readFile(t, fsys, "a.txt"))
	assert.Equal(t, "bravo", readFile(t, fsys, "Data/b.mul"))
	assert.Equal(t, remote, cachedManifest(t, fsys))
	assert.Equal(t, Progress{}, e.Progress())

	local, err := e.Local()
	require.NoError(t, err)
	assert.Equal(t, remote, local)

	entries, err := afero.ReadDir(fsys, installDir+"/Data")
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestSyncAppliesDiff(t *testing.T) {
	ps, srv := newPatchServer(t)
	fsys := afero.NewMemMapFs()

	local := &manifest.Manifest{Version: 1, Files: []manifest.FileRecord{
		fileRec("keep", 0, "same"),
		fileRec("change", 0, "old"),
		fileRec("remove", 0, "bye"),
	}}
	seedLocal(t, fsys, local, map[string]string{"keep": "same", "change": "old", "remove": "bye"})

	remote := &manifest.Manifest{Version: 2, Files: []manifest.FileRecord{
		fileRec("add", 0, "new"),
		fileRec("change", 1, "fresh"),
		fileRec("keep", 0, "same"),
	}}
	ps.publish(t, remote, map[string]string{"add": "new", "change": "fresh", "keep": "same"})

	rec := &logger.Recorder{}
	e := newEngine(fsys, srv, Options{Logger: rec})

	_, work, err := e.Plan(context.Background(), ModeDiff)
	require.NoError(t, err)
	assert.Equal(t, manifest.ChangeSet{
		fileRec("add", 0, "new"),
		{Path: "remove", Version: manifest.RemovedVersion},
		fileRec("change", 1, "fresh"),
	}, work)

	res, err := e.Sync(context.Background(), ModeDiff)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Work)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, int64(2), ps.fileGets.Load(), "unchanged files are never requested")

	assert.Equal(t, "new", readFile(t, fsys, "add"))
	assert.Equal(t, "fresh", readFile(t, fsys, "change"))
	assert.Equal(t, "same", readFile(t, fsys, "keep"))
	assert.False(t, exists(t, fsys, "remove"))
	assert.Equal(t, remote, cachedManifest(t, fsys))

	assert.Equal(t, []string{"add", "change"}, rec.Actions(logger.ActionFetch))
	assert.Equal(t, []string{"remove"}, rec.Actions(logger.ActionDelete))
}

func TestSyncSameGenerationIsNoop(t *testing.T) {
	ps, srv := newPatchServer(t)
	fsys := afero.NewMemMapFs()

	local := &manifest.Manifest{Version: 5, Files: []manifest.FileRecord{fileRec("a", 0, "a")}}
	seedLocal(t, fsys, local, nil)
	ps.publish(t, local, map[string]string{"a": "a"})

	res, err := newEngine(fsys, srv, Options{}).Sync(context.Background(), ModeDiff)
	require.NoError(t, err)
	assert.Zero(t, res.Work)
	assert.Zero(t, ps.fileGets.Load())
	assert.False(t, exists(t, fsys, "a"), "diff mode trusts the generation number")
}

func TestSyncFirstGenerationWithoutCache(t *testing.T) {
	ps, srv := newPatchServer(t)
	fsys := afero.NewMemMapFs()

	remote := &manifest.Manifest{Version: 0, Files: []manifest.FileRecord{fileRec("a", 0, "alpha")}}
	ps.publish(t, remote, map[string]string{"a": "alpha"})

	e := newEngine(fsys, srv, Options{})
	local, err := e.Local()
	require.NoError(t, err)
	assert.Equal(t, -1, local.Version)
	assert.Empty(t, local.Files)

	res, err := e.Sync(context.Background(), ModeDiff)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Work)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, "alpha", readFile(t, fsys, "a"))
	assert.Equal(t, remote, cachedManifest(t, fsys))

	// Once cached, generation 0 is a regular generation.
	res, err = e.Sync(context.Background(), ModeDiff)
	require.NoError(t, err)
	assert.Zero(t, res.Work)
}

func TestVerifyIsIdempotent(t *testing.T) {
	ps, srv := newPatchServer(t)
	remote := &manifest.Manifest{Version: 3, Files: []manifest.FileRecord{
		fileRec("a", 2, "aaaa"),
		fileRec("b/c", 0, "cccc"),
		fileRec("d", 1, ""),
	}}
	ps.publish(t, remote, map[string]string{"a": "aaaa", "b/c": "cccc", "d": ""})

	fsys := afero.NewMemMapFs()
	e := newEngine(fsys, srv, Options{})

	res, err := e.Sync(context.Background(), ModeVerify)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Fetched)
	first := ps.bytesServed.Load()
	assert.Equal(t, int64(8), first)

	res, err = e.Sync(context.Background(), ModeVerify)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	assert.Zero(t, res.Fetched)
	assert.Zero(t, res.Bytes)
	assert.Equal(t, first, ps.bytesServed.Load(), "second verify transfers nothing")
}

func TestVerifyRepairsCorruption(t *testing.T) {
	ps, srv := newPatchServer(t)
	fsys := afero.NewMemMapFs()

	m := &manifest.Manifest{Version: 4, Files: []manifest.FileRecord{fileRec("a", 0, "good"), fileRec("b", 0, "fine")}}
	seedLocal(t, fsys, m, map[string]string{"a": "corrupted", "b": "fine"})
	ps.publish(t, m, map[string]string{"a": "good", "b": "fine"})

	e := newEngine(fsys, srv, Options{})

	res, err := e.Sync(context.Background(), ModeDiff)
	require.NoError(t, err)
	assert.Zero(t, res.Work)
	assert.Equal(t, "corrupted", readFile(t, fsys, "a"))

	res, err = e.Sync(context.Background(), ModeVerify)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "good", readFile(t, fsys, "a"))
}

func TestVerifyRepairsUnreadableCache(t *testing.T) {
	ps, srv := newPatchServer(t)
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, installDir+"/"+manifest.DefaultName, []byte("{garbage"), 0o644))

	remote := &manifest.Manifest{Version: 2, Files: []manifest.FileRecord{fileRec("a", 0, "a")}}
	ps.publish(t, remote, map[string]string{"a": "a"})

	e := newEngine(fsys, srv, Options{})
	_, err := e.Sync(context.Background(), ModeDiff)
	require.Error(t, err)
	assert.True(t, patcherr.IsKind(err, patcherr.KindDeserialization))

	_, err = e.Sync(context.Background(), ModeVerify)
	require.NoError(t, err)
	assert.Equal(t, remote, cachedManifest(t, fsys))
}

func TestDeletingMissingFileIsNotAnError(t *testing.T) {
	ps, srv := newPatchServer(t)
	fsys := afero.NewMemMapFs()

	seedLocal(t, fsys, &manifest.Manifest{Version: 1, Files: []manifest.FileRecord{fileRec("ghost", 0, "x")}}, nil)
	remote := &manifest.Manifest{Version: 2, Files: []manifest.FileRecord{}}
	ps.publish(t, remote, nil)

	res, err := newEngine(fsys, srv, Options{}).Sync(context.Background(), ModeDiff)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Work)
	assert.Zero(t, res.Deleted)
	assert.Equal(t, 2, cachedManifest(t, fsys).Version)
}

func TestFailedRunKeepsManifestAndResumes(t *testing.T) {
	ps, srv := newPatchServer(t)
	fsys := afero.NewMemMapFs()

	local := &manifest.Manifest{Version: 1, Files: []manifest.FileRecord{}}
	seedLocal(t, fsys, local, nil)

	remote := &manifest.Manifest{Version: 2, Files: []manifest.FileRecord{
		fileRec("first", 0, "one"),
		fileRec("second", 0, "two"),
	}}
	ps.publish(t, remote, map[string]string{"first": "one", "second": "two"})
	ps.dropFile("second")

	e := newEngine(fsys, srv, Options{})
	res, err := e.Sync(context.Background(), ModeDiff)
	require.Error(t, err)
	assert.Equal(t, StateFailed, e.State())
	assert.True(t, patcherr.IsKind(err, patcherr.KindNetwork))
	assert.True(t, errors.Is(err, transport.ErrDownloadFailed))
	assert.Equal(t, 1, res.Fetched)
	assert.Contains(t, patcherr.Message(err), "network error")

	assert.Equal(t, local, cachedManifest(t, fsys), "failed run must not commit")
	assert.Equal(t, "one", readFile(t, fsys, "first"))
	assert.False(t, exists(t, fsys, "second"))

	ps.setFile("second", "two")
	res, err = e.Sync(context.Background(), ModeDiff)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped, "already downloaded file is hash-skipped")
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, int64(2), ps.fileGets.Load(), "the 404 is not counted")
	assert.Equal(t, remote, cachedManifest(t, fsys))
}

func TestIntegrityFailure(t *testing.T) {
	ps, srv := newPatchServer(t)
	fsys := afero.NewMemMapFs()

	remote := &manifest.Manifest{Version: 1, Files: []manifest.FileRecord{fileRec("a", 0, "expected")}}
	ps.publish(t, remote, map[string]string{"a": "tampered"})
	require.NoError(t, afero.WriteFile(fsys, installDir+"/a", []byte("previous"), 0o644))

	_, err := newEngine(fsys, srv, Options{}).Sync(context.Background(), ModeDiff)
	require.Error(t, err)
	assert.True(t, patcherr.IsKind(err, patcherr.KindIntegrity))

	assert.Equal(t, "previous", readFile(t, fsys, "a"), "target is only replaced by verified content")
	entries, err := afero.ReadDir(fsys, installDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"a"}, names)
}

func TestCorruptRemoteManifest(t *testing.T) {
	ps, srv := newPatchServer(t)
	fsys := afero.NewMemMapFs()

	local := &manifest.Manifest{Version: 1, Files: []manifest.FileRecord{}}
	seedLocal(t, fsys, local, nil)
	ps.setManifestBody(`{"Version": "two"`)

	_, err := newEngine(fsys, srv, Options{}).Sync(context.Background(), ModeDiff)
	require.Error(t, err)
	assert.True(t, patcherr.IsKind(err, patcherr.KindDeserialization))
	assert.Equal(t, local, cachedManifest(t, fsys))
}

func TestRejectsPathEscapingInstallDir(t *testing.T) {
	_, srv := newPatchServer(t)
	e := New(afero.NewMemMapFs(), fakeFetcher{Client: transport.New(), m: &manifest.Manifest{
		Version: 1,
		Files:   []manifest.FileRecord{fileRec("../outside", 0, "x")},
	}}, Options{PatchURL: srv.URL, InstallDir: installDir})

	_, err := e.Sync(context.Background(), ModeDiff)
	require.Error(t, err)
	assert.True(t, patcherr.IsKind(err, patcherr.KindDeserialization))
}

type fakeFetcher struct {
	*transport.Client
	m *manifest.Manifest
}

func (f fakeFetcher) FetchManifest(ctx context.Context, baseURL, name string) (*manifest.Manifest, error) {
	return f.m.Clone(), nil
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	ps, srv := newPatchServer(t)
	remote := &manifest.Manifest{Version: 1, Files: []manifest.FileRecord{fileRec("slow", 0, "zzz")}}
	ps.publish(t, remote, map[string]string{"slow": "zzz"})

	gate := make(chan struct{})
	ps.mu.Lock()
	ps.gate = gate
	ps.mu.Unlock()

	e := newEngine(afero.NewMemMapFs(), srv, Options{})
	run, err := e.Start(context.Background(), ModeDiff)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, e.State())

	_, err = e.Start(context.Background(), ModeVerify)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	select {
	case <-run.Done():
		t.Fatal("run finished while the download was blocked")
	default:
	}

	close(gate)
	res, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, run.ID, res.RunID)
	assert.Equal(t, StateCompleted, e.State())

	again, err := e.Start(context.Background(), ModeVerify)
	require.NoError(t, err)
	_, err = again.Wait()
	require.NoError(t, err)
}

func TestRunOnComplete(t *testing.T) {
	ps, srv := newPatchServer(t)
	ps.publish(t, &manifest.Manifest{Version: 1, Files: []manifest.FileRecord{}}, nil)

	run, err := newEngine(afero.NewMemMapFs(), srv, Options{}).Start(context.Background(), ModeDiff)
	require.NoError(t, err)

	done := make(chan error, 1)
	run.OnComplete(func(res *Result, err error) {
		done <- err
	})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("completion handler not called")
	}
}

func TestProgressIsReportedAndReset(t *testing.T) {
	ps, srv := newPatchServer(t)
	big := strings.Repeat("x", 3*transport.ChunkSize)
	remote := &manifest.Manifest{Version: 1, Files: []manifest.FileRecord{fileRec("big", 0, big), fileRec("small", 0, "s")}}
	ps.publish(t, remote, map[string]string{"big": big, "small": "s"})

	var mu sync.Mutex
	var events []Progress
	e := newEngine(afero.NewMemMapFs(), srv, Options{OnProgress: func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, p)
	}})

	_, err := e.Sync(context.Background(), ModeDiff)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	var big3 []float64
	resets := 0
	for _, p := range events {
		switch p.File {
		case "big":
			big3 = append(big3, p.Fraction)
		case "":
			assert.Zero(t, p.Fraction)
			resets++
		}
	}
	assert.True(t, sort.Float64sAreSorted(big3))
	assert.Equal(t, 1.0, big3[len(big3)-1])
	assert.Equal(t, 2, resets, "progress is cleared after every file")
	assert.Equal(t, Progress{}, events[len(events)-1])
	assert.Equal(t, Progress{}, e.Progress())
}

func TestEntryPointMadeExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not tracked on windows")
	}

	ps, srv := newPatchServer(t)
	remote := &manifest.Manifest{
		Version:    1,
		Files:      []manifest.FileRecord{fileRec("ClassicUO/ClassicUO", 0, "#!/bin/sh")},
		EntryPoint: "ClassicUO/ClassicUO",
	}
	ps.publish(t, remote, map[string]string{"ClassicUO/ClassicUO": "#!/bin/sh"})

	fsys := afero.NewMemMapFs()
	e := newEngine(fsys, srv, Options{})
	_, err := e.Sync(context.Background(), ModeDiff)
	require.NoError(t, err)

	path := e.EntryPointPath(remote)
	assert.Equal(t, installDir+"/ClassicUO/ClassicUO", path)
	info, err := fsys.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, 0o111, int(info.Mode().Perm()&0o111))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "verify", ModeVerify.String())
	assert.Equal(t, "diff", ModeDiff.String())
}
