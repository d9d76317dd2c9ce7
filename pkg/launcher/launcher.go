// Package launcher detects when the launcher's own executable is older than
// the published one and stages the replacement next to it.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/yuya-takeyama/patchsync/internal/checksum"
	"github.com/yuya-takeyama/patchsync/pkg/manifest"
	"github.com/yuya-takeyama/patchsync/pkg/patcherr"
	"github.com/yuya-takeyama/patchsync/pkg/transport"
)

// StagedSuffix is appended to the executable path for the downloaded copy.
const StagedSuffix = ".autoupdate"

// Downloader streams a URL into a writer.
type Downloader interface {
	Download(ctx context.Context, rawURL string, dst io.Writer, progress transport.ProgressFunc) (int64, error)
}

// Stale reports whether the executable at exePath differs from the launcher
// published in rec. A nil rec means the publisher does not track a launcher.
func Stale(fsys afero.Fs, exePath string, rec *manifest.FileRecord) (bool, error) {
	if rec == nil {
		return false, nil
	}

	sum, err := checksum.CalculateFile(fsys, exePath)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, patcherr.IO("hash", exePath, err)
	}
	return !checksum.Equal(sum, rec.Hash), nil
}

// StagedPath returns where Stage writes the new launcher.
func StagedPath(exePath string) string {
	return exePath + StagedSuffix
}

// Stage downloads the launcher described by rec from baseURL, verifies it and
// leaves it executable at StagedPath(exePath). Swapping it with the running
// executable is left to the caller.
func Stage(ctx context.Context, fsys afero.Fs, dl Downloader, baseURL, exePath string, rec manifest.FileRecord, progress transport.ProgressFunc) (string, error) {
	staged := StagedPath(exePath)
	dir := filepath.Dir(staged)

	tmp, err := afero.TempFile(fsys, dir, "."+filepath.Base(staged)+"-*")
	if err != nil {
		return "", patcherr.IO("create temp file", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = fsys.Remove(tmpName)
	}

	url := transport.JoinURL(baseURL, rec.Path)
	w := checksum.NewWriter(tmp)
	if _, err := dl.Download(ctx, url, w, progress); err != nil {
		cleanup()
		return "", patcherr.Network("download", url, err)
	}
	if got := w.Checksum(); !checksum.Equal(got, rec.Hash) {
		cleanup()
		return "", patcherr.New(patcherr.KindIntegrity, "verify", rec.Path,
			fmt.Errorf("checksum %s does not match manifest %s", got, rec.Hash))
	}

	if err := tmp.Close(); err != nil {
		_ = fsys.Remove(tmpName)
		return "", patcherr.IO("close", tmpName, err)
	}
	if err := fsys.Chmod(tmpName, 0o755); err != nil {
		_ = fsys.Remove(tmpName)
		return "", patcherr.IO("chmod", tmpName, err)
	}
	if err := fsys.Rename(tmpName, staged); err != nil {
		_ = fsys.Remove(tmpName)
		return "", patcherr.IO("rename", staged, err)
	}
	return staged, nil
}
