// Package plan turns the difference between the published generation and a
// freshly built one into the object uploads and deletions that publish it.
package plan

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/yuya-takeyama/patchsync/internal/s3client"
	"github.com/yuya-takeyama/patchsync/pkg/fnmatch"
	"github.com/yuya-takeyama/patchsync/pkg/manifest"
	"github.com/yuya-takeyama/patchsync/pkg/patcherr"
)

// Action represents a publish action
type Action string

const (
	ActionUpload Action = "upload"
	ActionDelete Action = "delete"
	ActionKeep   Action = "keep"
)

// Item represents a publish plan item
type Item struct {
	Action    Action `json:"action"`
	Path      string `json:"path"`
	Key       string `json:"key"`
	LocalPath string `json:"local_path,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Reason    string `json:"reason"`
}

// Plan lists the work of one publish. Content goes first, the manifest
// second and deletions last, so clients never see a manifest that points at
// missing objects.
type Plan struct {
	Bucket           string `json:"bucket"`
	Prefix           string `json:"prefix"`
	PublishedVersion int    `json:"published_version"`
	Version          int    `json:"version"`
	Uploads          []Item `json:"uploads"`
	Manifest         Item   `json:"manifest"`
	Deletes          []Item `json:"deletes"`
	Kept             []Item `json:"kept"`
}

// Options describes where the new generation lives locally and remotely.
type Options struct {
	WorkDir      string
	ManifestPath string
	LauncherPath string
	Location     s3client.Location
	ManifestName string
	Keep         *fnmatch.Matcher
}

// Build plans the publish of next over published. Pass manifest.Empty() for
// a first publish.
func Build(fsys afero.Fs, published, next *manifest.Manifest, opts Options) (*Plan, error) {
	p := &Plan{
		Bucket:           opts.Location.Bucket,
		Prefix:           opts.Location.Prefix,
		PublishedVersion: published.Version,
		Version:          next.Version,
		Uploads:          []Item{},
		Deletes:          []Item{},
		Kept:             []Item{},
	}

	for _, rec := range manifest.ChangesBetween(published, next) {
		key := opts.Location.Key(rec.Path)
		if rec.Version == manifest.RemovedVersion {
			p.addDelete(rec.Path, key, "removed from manifest", opts.Keep)
			continue
		}

		local := filepath.Join(opts.WorkDir, filepath.FromSlash(rec.Path))
		item, err := uploadItem(fsys, rec.Path, key, local, reason(published, rec))
		if err != nil {
			return nil, err
		}
		p.Uploads = append(p.Uploads, item)
	}

	if manifest.LauncherChanged(published, next) {
		if err := p.addLauncher(fsys, published, next, opts); err != nil {
			return nil, err
		}
	}

	name := opts.ManifestName
	if name == "" {
		name = manifest.DefaultName
	}
	item, err := uploadItem(fsys, name, opts.Location.Key(name), opts.ManifestPath, fmt.Sprintf("generation %d", next.Version))
	if err != nil {
		return nil, err
	}
	p.Manifest = item
	return p, nil
}

// Empty reports whether the remote side is already up to date.
func (p *Plan) Empty() bool {
	return p.PublishedVersion == p.Version && len(p.Uploads) == 0 && len(p.Deletes) == 0
}

// UploadBytes sums the sizes of the content uploads.
func (p *Plan) UploadBytes() int64 {
	var n int64
	for _, it := range p.Uploads {
		n += it.Size
	}
	return n
}

// WriteJSON writes the plan for review.
func (p *Plan) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return nil
}

func (p *Plan) addDelete(path, key, why string, keep *fnmatch.Matcher) {
	if pattern, ok := keep.Match(path); ok {
		p.Kept = append(p.Kept, Item{Action: ActionKeep, Path: path, Key: key, Reason: "matches " + pattern})
		return
	}
	p.Deletes = append(p.Deletes, Item{Action: ActionDelete, Path: path, Key: key, Reason: why})
}

func (p *Plan) addLauncher(fsys afero.Fs, published, next *manifest.Manifest, opts Options) error {
	if next.Launcher == nil {
		p.addDelete(published.Launcher.Path, opts.Location.Key(published.Launcher.Path), "launcher no longer tracked", opts.Keep)
		return nil
	}

	rec := *next.Launcher
	local := opts.LauncherPath
	if local == "" {
		local = filepath.Join(opts.WorkDir, filepath.FromSlash(rec.Path))
	}
	item, err := uploadItem(fsys, rec.Path, opts.Location.Key(rec.Path), local, "launcher changed")
	if err != nil {
		return err
	}
	p.Uploads = append(p.Uploads, item)

	if published.Launcher != nil && published.Launcher.Path != rec.Path {
		p.addDelete(published.Launcher.Path, opts.Location.Key(published.Launcher.Path), "launcher renamed", opts.Keep)
	}
	return nil
}

func uploadItem(fsys afero.Fs, path, key, local, why string) (Item, error) {
	info, err := fsys.Stat(local)
	if err != nil {
		return Item{}, patcherr.IO("stat", local, err)
	}
	return Item{
		Action:    ActionUpload,
		Path:      path,
		Key:       key,
		LocalPath: local,
		Size:      info.Size(),
		Reason:    why,
	}, nil
}

func reason(published *manifest.Manifest, rec manifest.FileRecord) string {
	prev, ok := published.Lookup(rec.Path)
	if !ok {
		return "new file"
	}
	return fmt.Sprintf("version %d -> %d", prev.Version, rec.Version)
}
