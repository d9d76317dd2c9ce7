package worker

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/yuya-takeyama/patchsync/internal/plan"
	"github.com/yuya-takeyama/patchsync/pkg/logger"
)

const (
	phaseUpload   = "upload"
	phaseManifest = "manifest"
	phaseDelete   = "delete"
)

// ObjectStore is what the pool needs from the S3 client.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, key string, open func() (io.ReadCloser, error), contentType string) error
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Result represents the result of one plan item
type Result struct {
	Item  plan.Item
	Error error
}

// Pool manages concurrent workers
type Pool struct {
	store       ObjectStore
	fs          afero.Fs
	concurrency int
	dryRun      bool
	log         logger.Logger
}

// NewPool creates a new worker pool
func NewPool(store ObjectStore, fsys afero.Fs, concurrency int, dryRun bool, log logger.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = &logger.NullLogger{}
	}
	return &Pool{
		store:       store,
		fs:          fsys,
		concurrency: concurrency,
		dryRun:      dryRun,
		log:         log,
	}
}

// Execute publishes p: content uploads, then the manifest, then deletions.
// A failed upload stops the publish before the manifest goes live.
func (p *Pool) Execute(ctx context.Context, pl *plan.Plan) ([]Result, error) {
	results := p.run(ctx, phaseUpload, pl.Bucket, pl.Uploads)
	if err := firstError(results); err != nil {
		return results, fmt.Errorf("upload content: %w", err)
	}

	manifest := p.run(ctx, phaseManifest, pl.Bucket, []plan.Item{pl.Manifest})
	results = append(results, manifest...)
	if err := firstError(manifest); err != nil {
		return results, fmt.Errorf("upload manifest: %w", err)
	}

	deletes := p.run(ctx, phaseDelete, pl.Bucket, pl.Deletes)
	results = append(results, deletes...)
	if err := firstError(deletes); err != nil {
		return results, fmt.Errorf("delete stale objects: %w", err)
	}
	return results, nil
}

func (p *Pool) run(ctx context.Context, phase, bucket string, items []plan.Item) []Result {
	p.log.PhaseStart(phase, len(items))

	jobs := make(chan plan.Item, len(items))
	out := make(chan Result, len(items))

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go p.worker(ctx, phase, bucket, jobs, out, &wg)
	}

	for _, item := range items {
		jobs <- item
	}
	close(jobs)

	wg.Wait()
	close(out)

	var results []Result
	for r := range out {
		results = append(results, r)
	}
	p.log.PhaseComplete(phase, len(results))
	return results
}

func (p *Pool) worker(ctx context.Context, phase, bucket string, jobs <-chan plan.Item, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	for item := range jobs {
		if err := ctx.Err(); err != nil {
			results <- Result{Item: item, Error: err}
			continue
		}

		var err error
		switch item.Action {
		case plan.ActionUpload:
			p.log.ItemProcessed(phase, item.Key, logger.ActionUpload)
			err = p.upload(ctx, bucket, item)
		case plan.ActionDelete:
			p.log.ItemProcessed(phase, item.Key, logger.ActionDelete)
			err = p.delete(ctx, bucket, item)
		}
		results <- Result{Item: item, Error: err}
	}
}

func (p *Pool) upload(ctx context.Context, bucket string, item plan.Item) error {
	if p.dryRun {
		return nil
	}
	open := func() (io.ReadCloser, error) {
		return p.fs.Open(item.LocalPath)
	}
	if err := p.store.Upload(ctx, bucket, item.Key, open, guessContentType(item.Path)); err != nil {
		return fmt.Errorf("upload %s: %w", item.Key, err)
	}
	return nil
}

func (p *Pool) delete(ctx context.Context, bucket string, item plan.Item) error {
	if p.dryRun {
		return nil
	}
	if err := p.store.DeleteObject(ctx, bucket, item.Key); err != nil {
		return fmt.Errorf("delete %s: %w", item.Key, err)
	}
	return nil
}

func firstError(results []Result) error {
	for _, r := range results {
		if r.Error != nil {
			return r.Error
		}
	}
	return nil
}

// guessContentType maps well-known extensions; game data falls back to
// application/octet-stream on the S3 side.
func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case "":
		return ""
	case ".json":
		return "application/json"
	}
	return mime.TypeByExtension(ext)
}

// Stats tracks publish statistics
type Stats struct {
	Uploaded      int64
	Deleted       int64
	Errors        int64
	BytesUploaded int64
}

// UpdateStats updates statistics from results
func UpdateStats(stats *Stats, results []Result) {
	for _, result := range results {
		if result.Error != nil {
			atomic.AddInt64(&stats.Errors, 1)
			continue
		}

		switch result.Item.Action {
		case plan.ActionUpload:
			atomic.AddInt64(&stats.Uploaded, 1)
			atomic.AddInt64(&stats.BytesUploaded, result.Item.Size)
		case plan.ActionDelete:
			atomic.AddInt64(&stats.Deleted, 1)
		}
	}
}
