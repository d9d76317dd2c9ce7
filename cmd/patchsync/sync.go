package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/patchsync/internal/logging"
	"github.com/yuya-takeyama/patchsync/pkg/engine"
)

func newSyncCmd(a *app) *cobra.Command {
	var launch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Apply the changes between the cached and the published manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSync(cmd.Context(), engine.ModeDiff, launch)
		},
	}
	cmd.Flags().BoolVar(&launch, "launch", false, "Start the entry point after a successful sync")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var launch bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Hash every published file on disk and repair the ones that differ",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSync(cmd.Context(), engine.ModeVerify, launch)
		},
	}
	cmd.Flags().BoolVar(&launch, "launch", false, "Start the entry point after a successful verify")
	return cmd
}

func newDiffCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "Show what sync would change without touching the disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng := a.engine(nil)
			remote, changes, err := eng.Plan(cmd.Context(), engine.ModeDiff)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, rec := range changes {
				if rec.Removed() {
					fmt.Fprintf(out, "delete: %s\n", rec.Path)
					continue
				}
				fmt.Fprintf(out, "fetch: %s (version %d)\n", rec.Path, rec.Version)
			}
			fmt.Fprintf(out, "%d changes to reach generation %d\n", len(changes), remote.Version)
			return nil
		},
	}
}

func (a *app) engine(onProgress func(engine.Progress)) *engine.Engine {
	return engine.New(a.fs, a.transport(), engine.Options{
		PatchURL:     a.settings.PatchURL,
		InstallDir:   a.settings.InstallDir,
		ManifestName: a.settings.ManifestName,
		Logger:       a.itemLogger(),
		Log:          a.log.Logger,
		OnProgress:   onProgress,
	})
}

func (a *app) runSync(ctx context.Context, mode engine.Mode, launch bool) error {
	var bar *progressLine
	if !a.quiet {
		bar = &progressLine{}
	}
	eng := a.engine(bar.update)

	run, err := eng.Start(ctx, mode)
	if err != nil {
		return err
	}
	res, err := run.Wait()
	bar.done()

	summary := logging.Summary{Title: "Sync Summary"}
	if mode == engine.ModeVerify {
		summary.Title = "Verify Summary"
	}
	if res != nil {
		summary.Transferred = int64(res.Fetched)
		summary.Skipped = int64(res.Skipped)
		summary.Deleted = int64(res.Deleted)
		summary.Bytes = res.Bytes
		summary.Duration = res.Duration
	}
	if err != nil {
		summary.Errors = 1
		a.log.Error("sync failed", "run_id", run.ID, "error", err)
	}
	a.log.PrintSummary(summary)
	if err != nil {
		return err
	}

	if launch {
		return start(eng.EntryPointPath(res.Remote))
	}
	return nil
}

// start launches the game without waiting for it.
func start(path string) error {
	if path == "" {
		return fmt.Errorf("manifest has no entry point")
	}
	cmd := exec.Command(path)
	cmd.Dir = filepath.Dir(path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", path, err)
	}
	return cmd.Process.Release()
}

// progressLine redraws one status line per download on stderr.
type progressLine struct {
	mu      sync.Mutex
	file    string
	percent int
}

func (p *progressLine) update(pr engine.Progress) {
	if p == nil || pr.File == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	percent := int(pr.Fraction * 100)
	if pr.File == p.file && percent == p.percent {
		return
	}
	if pr.File != p.file && p.file != "" {
		fmt.Fprintln(os.Stderr)
	}
	p.file, p.percent = pr.File, percent
	fmt.Fprintf(os.Stderr, "\r%-60s %3d%%", pr.File, percent)
}

func (p *progressLine) done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != "" {
		fmt.Fprintln(os.Stderr)
	}
	p.file = ""
}
