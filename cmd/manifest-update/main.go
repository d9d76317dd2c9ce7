package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/patchsync/internal/logging"
	"github.com/yuya-takeyama/patchsync/internal/walker"
	"github.com/yuya-takeyama/patchsync/pkg/builder"
	"github.com/yuya-takeyama/patchsync/pkg/logger"
	"github.com/yuya-takeyama/patchsync/pkg/manifest"
	"github.com/yuya-takeyama/patchsync/pkg/patcherr"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type buildConfig struct {
	workDir      string
	excludeFile  string
	entryPoint   string
	launcherPath string
	manifestPath string
	concurrency  int
	logLevel     string
	quiet        bool
}

func main() {
	var cfg buildConfig
	var log *logging.Logger
	fsys := afero.NewOsFs()

	rootCmd := &cobra.Command{
		Use:   "manifest-update",
		Short: "Build the next manifest generation from a work directory",
		Long: `manifest-update hashes every file under the work directory, bumps the
version of each file whose content changed and writes the next manifest
generation, keeping the previous one as <manifest>.old.`,
		Version:       fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			var err error
			log, err = logging.New(logging.Options{Level: cfg.logLevel, Quiet: cfg.quiet})
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateConfig(&cfg); err != nil {
				return err
			}
			_, err := runBuild(cmd.Context(), fsys, &cfg, log)
			return err
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.workDir, "work-dir", "Nelderim", "Directory holding the files to publish")
	flags.StringVar(&cfg.excludeFile, "exclude-file", defaultExcludeFile(), "File listing path prefixes to leave out, one per line")
	flags.StringVar(&cfg.entryPoint, "entry-point", builder.DefaultEntryPoint, "Executable clients start after syncing")
	flags.StringVar(&cfg.launcherPath, "launcher", "", "Launcher executable tracked outside the file list")
	flags.StringVar(&cfg.manifestPath, "manifest", "", "Manifest to write (default: <work-dir>.manifest.json)")
	flags.IntVar(&cfg.concurrency, "concurrency", 0, "Number of files hashed in parallel (default: CPU count)")
	flags.StringVar(&cfg.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.quiet, "quiet", false, "Suppress the summary")

	rootCmd.AddCommand(
		newPublishCmd(fsys, &cfg, &log),
		newPatchlistCmd(fsys, &log),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", patcherr.Message(err))
		if log != nil {
			log.Debug("command failed", "error", err)
		}
		os.Exit(1)
	}
}

// defaultExcludeFile is named after the executable, e.g.
// manifest-update.exclude.
func defaultExcludeFile() string {
	name := filepath.Base(os.Args[0])
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".exclude"
}

func validateConfig(cfg *buildConfig) error {
	if cfg.workDir == "" {
		return fmt.Errorf("work directory is required")
	}
	if cfg.concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if cfg.manifestPath == "" {
		cfg.manifestPath = builder.DefaultManifestPath(cfg.workDir)
	}
	return nil
}

func runBuild(ctx context.Context, fsys afero.Fs, cfg *buildConfig, log *logging.Logger) (*manifest.Manifest, error) {
	startTime := time.Now()

	excludes, err := walker.ReadExcludes(fsys, cfg.excludeFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Debug("no exclude file", "path", cfg.excludeFile)
	case err != nil:
		return nil, err
	}

	var items logger.Logger = logger.NewSlogLogger(log.Logger)
	if cfg.quiet {
		items = &logger.NullLogger{}
	}

	b := builder.New(fsys, builder.Options{
		WorkDir:      cfg.workDir,
		Excludes:     excludes,
		EntryPoint:   cfg.entryPoint,
		LauncherPath: cfg.launcherPath,
		Concurrency:  cfg.concurrency,
		Logger:       items,
	})
	prev, next, err := b.Run(ctx, manifest.NewStore(fsys, cfg.manifestPath))
	if err != nil {
		return nil, err
	}

	changes := manifest.ChangesBetween(prev, next)
	log.Info("manifest written",
		"path", cfg.manifestPath,
		"version", next.Version,
		"files", len(next.Files),
		"changed", len(changes.Fetches()),
		"removed", len(changes.Removals()))

	log.PrintSummary(logging.Summary{
		Title:       fmt.Sprintf("Generation %d", next.Version),
		Transferred: int64(len(changes.Fetches())),
		Skipped:     int64(len(next.Files) - len(changes.Fetches())),
		Deleted:     int64(len(changes.Removals())),
		Duration:    time.Since(startTime),
	})
	return next, nil
}
