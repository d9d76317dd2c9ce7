package main

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/patchsync/internal/logging"
	"github.com/yuya-takeyama/patchsync/internal/plan"
	"github.com/yuya-takeyama/patchsync/internal/s3client"
	"github.com/yuya-takeyama/patchsync/internal/worker"
	"github.com/yuya-takeyama/patchsync/pkg/fnmatch"
	"github.com/yuya-takeyama/patchsync/pkg/logger"
	"github.com/yuya-takeyama/patchsync/pkg/manifest"
)

type publishConfig struct {
	dryRun       bool
	planJSONFile string
	concurrency  int
	keep         []string
	manifestName string
	profile      string
	region       string
}

func newPublishCmd(fsys afero.Fs, build *buildConfig, log **logging.Logger) *cobra.Command {
	var cfg publishConfig

	cmd := &cobra.Command{
		Use:   "publish <S3Uri>",
		Short: "Upload the built generation to S3",
		Long: `publish compares the built manifest with the one currently published under
the S3 prefix, uploads new and changed files, then the manifest, and finally
deletes objects the new generation dropped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.concurrency <= 0 {
				return fmt.Errorf("concurrency must be positive")
			}
			if err := validateConfig(build); err != nil {
				return err
			}
			loc, err := s3client.ParseURI(args[0])
			if err != nil {
				return err
			}
			keep, err := fnmatch.Compile(cfg.keep)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			startTime := time.Now()
			l := *log

			var opts []func(*awsconfig.LoadOptions) error
			if cfg.profile != "" {
				opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.profile))
			}
			if cfg.region != "" {
				opts = append(opts, awsconfig.WithRegion(cfg.region))
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
			if err != nil {
				return fmt.Errorf("failed to load AWS config: %w", err)
			}
			client := s3client.NewClient(awsCfg)

			next, err := manifest.NewStore(fsys, build.manifestPath).Load()
			if err != nil {
				return err
			}

			published := manifest.Empty()
			data, err := client.GetObject(ctx, loc.Bucket, loc.Key(cfg.manifestName))
			switch {
			case errors.Is(err, s3client.ErrNotFound):
				l.Info("no published manifest, uploading everything", "location", loc.String())
			case err != nil:
				return fmt.Errorf("fetch published manifest: %w", err)
			default:
				if published, err = manifest.Parse(data); err != nil {
					return fmt.Errorf("published manifest: %w", err)
				}
			}

			pl, err := plan.Build(fsys, published, next, plan.Options{
				WorkDir:      build.workDir,
				ManifestPath: build.manifestPath,
				LauncherPath: build.launcherPath,
				Location:     loc,
				ManifestName: cfg.manifestName,
				Keep:         keep,
			})
			if err != nil {
				return fmt.Errorf("failed to generate plan: %w", err)
			}

			if cfg.planJSONFile != "" {
				var buf bytes.Buffer
				if err := pl.WriteJSON(&buf); err != nil {
					return err
				}
				if err := afero.WriteFile(fsys, cfg.planJSONFile, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("failed to write plan JSON: %w", err)
				}
			}

			if pl.Empty() {
				l.Info("already published", "version", next.Version, "location", loc.String())
				return nil
			}
			for _, k := range pl.Kept {
				l.Info("keeping object", "key", k.Key, "reason", k.Reason)
			}

			var items logger.Logger = logger.NewSlogLogger(l.Logger)
			if build.quiet || cfg.dryRun {
				items = &logger.QuietLogger{W: cmd.OutOrStdout()}
			}
			results, err := worker.NewPool(client, fsys, cfg.concurrency, cfg.dryRun, items).Execute(ctx, pl)

			var stats worker.Stats
			worker.UpdateStats(&stats, results)
			title := fmt.Sprintf("Publish %d -> %d", pl.PublishedVersion, pl.Version)
			if cfg.dryRun {
				title += " (dry run)"
			}
			l.PrintSummary(logging.Summary{
				Title:       title,
				Transferred: stats.Uploaded,
				Deleted:     stats.Deleted,
				Errors:      stats.Errors,
				Bytes:       stats.BytesUploaded,
				Duration:    time.Since(startTime),
			})
			return err
		},
	}

	cmd.Flags().BoolVar(&cfg.dryRun, "dryrun", false, "Shows operations without executing")
	cmd.Flags().StringVar(&cfg.planJSONFile, "plan-json-file", "", "Path to output plan as JSON file")
	cmd.Flags().IntVar(&cfg.concurrency, "concurrency", 16, "Number of concurrent operations")
	cmd.Flags().StringSliceVar(&cfg.keep, "keep", nil, "Patterns of remote paths never deleted (multiple allowed)")
	cmd.Flags().StringVar(&cfg.manifestName, "manifest-name", manifest.DefaultName, "Object name clients fetch the manifest from")
	cmd.Flags().StringVar(&cfg.profile, "profile", "", "AWS profile to use")
	cmd.Flags().StringVar(&cfg.region, "region", "", "AWS region (uses default if not specified)")
	return cmd
}
