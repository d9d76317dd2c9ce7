package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/patchsync/internal/config"
	"github.com/yuya-takeyama/patchsync/internal/logging"
	"github.com/yuya-takeyama/patchsync/pkg/logger"
	"github.com/yuya-takeyama/patchsync/pkg/patcherr"
	"github.com/yuya-takeyama/patchsync/pkg/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// app carries what every subcommand needs once flags and config are parsed.
type app struct {
	fs       afero.Fs
	store    *config.Store
	settings config.Settings
	log      *logging.Logger

	configPath string
	envFile    string
	quiet      bool
	overrides  map[string]*string
}

func main() {
	a := &app{fs: afero.NewOsFs(), overrides: map[string]*string{}}

	rootCmd := &cobra.Command{
		Use:   "patchsync",
		Short: "Keep a game installation in sync with a published manifest",
		Long: `patchsync compares the locally cached manifest with the one published
at the patch URL, downloads exactly the files that changed, verifies every
download by SHA-1 and removes files the publisher dropped.`,
		Version:           fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Close()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default: user config dir)")
	flags.StringVar(&a.envFile, "env-file", ".env", "Environment file loaded before the config")
	flags.BoolVar(&a.quiet, "quiet", false, "Only print changes and errors")
	for key, usage := range map[string]string{
		config.KeyPatchURL:     "Base URL the manifest and files are served from",
		config.KeyInstallDir:   "Game installation directory",
		config.KeyManifestName: "Manifest object name",
		config.KeyLauncherPath: "Launcher executable (default: this executable)",
		config.KeyRateLimit:    "Download bandwidth limit, e.g. 2MiB (0 for unlimited)",
		config.KeyTimeout:      "Per-request timeout",
		config.KeyLogLevel:     "Log level (debug, info, warn, error)",
		config.KeyLogFile:      "Append logs to this file",
	} {
		a.overrides[key] = flags.String(key, "", usage)
	}

	rootCmd.AddCommand(
		newSyncCmd(a),
		newVerifyCmd(a),
		newDiffCmd(a),
		newLauncherCmd(a),
		newConfigCmd(a),
		newPatchlistCmd(a),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", patcherr.Message(err))
		if a.log != nil {
			a.log.Debug("command failed", "error", err)
		}
		os.Exit(1)
	}
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", a.envFile, err)
	}

	path := a.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	store, err := config.Load(a.fs, path)
	if err != nil {
		return err
	}
	for key, value := range a.overrides {
		if cmd.Flags().Changed(key) {
			if err := store.Override(key, *value); err != nil {
				return err
			}
		}
	}
	a.store = store

	if a.settings, err = store.Resolve(); err != nil {
		return err
	}

	a.log, err = logging.New(logging.Options{
		Level:   a.settings.LogLevel,
		LogFile: a.settings.LogFile,
		Quiet:   a.quiet,
	})
	return err
}

func (a *app) transport() *transport.Client {
	return transport.New(
		transport.WithTimeout(a.settings.Timeout),
		transport.WithRateLimit(int(a.settings.RateLimit)),
		transport.WithUserAgent("patchsync/"+version),
	)
}

func (a *app) itemLogger() logger.Logger {
	if a.quiet {
		return &logger.QuietLogger{W: os.Stdout}
	}
	return logger.NewSlogLogger(a.log.Logger)
}
