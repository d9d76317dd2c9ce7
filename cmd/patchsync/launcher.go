package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/patchsync/internal/config"
	"github.com/yuya-takeyama/patchsync/pkg/launcher"
	"github.com/yuya-takeyama/patchsync/pkg/manifest"
)

func newLauncherCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launcher",
		Short: "Check and stage updates of the launcher itself",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report whether a newer launcher is published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, rec, stale, err := a.launcherStatus(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case rec == nil:
				fmt.Fprintln(out, "launcher is not tracked by the published manifest")
			case stale:
				fmt.Fprintf(out, "update available: %s (version %d)\n", exe, rec.Version)
			default:
				fmt.Fprintf(out, "up to date: %s\n", exe)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stage",
		Short: "Download a newer launcher next to the running one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, rec, stale, err := a.launcherStatus(cmd.Context())
			if err != nil {
				return err
			}
			if !stale {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to stage")
				return nil
			}

			staged, err := launcher.Stage(cmd.Context(), a.fs, a.transport(), a.settings.PatchURL, exe, *rec, nil)
			if err != nil {
				return err
			}
			a.log.Info("launcher staged", "path", staged, "version", rec.Version)
			fmt.Fprintln(cmd.OutOrStdout(), staged)
			return nil
		},
	})

	return cmd
}

func (a *app) launcherStatus(ctx context.Context) (string, *manifest.FileRecord, bool, error) {
	exe := a.settings.LauncherPath
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return "", nil, false, fmt.Errorf("locate executable: %w", err)
		}
	}
	exe = filepath.Clean(exe)

	remote, err := a.transport().FetchManifest(ctx, a.settings.PatchURL, a.settings.ManifestName)
	if err != nil {
		return "", nil, false, err
	}
	stale, err := launcher.Stale(a.fs, exe, remote.Launcher)
	if err != nil {
		return "", nil, false, err
	}
	return exe, remote.Launcher, stale, nil
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change persisted settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", a.store.Path())
			for _, key := range config.Keys() {
				value, err := a.store.Get(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s = %s\n", key, value)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a setting (keys: " + strings.Join(config.Keys(), ", ") + ")",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := a.store.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	})

	return cmd
}
