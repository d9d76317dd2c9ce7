package main

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/patchsync/internal/checksum"
	"github.com/yuya-takeyama/patchsync/pkg/manifest"
	"github.com/yuya-takeyama/patchsync/pkg/patcherr"
	"github.com/yuya-takeyama/patchsync/pkg/patchlist"
	"github.com/yuya-takeyama/patchsync/pkg/transport"
)

func newPatchlistCmd(a *app) *cobra.Command {
	var (
		name  string
		fetch bool
	)

	cmd := &cobra.Command{
		Use:   "patchlist",
		Short: "Check the install against a legacy flat patch list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client := a.transport()
			listURL := transport.JoinURL(a.settings.PatchURL, name)

			var buf bytes.Buffer
			if _, err := client.Download(ctx, listURL, &buf, nil); err != nil {
				return patcherr.Network("download", listURL, err)
			}
			entries, err := patchlist.Decode(&buf)
			if err != nil {
				return err
			}
			statuses, err := patchlist.Check(a.fs, a.settings.InstallDir, entries)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			stale := patchlist.Stale(statuses)
			for _, s := range stale {
				fmt.Fprintf(out, "stale: %s\n", s)
				if !fetch {
					continue
				}
				if err := manifest.ValidatePath(s.Filename); err != nil {
					return patcherr.Deserialization("validate patch list", s.Filename, err)
				}

				url := transport.JoinURL(a.settings.PatchURL, s.Filename)
				var body bytes.Buffer
				w := checksum.NewWriter(&body)
				if _, err := client.Download(ctx, url, w, nil); err != nil {
					return patcherr.Network("download", url, err)
				}
				if !checksum.Equal(w.Checksum(), s.Sha1) {
					return patcherr.New(patcherr.KindIntegrity, "verify", s.Filename,
						fmt.Errorf("checksum %s does not match list %s", w.Checksum(), s.Sha1))
				}
				dst := filepath.Join(a.settings.InstallDir, filepath.FromSlash(s.Filename))
				if err := manifest.WriteFileAtomic(a.fs, dst, body.Bytes(), 0o644); err != nil {
					return patcherr.IO("write", dst, err)
				}
			}
			fmt.Fprintf(out, "%d of %d files stale\n", len(stale), len(statuses))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", patchlist.DefaultName, "Patch list object name")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "Download stale files")
	return cmd
}
