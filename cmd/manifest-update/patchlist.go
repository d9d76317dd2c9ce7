package main

import (
	"bytes"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/patchsync/internal/logging"
	"github.com/yuya-takeyama/patchsync/pkg/manifest"
	"github.com/yuya-takeyama/patchsync/pkg/patchlist"
)

func newPatchlistCmd(fsys afero.Fs, log **logging.Logger) *cobra.Command {
	var (
		dir      string
		confFile string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "patchlist",
		Short: "Write the legacy flat patch list for older clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			patterns, err := patchlist.ReadPatterns(fsys, confFile)
			if err != nil {
				return err
			}
			entries, err := patchlist.Generate(fsys, dir, patterns)
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			if err := patchlist.Encode(&buf, entries); err != nil {
				return err
			}
			if err := manifest.WriteFileAtomic(fsys, output, buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			(*log).Info("patch list written", "path", output, "files", len(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Directory the patterns are matched in")
	cmd.Flags().StringVar(&confFile, "conf", "NelderimPatch.conf", "File listing glob patterns, one per line")
	cmd.Flags().StringVar(&output, "output", patchlist.DefaultName, "Patch list to write")
	return cmd
}
