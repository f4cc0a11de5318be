package main

import (
	"fmt"

	"github.com/pseudomuto/condamap"
	"github.com/spf13/cobra"
)

func newCheckCmd(a *app) *cobra.Command {
	var name, subdir, file string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Resolve one artifact and print its record without writing anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			artifacts, err := a.source.ListArtifacts(cmd.Context(), name, subdir)
			if err != nil {
				return err
			}

			var found *condamap.Artifact
			for i := range artifacts {
				if artifacts[i].Filename == file {
					found = &artifacts[i]
					break
				}
			}
			if found == nil {
				return fmt.Errorf("%s is not in %s/%s", file, name, subdir)
			}

			res, err := a.indexer.ResolveOne(cmd.Context(), *found)
			if err != nil {
				return err
			}

			switch r := res.(type) {
			case condamap.Resolved:
				return printJSON(cmd.OutOrStdout(), map[string]any{"sha256": found.ContentHash, "record": r.Record})
			case condamap.Unresolved:
				return printJSON(cmd.OutOrStdout(), map[string]any{"sha256": found.ContentHash, "unresolved": r.Reason})
			default:
				return fmt.Errorf("unexpected resolution %T", res)
			}
		},
	}

	cmd.Flags().StringVar(&name, "channel", "", "channel of the artifact")
	cmd.Flags().StringVar(&subdir, "subdir", "", "subdir of the artifact")
	cmd.Flags().StringVar(&file, "file", "", "artifact filename")
	for _, f := range []string{"channel", "subdir", "file"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
