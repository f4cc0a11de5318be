package main

import (
	"encoding/json"
	"io"

	"github.com/pseudomuto/condamap"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newProduceCmd(a *app) *cobra.Command {
	var (
		name    string
		subdirs []string
	)

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Discover missing artifacts and print the shards to update",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ch, err := a.cfg.Channel(name)
			if err != nil {
				return err
			}
			if len(subdirs) == 0 {
				subdirs = ch.Partitions
			}

			unlock, err := a.lockChannel(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer unlock()

			shards, err := a.indexer.DiscoverWork(cmd.Context(), name, subdirs)
			if err != nil {
				return err
			}

			if shards == nil {
				shards = []condamap.ShardID{}
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"channel": name, "shards": shards})
		},
	}

	cmd.Flags().StringVar(&name, "channel", "", "channel to scan")
	cmd.Flags().StringSliceVar(&subdirs, "subdir", nil, "subdirs to scan (default: configured partitions, or all)")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var name, shard string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Resolve the artifacts of one shard and write its partial index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.cfg.Channel(name); err != nil {
				return err
			}

			id, err := condamap.ParseShardID(shard)
			if err != nil {
				return err
			}

			p, err := a.indexer.ProcessShard(cmd.Context(), name, id)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"channel": p.Channel,
				"shard":   p.Shard,
				"run_id":  p.RunID,
				"entries": len(p.Entries),
				"skipped": p.Skipped,
			})
		},
	}

	cmd.Flags().StringVar(&name, "channel", "", "channel of the shard")
	cmd.Flags().StringVar(&shard, "shard", "", "shard to process (<subdir>@<letter>)")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("shard")
	return cmd
}

func newMergeCmd(a *app) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Fold pending partial indices into the master index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.cfg.Channel(name); err != nil {
				return err
			}

			unlock, err := a.lockChannel(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer unlock()

			m, err := a.indexer.MergeIndex(cmd.Context(), name, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}

	cmd.Flags().StringVar(&name, "channel", "", "channel to merge")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newRelationsCmd(a *app) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "relations",
		Short: "Build the relations table and lookup fragments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.cfg.Channel(name); err != nil {
				return err
			}

			unlock, err := a.lockChannel(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer unlock()

			meta, err := a.indexer.BuildRelations(cmd.Context(), name)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), meta)
		},
	}

	cmd.Flags().StringVar(&name, "channel", "", "channel to build relations for")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var names []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every stage in this process",
		Long: `Run discovers work, processes every shard in parallel, merges the partial
indices and rebuilds the relations, one channel at a time. Without --channel every
configured channel is run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			channels := a.cfg.Channels
			if len(names) > 0 {
				channels = channels[:0:0]
				for _, n := range names {
					ch, err := a.cfg.Channel(n)
					if err != nil {
						return err
					}
					channels = append(channels, ch)
				}
			}

			for _, ch := range channels {
				if err := a.runChannel(cmd, ch.Name, ch.Partitions); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&names, "channel", nil, "channels to run (default: all configured)")
	return cmd
}

func (a *app) runChannel(cmd *cobra.Command, name string, partitions []string) error {
	unlock, err := a.lockChannel(cmd.Context(), name)
	if err != nil {
		return err
	}
	defer unlock()

	res, err := a.indexer.Run(cmd.Context(), name, partitions, a.cfg.Parallelism)
	if err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), map[string]any{
		"channel":   name,
		"shards":    len(res.Shards),
		"entries":   res.Entries,
		"skipped":   res.Skipped,
		"manifest":  res.Manifest,
		"relations": res.Relations,
	})
}
