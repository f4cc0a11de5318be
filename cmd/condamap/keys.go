package main

import (
	"fmt"

	"github.com/pseudomuto/condamap"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate a key pair for signing index heads",
		// No configuration is needed to generate keys.
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			skey, vkey, err := condamap.GenerateKeys(name)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "signing key:  %s\nverifier key: %s\n", skey, vkey)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "key name, e.g. the host serving the index")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
