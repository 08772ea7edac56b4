package main

import (
	"fmt"

	"github.com/spf13/cobra"

	config "leasecast/configs"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "leasecast",
		Short: "Lease-based primary election and cross-instance notifications",
		Long: `leasecast runs one instance of a partition: it competes for the
primary lease in a shared store and broadcasts mutation and watch status
transitions to sibling instances over a shared medium.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newLeaseCommand(opts))
	cmd.AddCommand(newInstancesCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))

	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.ConfigPath)
}
