// Package cmd provides the CLI commands for localdb.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kiryaka/localdb/pkg/version"
)

// NewRootCmd creates the root command for the localdb CLI.
func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "localdb",
		Short: "Local hybrid (BM25 + ANN) document search engine",
		Long: `localdb ingests a directory of plain-text documents, builds a
lexical (BM25) index and an approximate-nearest-neighbor vector index over
their embeddings, and answers queries with a single fused, ranked result
stream.`,
		Version: version.Version,
	}

	cmd.SetVersionTemplate("localdb version {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newIngestCmd(&configPath))
	cmd.AddCommand(newQueryCmd(&configPath))

	return cmd
}

// Execute runs the root command. Subcommands that need a specific process
// exit code (ingest, query) call os.Exit themselves from RunE rather than
// returning an error, since the code depends on the kind of failure and
// differs between commands; Execute's own return value covers generic
// cobra errors (bad flags, unknown subcommand).
func Execute() error {
	return NewRootCmd().Execute()
}
