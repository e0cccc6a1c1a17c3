package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newDBCmd(backend BackendFactory) *cobra.Command {
	db := &cobra.Command{
		Use:   "db",
		Short: "Manage the metadata and vector schemas",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Apply migrations and create the vector index schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return backend.with(func(b Backend) error {
				schema, err := b.Schema(cmd.Context())
				if err != nil {
					return err
				}
				if err := schema.Init(cmd.Context()); err != nil {
					return fmt.Errorf("init schema: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema initialized")
				return nil
			})
		},
	}

	var yes bool
	dropCmd := &cobra.Command{
		Use:   "drop",
		Short: "Delete all articles, chunks, runs and vectors",
		Long: `Drop removes the vector index schema and reverts every migration.

IMPORTANT: this deletes all ingested data. You are asked to type "yes"
unless --yes is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Fprint(cmd.OutOrStdout(), `This deletes every article, chunk, run and vector. Type "yes" to continue: `)
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if strings.TrimSpace(answer) != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}

			return backend.with(func(b Backend) error {
				schema, err := b.Schema(cmd.Context())
				if err != nil {
					return err
				}
				if err := schema.Drop(cmd.Context()); err != nil {
					return fmt.Errorf("drop schema: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema dropped")
				return nil
			})
		},
	}
	dropCmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	db.AddCommand(initCmd, dropCmd)
	return db
}
