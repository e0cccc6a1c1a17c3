// Package cli implements bbgodbctl, the operator tool for schema setup and
// manual ingestion.
package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"bbgodb/internal/ingest"
)

// SchemaManager creates and removes the metadata tables and the vector index
// schema together.
type SchemaManager interface {
	Init(ctx context.Context) error
	Drop(ctx context.Context) error
}

type Pipeline interface {
	Run(ctx context.Context) (*ingest.RunSummary, error)
	Reconcile(ctx context.Context, urls ...string) (*ingest.ReconcileSummary, error)
}

// Backend connects commands to the stores they operate on. Each method
// connects lazily so db commands never need the embedding provider.
type Backend interface {
	Schema(ctx context.Context) (SchemaManager, error)
	Pipeline(ctx context.Context) (Pipeline, error)
	Close() error
}

type BackendFactory func() (Backend, error)

// with opens a backend for one command and closes it afterwards.
func (f BackendFactory) with(fn func(b Backend) error) (err error) {
	b, err := f()
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, b.Close()) }()
	return fn(b)
}

func NewRootCmd(newBackend BackendFactory) *cobra.Command {
	root := &cobra.Command{
		Use:   "bbgodbctl",
		Short: "Operate the bbgodb article index",
		Long: `bbgodbctl manages the bbgodb schema and runs ingestion by hand.

Examples:
  bbgodbctl db init                 # create tables and the vector schema
  bbgodbctl db drop --yes           # remove everything without prompting
  bbgodbctl ingest                  # run one ingestion pass now
  bbgodbctl reconcile <url>...      # re-embed the named articles`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newDBCmd(newBackend), newIngestCmd(newBackend), newReconcileCmd(newBackend))
	return root
}

// Execute runs bbgodbctl against the environment configuration.
func Execute(ctx context.Context) error {
	return NewRootCmd(NewEnvBackend).ExecuteContext(ctx)
}
