package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bbgodb/internal/ingest"
)

func newIngestCmd(backend BackendFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass over the feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return backend.with(func(b Backend) error {
				p, err := b.Pipeline(cmd.Context())
				if err != nil {
					return err
				}
				summary, err := p.Run(cmd.Context())
				if summary != nil {
					printRunSummary(cmd.OutOrStdout(), summary)
				}
				return err
			})
		},
	}
}

func newReconcileCmd(backend BackendFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [url...]",
		Short: "Re-chunk and re-embed articles with missing embeddings",
		Long: `Reconcile finishes articles whose chunks or vectors are missing, using
their stored text. With no urls every unembedded article is processed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return backend.with(func(b Backend) error {
				p, err := b.Pipeline(cmd.Context())
				if err != nil {
					return err
				}
				summary, err := p.Reconcile(cmd.Context(), args...)
				if summary != nil {
					printReconcileSummary(cmd.OutOrStdout(), summary)
				}
				return err
			})
		},
	}
}

func printRunSummary(out io.Writer, s *ingest.RunSummary) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", s.RunID)
	fmt.Fprintf(tw, "status\t%s\n", s.Status)
	fmt.Fprintf(tw, "found\t%d\n", s.Found)
	fmt.Fprintf(tw, "new\t%d\n", s.New)
	fmt.Fprintf(tw, "updated\t%d\n", s.Updated)
	fmt.Fprintf(tw, "unchanged\t%d\n", s.Unchanged)
	fmt.Fprintf(tw, "retried\t%d\n", s.Retried)
	fmt.Fprintf(tw, "failed\t%d\n", s.Failed)
	fmt.Fprintf(tw, "vectors written\t%d\n", s.VectorsWritten)
	tw.Flush()
	printFailures(out, s.Failures)
}

func printReconcileSummary(out io.Writer, s *ingest.ReconcileSummary) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "articles\t%d\n", s.Articles)
	fmt.Fprintf(tw, "completed\t%d\n", s.Completed)
	fmt.Fprintf(tw, "failed\t%d\n", s.Failed)
	fmt.Fprintf(tw, "vectors written\t%d\n", s.VectorsWritten)
	tw.Flush()
	printFailures(out, s.Failures)
}

func printFailures(out io.Writer, failures []ingest.Failure) {
	for _, f := range failures {
		fmt.Fprintf(out, "  %s [%s]: %s\n", f.URL, f.Stage, f.Error)
	}
}
