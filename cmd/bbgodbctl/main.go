// Command bbgodbctl initializes and drops the bbgodb schema and runs
// ingestion from the command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"bbgodb/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		stop()
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
