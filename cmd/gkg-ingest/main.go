// Package main is the entry point for the gkg-ingest CLI: it loads GDELT
// GKG extracts into Elasticsearch and manages the index lifecycle
// (policy, bootstrap index, rollover alias) the data lives under.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "gkg-ingest",
	Short: "Load GKG event-graph extracts into Elasticsearch",
	Long: `gkg-ingest parses GDELT GKG flat files (or a Kafka stream of GKG lines)
into structured documents and bulk-loads them into Elasticsearch behind a
rollover alias. The lifecycle subcommand provisions the ILM policy and
bootstrap index the alias points at; ingestion refuses to start until the
alias verifiably resolves to a single writable index.

Connection and tuning defaults come from the environment (ELASTICSEARCH_ADDR,
ESUSER, ESPASSWORD, GKG_*); command flags override them per invocation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
