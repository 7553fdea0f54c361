// Command meteringd is the entry point for the usage-metering engine: a
// multi-tenant event-ingestion and aggregation service with scheduled
// rollups and signed webhook delivery. See cli.RootCmd for the subcommand
// tree (serve, trigger, config).
package main

import (
	"fmt"
	"os"

	"github.com/codehooks-metering/metering-engine/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
