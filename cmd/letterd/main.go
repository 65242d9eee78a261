// Command letterd determines, renders and mails installation letters for
// sales orders queued by the CRM.
package main

import (
	"fmt"
	"os"

	"github.com/pitabwire/detention-letters/internal/cli"
	"github.com/pitabwire/detention-letters/internal/observability"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	observability.Version = version
	observability.Commit = commit

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "letterd: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
