// Command cdprelay runs the CDP relay: a local process that bridges CDP
// clients to a browser extension holding page-level debugger attachments.
package main

import (
	"fmt"
	"os"

	"github.com/cdprelay/cdprelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		if !cli.IsPrintedError(err) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}
