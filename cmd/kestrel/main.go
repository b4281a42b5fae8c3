// Command kestrel is the operator-facing front end for the detection
// engine: loading rule sets, inspecting backend assignment, and driving
// or verifying replay of a captured event log.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
