// fabricd entry point.
package main

import (
	"fmt"
	"os"

	"github.com/lattice-agents/fabric/cmd/fabricd/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
