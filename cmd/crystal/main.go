// Command crystal is the CLI surface for opening, seeding, and driving a
// Crystal website-archive project from a terminal.
package main

import (
	"fmt"
	"os"

	"github.com/crystalarchiver/crystal/cmd/crystal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
