// ABOUTME: Entry point for ratematch
// ABOUTME: Hands off to the cobra command tree
package main

import (
	"os"

	"github.com/Resonate-Protocol/ratematch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
