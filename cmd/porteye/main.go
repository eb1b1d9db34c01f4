// Command porteye is a concurrent network scanner.
package main

import (
	"github.com/anstrom/porteye/cmd/cli"
)

// Build information, set via -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
