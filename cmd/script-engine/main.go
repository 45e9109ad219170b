// Package main is the entry point for the script engine.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/script-engine/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
