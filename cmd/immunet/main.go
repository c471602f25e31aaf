// Package main is the single-binary entrypoint for immunet.
package main

import "github.com/tutu-network/immunet/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
