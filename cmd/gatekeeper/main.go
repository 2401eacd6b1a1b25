// Package main is the entry point for the gatekeeper.
package main

import (
	"fmt"
	"os"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gatekeeper: %v\n", err)
		os.Exit(1)
	}
}
