// Package main is the entry point for the snapload CLI.
package main

import (
	"os"

	"github.com/SnapLoad/SnapLoad/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
