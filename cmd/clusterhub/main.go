// Package main is the entry point for the clusterhub CLI.
package main

import (
	"os"

	"github.com/openclaw/clusterhub/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
