// Package main is the entry point for the work CLI.
package main

import (
	"os"

	"work/cmd/work/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
