// Package main provides the CLI entry point for ralph, the autonomous
// spec-driven coding orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/blueman82/ralph/internal/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
