// Package main is the entry point of the waba CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jchavesmartinez/waba/cmd/waba/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
