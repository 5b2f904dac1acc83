// Package main provides the entry point for the codeq CLI.
package main

import (
	"fmt"
	"os"

	"github.com/codeq-dev/codeq/cmd/codeq/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
