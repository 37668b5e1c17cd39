// Package main provides the entry point for the avatar CLI.
package main

import (
	"fmt"
	"os"

	"github.com/raven2cz/avatar-engine-sub000/cmd/avatar/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
