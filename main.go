// Package main is the entry point for the tern network protocol engine.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/tern/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
