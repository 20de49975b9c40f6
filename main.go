// Package main is the entry point for the netreject traffic filter.
package main

import (
	"fmt"
	"os"

	"github.com/edgefw/netreject/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
