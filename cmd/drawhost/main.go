// Command drawhost runs the privileged host of the diagram editor.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "drawhost:", err)
		os.Exit(1)
	}
}
