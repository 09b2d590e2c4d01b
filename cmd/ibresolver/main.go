// Command ibresolver resolves the destinations of indirect branches in a
// traced program and attributes both ends to the images that contain them.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
