// Command prefctl inspects and edits a preference store and benchmarks the
// preference cache against it.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
