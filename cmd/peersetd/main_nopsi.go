//go:build no_psi

package main

import (
	"context"
	"os"
)

// main without psi for environments that supply their own init (tests,
// debuggers). Signals are still handled by withSignalCancel.
func main() {
	os.Exit(submain(context.Background()))
}
