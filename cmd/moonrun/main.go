// Command moonrun is the CLI entry point.
//
// Grounded on cmd/turbo/main.go, minus the cgo/napi FFI surface that lets
// the JS CLI wrapper call into this binary in-process: this system ships
// as a standalone executable only.
package main

import (
	"os"

	"github.com/moonrun/moonrun/internal/cmd"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(cmd.RunWithArgs(os.Args[1:], version))
}
