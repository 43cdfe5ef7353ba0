// Command bridge runs the transfer engine (`bridge run`) and talks to a
// running engine over gRPC (submit, list, watch, cancel, retry, clear).
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/bucket-bridge/internal/cli"
)

var (
	version = "dev" // 由 CI 注入: -ldflags "-X main.version=1.0.0"
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "bridge: unrecoverable error: %v\n", r)
			os.Exit(2)
		}
	}()

	cli.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	os.Exit(cli.Execute())
}
