// Command shelfsync is the offline-first inventory client.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/shelfsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err == nil {
		return
	}

	// Commands report their own failures; flag and argument errors are
	// printed here.
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(cli.ExitCommandError)
}
