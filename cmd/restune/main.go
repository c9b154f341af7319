package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"restune/internal/ipc"
)

// Exit codes: 1 for local and transport failures, 3 when the daemon refused
// the request.
const exitRefused = 3

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		var remote *ipc.RemoteError
		if errors.As(err, &remote) {
			fmt.Fprintf(os.Stderr, "(%s)\n", remote.ErrorKind())
			os.Exit(exitRefused)
		}
		os.Exit(1)
	}
}
