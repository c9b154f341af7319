package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"restune/internal/config"
	"restune/internal/daemonrun"
)

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.help {
		return
	}

	cfg, _, _, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	applyOverrides(cfg, opts)

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{
		LogLevel:    opts.logLevel,
		Development: opts.development,
	}); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
