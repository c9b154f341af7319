package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"restune/internal/config"
)

type daemonOptions struct {
	configPath  string
	logLevel    string
	development bool
	socketPath  string
	metricsBind string
	noRecovery  bool
	help        bool
}

func parseFlags(args []string) (daemonOptions, error) {
	var opts daemonOptions
	fs := pflag.NewFlagSet("restuned", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "Configuration file path")
	fs.StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")
	fs.BoolVar(&opts.development, "dev", false, "Include source locations in log output")
	fs.StringVar(&opts.socketPath, "socket", "", "Override the IPC socket path")
	fs.StringVar(&opts.metricsBind, "metrics-bind", "", "Override the metrics and API listen address")
	fs.BoolVar(&opts.noRecovery, "no-recovery", false, "Disable the crash recovery journal")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			opts.help = true
			return opts, nil
		}
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// applyOverrides folds command line overrides into the loaded configuration.
func applyOverrides(cfg *config.Config, opts daemonOptions) {
	if cfg == nil {
		return
	}
	if socket := strings.TrimSpace(opts.socketPath); socket != "" {
		cfg.Paths.SocketPath = socket
	}
	if bind := strings.TrimSpace(opts.metricsBind); bind != "" {
		cfg.Paths.MetricsBind = bind
	}
	if opts.noRecovery {
		cfg.Recovery.Enabled = false
	}
}
