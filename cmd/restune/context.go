package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"restune/internal/config"
	"restune/internal/ipc"
)

// socketEnv overrides the configured socket when --socket is not given.
const socketEnv = "RESTUNE_SOCKET"

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	socket string
	config string
	json   bool
}

type commandContext struct {
	flags  *globalFlags
	loaded func() (*config.Config, error)
}

func newCommandContext(flags *globalFlags) *commandContext {
	ctx := &commandContext{flags: flags}
	ctx.loaded = sync.OnceValues(func() (*config.Config, error) {
		cfg, _, _, err := config.Load(ctx.configPath())
		return cfg, err
	})
	return ctx
}

// ensureConfig loads the configuration once per invocation.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	return c.loaded()
}

func (c *commandContext) configPath() string {
	return strings.TrimSpace(c.flags.config)
}

func (c *commandContext) jsonOutput() bool {
	return c.flags.json
}

// socketPath resolves the daemon socket: flag, then environment, then the
// loaded configuration, then the built-in default.
func (c *commandContext) socketPath() string {
	if s := strings.TrimSpace(c.flags.socket); s != "" {
		return s
	}
	if s := strings.TrimSpace(os.Getenv(socketEnv)); s != "" {
		return s
	}
	if cfg, err := c.ensureConfig(); err == nil {
		return cfg.Paths.SocketPath
	}
	return config.Default().Paths.SocketPath
}

func (c *commandContext) withClient(fn func(*ipc.Client) error) error {
	socket := c.socketPath()
	client, err := ipc.Dial(socket)
	if err != nil {
		return explainDialError(err, socket)
	}
	defer client.Close()
	return fn(client)
}

func explainDialError(err error, socket string) error {
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("connect to daemon: no socket at %s; start the daemon with `restune daemon`", socket)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		// The file survives a crashed daemon; the next start removes it.
		return fmt.Errorf("connect to daemon: %s is stale (no daemon listening); restart it with `restune daemon`", socket)
	}
	return fmt.Errorf("connect to daemon at %s: %w", socket, err)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
