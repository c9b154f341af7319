package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"restune/internal/ipc"
)

func newSignalCommand(ctx *commandContext) *cobra.Command {
	var (
		client    string
		id        string
		op        string
		priority  string
		duration  time.Duration
		targetPID int
		wait      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "signal OPCODE [ARG...]",
		Short: "Raise a signal that expands into a resource bundle",
		Long: "Raise a signal. Integer ARGs fill the bundle placeholders in order.\n" +
			"The mode change signal 0xffff0002 takes one argument, the new mode mask, and needs a system client.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make([]int64, 0, len(args)-1)
			for _, raw := range args[1:] {
				value, err := strconv.ParseInt(raw, 0, 64)
				if err != nil {
					return fmt.Errorf("signal argument %q: %w", raw, err)
				}
				values = append(values, value)
			}
			env := ipc.Envelope{
				ClientID:  client,
				PID:       os.Getpid(),
				Timestamp: time.Now().UTC(),
			}
			payload := ipc.SignalPayload{
				ID:         id,
				Opcode:     args[0],
				Op:         op,
				Priority:   priority,
				DurationMS: duration.Milliseconds(),
				Args:       values,
				TargetPID:  targetPID,
			}
			return ctx.withClient(func(c *ipc.Client) error {
				resp, err := c.Signal(env, payload)
				if err != nil {
					return err
				}
				return reportSubmission(cmd, ctx, c, resp, wait)
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", defaultClientID, "Client id raising the signal")
	cmd.Flags().StringVar(&id, "id", "", "Request id (generated when empty)")
	cmd.Flags().StringVar(&op, "op", "tune", "Signal operation: tune or untune")
	cmd.Flags().StringVar(&priority, "priority", "", "Requested priority class: high or low")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Override the signal's default timeout")
	cmd.Flags().IntVar(&targetPID, "target-pid", 0, "Process the signal concerns")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the request to settle")
	return cmd
}
