package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"restune/internal/api"
	"restune/internal/ipc"
)

const defaultClientID = "restune-cli"

type requestFlags struct {
	client   string
	id       string
	priority string
	duration time.Duration
	cluster  int
	core     int
	cgroup   string
	wait     time.Duration
}

func (f *requestFlags) bind(cmd *cobra.Command, withValues bool) {
	cmd.Flags().StringVar(&f.client, "client", defaultClientID, "Client id owning the request")
	cmd.Flags().StringVar(&f.id, "id", "", "Request id (generated when empty)")
	cmd.Flags().StringVar(&f.priority, "priority", "low", "Requested priority class: high or low")
	cmd.Flags().IntVar(&f.cluster, "cluster", 0, "Logical cluster for cluster and core resources")
	cmd.Flags().IntVar(&f.core, "core", 0, "Core index within the cluster for core resources")
	cmd.Flags().StringVar(&f.cgroup, "cgroup", "", "Cgroup name for cgroup resources")
	cmd.Flags().DurationVar(&f.wait, "wait", 0, "Wait up to this long for the request to settle")
	if withValues {
		cmd.Flags().DurationVar(&f.duration, "duration", 0, "Release the tuning after this long (0 keeps it until untune)")
	}
}

func newRequestCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newRequestCommand(ctx, "tune", "Apply resource values", true),
		newRequestCommand(ctx, "retune", "Replace values of tunings the client already holds", true),
		newRequestCommand(ctx, "untune", "Release resources the client holds", false),
	}
}

func newRequestCommand(ctx *commandContext, op, short string, withValues bool) *cobra.Command {
	var flags requestFlags
	use := op + " OPCODE=VALUE..."
	if !withValues {
		use = op + " OPCODE..."
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := parseResourceArgs(args, withValues)
			if err != nil {
				return err
			}
			for i := range entries {
				entries[i].Cluster = flags.cluster
				entries[i].Core = flags.core
				entries[i].CGroup = flags.cgroup
			}
			env := ipc.Envelope{
				Kind:      "request",
				ClientID:  flags.client,
				PID:       os.Getpid(),
				Timestamp: time.Now().UTC(),
				Request: &ipc.RequestPayload{
					ID:         flags.id,
					Op:         op,
					Priority:   flags.priority,
					DurationMS: flags.duration.Milliseconds(),
					Resources:  entries,
				},
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Submit(env)
				if err != nil {
					return err
				}
				return reportSubmission(cmd, ctx, client, resp, flags.wait)
			})
		},
	}
	flags.bind(cmd, withValues)
	return cmd
}

// parseResourceArgs parses OPCODE=VALUE pairs, or bare opcodes when values
// are not expected.
func parseResourceArgs(args []string, withValues bool) ([]ipc.ResourceEntry, error) {
	entries := make([]ipc.ResourceEntry, 0, len(args))
	for _, arg := range args {
		opcode, raw, hasValue := strings.Cut(strings.TrimSpace(arg), "=")
		if opcode == "" {
			return nil, fmt.Errorf("resource %q: missing opcode", arg)
		}
		entry := ipc.ResourceEntry{Opcode: opcode}
		switch {
		case withValues && !hasValue:
			return nil, fmt.Errorf("resource %q: expected OPCODE=VALUE", arg)
		case !withValues && hasValue:
			return nil, fmt.Errorf("resource %q: untune takes opcodes only", arg)
		case hasValue:
			value, err := strconv.ParseInt(strings.TrimSpace(raw), 0, 64)
			if err != nil {
				return nil, fmt.Errorf("resource %q: invalid value: %w", arg, err)
			}
			entry.Value = value
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func reportSubmission(cmd *cobra.Command, ctx *commandContext, client *ipc.Client, resp *ipc.SubmitResponse, wait time.Duration) error {
	var outcome *api.Outcome
	if wait > 0 && resp.RequestID != "" {
		settled, err := waitForOutcome(client, resp.RequestID, wait)
		if err != nil {
			return err
		}
		outcome = settled
	}

	if ctx.jsonOutput() {
		payload := struct {
			*ipc.SubmitResponse
			Outcome *api.Outcome `json:"outcome,omitempty"`
		}{resp, outcome}
		return writeJSON(cmd, payload)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Request %s accepted: %d queued, %d coalesced, %d cancelled\n",
		resp.RequestID, resp.Queued, resp.Coalesced, resp.Cancelled)
	if outcome == nil {
		return nil
	}
	r := newReport(out)
	r.state("Outcome", outcomeKind(outcome.Status), "%s", humanize(outcome.Status))
	if outcome.Error != "" {
		r.value("Error", "%s (%s)", outcome.Error, outcome.ErrorKind)
	}
	return r.writeTo(out)
}

func waitForOutcome(client *ipc.Client, requestID string, wait time.Duration) (*api.Outcome, error) {
	deadline := time.Now().Add(wait)
	for {
		resp, err := client.RequestOutcome(requestID)
		if err != nil {
			return nil, err
		}
		if resp.Found && resp.Outcome.Status != "pending" {
			return &resp.Outcome, nil
		}
		if time.Now().After(deadline) {
			if resp.Found {
				return &resp.Outcome, nil
			}
			return nil, fmt.Errorf("request %s has no recorded outcome", requestID)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
