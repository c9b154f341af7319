package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"restune/internal/api"
	"restune/internal/ipc"
)

func newTuningsCommand(ctx *commandContext) *cobra.Command {
	var client string
	cmd := &cobra.Command{
		Use:   "tunings",
		Short: "List active tunings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(c *ipc.Client) error {
				resp, err := c.ListTunings(client)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if len(resp.Tunings) == 0 {
					fmt.Fprintln(out, "No active tunings")
					return nil
				}
				fmt.Fprintln(out, renderTunings(resp.Tunings))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "Only show tunings held by this client")
	return cmd
}

func renderTunings(tunings []api.Tuning) string {
	rows := make([][]string, 0, len(tunings))
	for _, t := range tunings {
		state := "active"
		if t.Suspended {
			state = "suspended"
		}
		expires := t.ExpiresAt
		if expires == "" {
			expires = "-"
		}
		rows = append(rows, []string{
			t.ClientID,
			t.Opcode,
			t.Target,
			strconv.FormatInt(t.Value, 10),
			strconv.FormatInt(t.Previous, 10),
			humanize(t.Priority),
			state,
			expires,
		})
	}
	return renderTable(
		[]string{"Client", "Opcode", "Target", "Value", "Previous", "Priority", "State", "Expires"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func newClientsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "List clients known to the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(c *ipc.Client) error {
				resp, err := c.ListClients()
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if len(resp.Clients) == 0 {
					fmt.Fprintln(out, "No clients")
					return nil
				}
				fmt.Fprintln(out, renderClients(resp.Clients))
				return nil
			})
		},
	}
}

func renderClients(list []api.Client) string {
	rows := make([][]string, 0, len(list))
	for _, c := range list {
		state := "live"
		switch {
		case c.Dead:
			state = "dead"
		case c.Recovered:
			state = "recovered"
		}
		rows = append(rows, []string{
			c.ID,
			strconv.Itoa(c.PID),
			humanize(c.Tier),
			strconv.Itoa(len(c.Owned)),
			strconv.Itoa(c.Pending),
			state,
			c.LastSeen,
		})
	}
	return renderTable(
		[]string{"Client", "PID", "Tier", "Owned", "Pending", "State", "Last seen"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func newOutcomeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "outcome REQUEST_ID",
		Short: "Show the outcome of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(c *ipc.Client) error {
				resp, err := c.RequestOutcome(strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if !resp.Found {
					return fmt.Errorf("request %s not found", args[0])
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp.Outcome)
				}
				r := newReport(cmd.OutOrStdout())
				r.outcome(resp.Outcome)
				return r.writeTo(cmd.OutOrStdout())
			})
		},
	}
}
