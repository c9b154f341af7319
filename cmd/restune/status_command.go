package main

import (
	"github.com/spf13/cobra"

	"restune/internal/api"
	"restune/internal/ipc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, engine and topology status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status()
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp.Status)
				}
				r := newReport(cmd.OutOrStdout())
				renderStatus(r, resp.Status)
				return r.writeTo(cmd.OutOrStdout())
			})
		},
	}
}

func renderStatus(r *report, status api.DaemonStatus) {
	r.section("Daemon")
	if status.Running {
		r.state("Daemon", statusOK, "running (pid %d)", status.PID)
	} else {
		r.state("Daemon", statusError, "not running")
	}
	if status.StartedAt != "" {
		r.value("Started", "%s", status.StartedAt)
	}
	r.value("Socket", "%s", status.SocketPath)
	r.value("Lock", "%s", status.LockFilePath)
	if status.RecoveryDBPath != "" {
		r.value("Recovery DB", "%s (%s)", status.RecoveryDBPath, pluralize(status.RecoveryRows, "row"))
	} else {
		r.state("Recovery", statusWarn, "disabled")
	}
	if status.GCPending > 0 {
		r.state("Teardown", statusWarn, "%s awaiting collection", pluralize(status.GCPending, "client"))
	}

	engine := status.Engine
	r.section("Engine")
	r.value("Mode", "%s", humanize(engine.Mode))
	r.value("Duplicate policy", "%s", humanize(engine.DedupPolicy))
	r.value("Workers", "%d", engine.Workers)
	r.value("Queued", "%d", engine.Queued)
	r.value("Active tunings", "%d", engine.Active)
	if engine.Suspended > 0 {
		r.state("Suspended", statusWarn, "%s wait for a mode change", pluralize(engine.Suspended, "tuning"))
	}
	r.value("Clients", "%d", engine.Clients)
	r.value("Nodes", "%s, %s", pluralize(engine.Nodes, "node"), pluralize(engine.Slots, "slot"))

	topo := status.Topology
	r.section("Topology")
	if topo.Brand != "" {
		r.value("CPU", "%s", topo.Brand)
	}
	r.value("Online CPUs", "%d of %d logical", topo.Online, topo.Logical)
	r.value("Clusters", "%d", topo.Clusters)
	r.value("Hotplug watch", "%s", yesNo(topo.Hotplug))
}
