package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/instantcocoa/dorastudio/cli/internal/output"
	"github.com/instantcocoa/dorastudio/pkg/bridge"
	"github.com/instantcocoa/dorastudio/services/dataflow"
	"github.com/instantcocoa/dorastudio/services/studio"
)

var dataflowsCmd = &cobra.Command{
	Use:     "dataflows",
	Aliases: []string{"df"},
	Short:   "Control dataflows on the dora runtime",
}

var dataflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dataflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDataflow(cmd, dataflow.Request{Op: dataflow.OpList}, func(res dataflow.Result) error {
			return writer(cmd).PrintEither(res.Entries, entryTable(res.Entries))
		})
	},
}

var dataflowsStartCmd = &cobra.Command{
	Use:   "start <dataflow.yml>",
	Short: "Start a dataflow from its descriptor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDataflow(cmd, dataflow.Request{Op: dataflow.OpStart, Path: args[0]}, func(res dataflow.Result) error {
			return printControl(cmd, res, "started")
		})
	},
}

var dataflowsStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a running dataflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlByID(cmd, dataflow.OpStop, args[0], "stopped")
	},
}

var dataflowsDestroyCmd = &cobra.Command{
	Use:   "destroy <id>",
	Short: "Stop a dataflow without a grace period",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlByID(cmd, dataflow.OpDestroy, args[0], "destroyed")
	},
}

var dataflowsLogsCmd = &cobra.Command{
	Use:   "logs <id> <node>",
	Short: "Print the logs of one node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := dataflow.ParseID(args[0])
		if err != nil {
			return err
		}
		return runDataflow(cmd, dataflow.Request{Op: dataflow.OpLogs, ID: id, Node: args[1]}, func(res dataflow.Result) error {
			w := writer(cmd)
			if w.Structured() {
				return w.Print(map[string]string{"id": res.ID.String(), "node": args[1], "logs": res.Logs})
			}
			_, err := fmt.Fprint(cmd.OutOrStdout(), res.Logs)
			return err
		})
	},
}

func init() {
	dataflowsCmd.AddCommand(dataflowsListCmd)
	dataflowsCmd.AddCommand(dataflowsStartCmd)
	dataflowsCmd.AddCommand(dataflowsStopCmd)
	dataflowsCmd.AddCommand(dataflowsDestroyCmd)
	dataflowsCmd.AddCommand(dataflowsLogsCmd)
}

func runDataflow(cmd *cobra.Command, req dataflow.Request, show func(dataflow.Result) error) error {
	return withStudio(cmd, func(ctx context.Context, s *studio.Studio) error {
		res, err := roundTrip(ctx, s, func(apply func(bridge.Response[dataflow.Result])) (bridge.CorrelationID, error) {
			return s.Dataflow("dataflows", req, apply)
		})
		if err != nil {
			return fmt.Errorf("dataflow %s failed: %w", req.Op, err)
		}
		return show(res)
	})
}

func controlByID(cmd *cobra.Command, op dataflow.Op, rawID, verb string) error {
	id, err := dataflow.ParseID(rawID)
	if err != nil {
		return err
	}
	return runDataflow(cmd, dataflow.Request{Op: op, ID: id}, func(res dataflow.Result) error {
		return printControl(cmd, res, verb)
	})
}

func printControl(cmd *cobra.Command, res dataflow.Result, verb string) error {
	w := writer(cmd)
	if w.Structured() {
		return w.Print(map[string]string{"id": res.ID.String(), "result": verb})
	}
	output.Success(cmd.OutOrStdout(), "%s %s", verb, res.ID)
	return nil
}

func entryTable(entries []dataflow.Entry) output.Table {
	t := output.NewTable("ID", "NAME", "STATUS", "NODES")
	for _, e := range entries {
		nodes := "-"
		if e.NodeCount > 0 {
			nodes = fmt.Sprintf("%d", e.NodeCount)
		}
		t.Append(e.ID.String(), e.DisplayName(), e.Status.String(), nodes)
	}
	return *t
}
