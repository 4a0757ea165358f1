package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"mitreflow/internal/format"
	"mitreflow/internal/logging"
	"mitreflow/internal/store"
	"mitreflow/pkg/framework"
)

var checkpointsFlags struct {
	format string
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <run-id>",
	Short: "List the checkpoints of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpoints,
}

func init() {
	checkpointsCmd.Flags().StringVar(&checkpointsFlags.format, "format", "ascii", "Table format: ascii or markdown")
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	mode, err := format.ParseMode(checkpointsFlags.format)
	if err != nil {
		return err
	}
	cs, err := store.Open(cfg.Checkpoint.Backend, cfg.Checkpoint.Path, logging.New("store"))
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	if cs == nil {
		return fmt.Errorf("no checkpoint backend configured (checkpoint.backend is %q)", cfg.Checkpoint.Backend)
	}
	defer cs.Close()

	cps, err := cs.List(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(cps) == 0 {
		fmt.Fprintf(out, "No checkpoints for run %s\n", args[0])
		return nil
	}
	fmt.Fprint(out, checkpointTable(mode, cps))
	fmt.Fprintln(out)
	return nil
}

func checkpointTable(mode format.Mode, cps []*framework.Checkpoint) string {
	tb := format.NewTable(mode)
	tb.Header("Seq", "Checkpoint", "Node", "Created", "Completed", "Failed")
	tb.Columns(format.ColumnConfig{Number: 1, Align: format.AlignRight})
	for _, cp := range cps {
		var completed, failed []string
		for node, st := range cp.Status {
			switch st {
			case framework.StatusCompleted:
				completed = append(completed, node)
			case framework.StatusFailed:
				failed = append(failed, node)
			}
		}
		slices.Sort(completed)
		slices.Sort(failed)
		tb.Row(cp.Seq, cp.ID, cp.Node, cp.CreatedAt.Format("2006-01-02 15:04:05"),
			len(completed), strings.Join(failed, ", "))
	}
	return tb.String()
}
