package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/cascade/pkg/trace"
)

var traceSummaryCmd = &cobra.Command{
	Use:   "summary [trace.jsonl]",
	Short: "Summarize the runs recorded in a trace file",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceSummary,
}

type runSummary struct {
	tree     string
	status   string
	duration string
	counts   map[trace.EventType]int
	failures []string
}

func summarize(events []trace.Event) ([]string, map[string]*runSummary) {
	var order []string
	runs := make(map[string]*runSummary)
	for _, e := range events {
		r, ok := runs[e.RunID]
		if !ok {
			r = &runSummary{counts: make(map[trace.EventType]int)}
			runs[e.RunID] = r
			order = append(order, e.RunID)
		}
		r.counts[e.Type]++
		switch e.Type {
		case trace.EventRunStart:
			r.tree, _ = e.Data["tree"].(string)
		case trace.EventRunComplete:
			r.status, _ = e.Data["status"].(string)
			r.duration, _ = e.Data["duration"].(string)
		case trace.EventNodeFailed:
			r.failures = append(r.failures, fmt.Sprintf("%v [%v] %v", e.Data["node"], e.Data["phase"], e.Data["error"]))
		}
	}
	return order, runs
}

func runTraceSummary(cmd *cobra.Command, args []string) error {
	events, err := trace.ReadFile(args[0])
	if err != nil {
		return err
	}
	order, runs := summarize(events)
	w := cmd.OutOrStdout()
	for _, id := range order {
		r := runs[id]
		status := r.status
		if status == "" {
			status = "incomplete"
		}
		fmt.Fprintf(w, "%s  %s  %s", id, r.tree, status)
		if r.duration != "" {
			fmt.Fprintf(w, " in %s", r.duration)
		}
		fmt.Fprintln(w)

		types := make([]string, 0, len(r.counts))
		for t := range r.counts {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(w, "    %-14s %d\n", t, r.counts[trace.EventType(t)])
		}
		for _, f := range r.failures {
			fmt.Fprintf(w, "    ✗ %s\n", f)
		}
	}
	return nil
}

func init() {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace file operations",
	}
	traceCmd.AddCommand(traceSummaryCmd)
	rootCmd.AddCommand(traceCmd)
}
