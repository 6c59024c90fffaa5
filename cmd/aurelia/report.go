package main

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/anomalyco/aurelia/internal/state"
)

func buildReportMarkdown(snapshot state.Snapshot) string {
	var b strings.Builder

	b.WriteString("# Run report\n\n")

	if snapshot.BestSoFarID != nil {
		best := snapshot.Candidates[*snapshot.BestSoFarID]
		fmt.Fprintf(&b, "**Best candidate:** %d (%s)\n\n", best.ID, formatMetrics(best.Metrics))
	} else {
		b.WriteString("**Best candidate:** none yet\n\n")
	}

	fmt.Fprintf(&b, "- Candidates evaluated: %d\n", len(snapshot.Candidates))
	fmt.Fprintf(&b, "- Active: %d\n", len(snapshot.ActiveIDs))
	fmt.Fprintf(&b, "- Consecutive failures: %d\n", snapshot.ConsecutiveFailures)
	fmt.Fprintf(&b, "- Tool invocations: %d\n", snapshot.ToolInvocations)
	fmt.Fprintf(&b, "- LLM calls: %d (%d tokens in / %d tokens out)\n", snapshot.LLMCalls, snapshot.TokensIn, snapshot.TokensOut)
	fmt.Fprintf(&b, "- Estimated LLM cost: $%.4f\n\n", snapshot.EstimatedCostUSD)

	b.WriteString("## Candidates\n\n")
	b.WriteString("| ID | State | Metrics | Error |\n")
	b.WriteString("|---|---|---|---|\n")

	ids := make([]int64, 0, len(snapshot.Candidates))
	for id := range snapshot.Candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		c := snapshot.Candidates[id]
		errText := "-"
		if c.Error != nil {
			errText = c.Error.Kind
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s |\n", c.ID, c.State, formatMetrics(c.Metrics), errText)
	}

	return b.String()
}

func runReport(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	workDir := fs.String("workdir", ".aurelia", "directory containing the event log")
	configPath := fs.String("config", defaultConfigFile, "path to workflow.yaml")
	plain := fs.Bool("plain", false, "skip terminal markdown rendering")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	snapshot, err := loadSnapshot(*workDir, *configPath)
	if err != nil {
		fmt.Fprintf(stdout, "report: %v\n", err)
		return 1
	}

	markdown := buildReportMarkdown(snapshot)

	if *plain || !isTerminal(stdout) {
		fmt.Fprint(stdout, markdown)
		return 0
	}

	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		fmt.Fprint(stdout, markdown)
		return 0
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		fmt.Fprint(stdout, markdown)
		return 0
	}
	fmt.Fprint(stdout, rendered)
	return 0
}
