package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/anomalyco/aurelia/internal/config"
	"github.com/anomalyco/aurelia/internal/events"
	"github.com/anomalyco/aurelia/internal/state"
)

var isTerminal = func(w io.Writer) bool {
	if file, ok := w.(*os.File); ok {
		return term.IsTerminal(int(file.Fd()))
	}
	return false
}

var statusStyles = struct {
	Header    lipgloss.Style
	Succeeded lipgloss.Style
	Failed    lipgloss.Style
	Active    lipgloss.Style
	Muted     lipgloss.Style
}{
	Header:    lipgloss.NewStyle().Bold(true),
	Succeeded: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("204")),
	Active:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	Muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
}

func loadSnapshot(workDir, configPath string) (state.Snapshot, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return state.Snapshot{}, err
	}

	log, err := events.Open(filepath.Join(workDir, "events.jsonl"))
	if err != nil {
		return state.Snapshot{}, err
	}
	defer log.Close()

	recovered, err := log.ScanFrom(0)
	if err != nil {
		return state.Snapshot{}, err
	}

	store := state.Rebuild(cfg.TerminationCondition.Metric, recovered)
	return store.Current(), nil
}

func renderStatus(w io.Writer, snapshot state.Snapshot) {
	colorize := isTerminal(w)

	ids := make([]int64, 0, len(snapshot.Candidates))
	for id := range snapshot.Candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	style := func(s state.CandidateState) lipgloss.Style {
		switch s {
		case state.CandidateSucceeded:
			return statusStyles.Succeeded
		case state.CandidateFailed, state.CandidateAborted:
			return statusStyles.Failed
		case state.CandidateNew:
			return statusStyles.Muted
		default:
			return statusStyles.Active
		}
	}
	render := func(s lipgloss.Style, text string) string {
		if !colorize {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w, render(statusStyles.Header, "CANDIDATE  STATE           METRICS"))
	for _, id := range ids {
		c := snapshot.Candidates[id]
		line := fmt.Sprintf("%-9d  %-14s  %s", id, c.State, formatMetrics(c.Metrics))
		fmt.Fprintln(w, render(style(c.State), line))
	}

	if snapshot.BestSoFarID != nil {
		best := snapshot.Candidates[*snapshot.BestSoFarID]
		fmt.Fprintln(w, render(statusStyles.Header, fmt.Sprintf("\nbest so far: candidate %d (%s)", best.ID, formatMetrics(best.Metrics))))
	}

	runState := "running"
	if snapshot.Stopped {
		runState = "stopped"
	} else if snapshot.ShuttingDown {
		runState = "draining"
	}
	fmt.Fprintf(w, "runtime: %s | active: %d | consecutive failures: %d | tool calls: %d | llm calls: %d\n",
		runState, len(snapshot.ActiveIDs), snapshot.ConsecutiveFailures, snapshot.ToolInvocations, snapshot.LLMCalls)
	fmt.Fprintf(w, "tokens: %d in / %d out | estimated cost: $%.4f\n",
		snapshot.TokensIn, snapshot.TokensOut, snapshot.EstimatedCostUSD)
}

func formatMetrics(metrics map[string]float64) string {
	if len(metrics) == 0 {
		return "-"
	}
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	out := ""
	for i, name := range names {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%g", name, metrics[name])
	}
	return out
}

func runStatus(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	workDir := fs.String("workdir", ".aurelia", "directory containing the event log")
	configPath := fs.String("config", defaultConfigFile, "path to workflow.yaml")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	snapshot, err := loadSnapshot(*workDir, *configPath)
	if err != nil {
		fmt.Fprintf(stdout, "status: %v\n", err)
		return 1
	}
	renderStatus(stdout, snapshot)
	return 0
}

func runMonitor(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	workDir := fs.String("workdir", ".aurelia", "directory containing the event log")
	configPath := fs.String("config", defaultConfigFile, "path to workflow.yaml")
	interval := fs.Duration("interval", time.Second, "refresh interval")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	for {
		snapshot, err := loadSnapshot(*workDir, *configPath)
		if err != nil {
			fmt.Fprintf(stdout, "monitor: %v\n", err)
			return 1
		}
		if isTerminal(stdout) {
			fmt.Fprint(stdout, "\033[H\033[2J")
		}
		renderStatus(stdout, snapshot)
		if snapshot.Stopped {
			return 0
		}
		time.Sleep(*interval)
	}
}
