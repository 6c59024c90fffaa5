package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/anomalyco/aurelia/internal/config"
	"github.com/anomalyco/aurelia/internal/engine"
	"github.com/anomalyco/aurelia/internal/llmclient"
	"github.com/anomalyco/aurelia/internal/obslog"
	"github.com/anomalyco/aurelia/internal/version"
)

const defaultConfigFile = "workflow.yaml"

func main() {
	os.Exit(RunMain(os.Args[1:], os.Stdout))
}

// RunMain dispatches to one of the runtime's subcommands and returns
// the process exit code.
func RunMain(args []string, stdout io.Writer) int {
	if version.IsVersionRequest(args) {
		version.Print(stdout, "aurelia")
		return 0
	}
	if len(args) == 0 {
		printUsage(stdout)
		return 1
	}

	switch args[0] {
	case "init":
		return runInit(args[1:], stdout)
	case "start":
		return runStart(args[1:], stdout)
	case "stop":
		return runStop(args[1:], stdout)
	case "status":
		return runStatus(args[1:], stdout)
	case "monitor":
		return runMonitor(args[1:], stdout)
	case "report":
		return runReport(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stdout, "unknown command: %s\n", args[0])
		printUsage(stdout)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: aurelia <init|start|stop|status|monitor|report> [flags]")
}

func runInit(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	dir := fs.String("dir", ".", "directory to initialize")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := filepath.Join(*dir, defaultConfigFile)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(stdout, "%s already exists\n", path)
		return 1
	}

	if err := os.WriteFile(path, []byte(defaultWorkflowYAML), 0o644); err != nil {
		fmt.Fprintf(stdout, "init: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return 0
}

func runStart(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigFile, "path to workflow.yaml")
	repoRoot := fs.String("repo", ".", "repository root to fork candidate worktrees from")
	workDir := fs.String("workdir", ".aurelia", "directory for the event log and worktrees")
	model := fs.String("model", "mock-model", "model identifier passed to the LLM client")
	maxTurns := fs.Int("max-turns", 20, "coder turn budget per candidate")
	problemFile := fs.String("problem", "", "path to the problem statement given to the coder")
	evaluatorFile := fs.String("evaluator", "", "path to the evaluator script shown to the coder")
	initialRef := fs.String("initial-ref", "HEAD", "git ref the first candidate forks from")
	mock := fs.Bool("mock", false, "use a scripted mock LLM client instead of a real backend")
	logLevel := fs.String("log-level", "info", "debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stdout, "start: %v\n", err)
		return 1
	}

	if !*mock {
		fmt.Fprintln(stdout, "start: no real LLM backend is configured yet; pass -mock to run against a scripted client")
		return 1
	}

	problemStatement := readFileOrEmpty(*problemFile)
	evaluatorScript := readFileOrEmpty(*evaluatorFile)

	logger := obslog.New(stdout, *logLevel, obslog.Defaults{Component: "aurelia"})

	rt, err := engine.New(engine.Options{
		RepoRoot:         *repoRoot,
		WorktreesDir:     filepath.Join(*workDir, "worktrees"),
		LogsDir:          filepath.Join(*workDir, "logs"),
		EventLogPath:     filepath.Join(*workDir, "events.jsonl"),
		Config:           cfg,
		LLM:              llmclient.NewCachingClient(llmclient.NewMock()),
		Model:            *model,
		MaxTurns:         *maxTurns,
		ProblemStatement: problemStatement,
		EvaluatorScript:  evaluatorScript,
		InitialRef:       *initialRef,
		Logger:           logger,
	})
	if err != nil {
		fmt.Fprintf(stdout, "start: %v\n", err)
		return 1
	}
	defer rt.Close()

	pidFile := filepath.Join(*workDir, "aurelia.pid")
	if err := writePIDFile(pidFile); err != nil {
		fmt.Fprintf(stdout, "start: %v\n", err)
		return 1
	}
	defer removePIDFile(pidFile)

	// No signal.NotifyContext here: Runtime.Run owns SIGINT/SIGTERM
	// through its own internal/signalhandler.Handler and only cancels
	// ctx itself on a second ("force") signal. A second, independent
	// listener on the same signals would race that handler for the
	// first delivery and could skip the runtime_stopping/runtime_stopped
	// pair the scheduler emits on an orderly drain.
	if err := rt.Run(context.Background()); err != nil {
		fmt.Fprintf(stdout, "start: %v\n", err)
		return 1
	}
	return 0
}

func runStop(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	pidFile := fs.String("pidfile", ".aurelia/aurelia.pid", "path to the running runtime's pid file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	// Every failure past flag parsing means "no running engine was
	// found" rather than a usage error, so each returns exit code 2
	// (spec: "0 ok, 2 not running"), never 1.
	raw, err := os.ReadFile(*pidFile)
	if err != nil {
		fmt.Fprintf(stdout, "stop: not running: %v\n", err)
		return 2
	}

	pid, err := parsePID(raw)
	if err != nil {
		fmt.Fprintf(stdout, "stop: stale pidfile: %v\n", err)
		return 2
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(stdout, "stop: not running: %v\n", err)
		return 2
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(stdout, "stop: not running: %v\n", err)
		return 2
	}
	fmt.Fprintf(stdout, "sent SIGTERM to pid %d\n", pid)
	return 0
}

func readFileOrEmpty(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
