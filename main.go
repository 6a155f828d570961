package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wanrunner/config"
	"wanrunner/credentials"
	"wanrunner/encoder"
	"wanrunner/failures"
	"wanrunner/logger"
	"wanrunner/models"
	"wanrunner/success"
)

type command struct {
	summary string
	run     func(env *cliEnv, args []string) error
}

var commands = map[string]command{
	"generate":     {"text- or image-to-video generation", runGenerate},
	"edit":         {"masked video editing", runEdit},
	"mask":         {"synthesize a mask video from a mask image", runMask},
	"example-mask": {"write a soft circular example mask", runExampleMask},
	"gpus":         {"list GPUs ranked by free memory", runGPUs},
	"recover":      {"copy the newest engine output to a path", runRecover},
	"models":       {"verify, fetch or list checkpoints", runModels},
	"history":      {"show or clean up job history", runHistory},
	"token":        {"sign a job submission for the server", runToken},
	"serve":        {"run the HTTP job server", runServe},
	"version":      {"print the version", runVersion},
}

// cliEnv carries what every subcommand needs.
type cliEnv struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return 1
		}
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	// machine-readable output goes to stdout, logs to stderr
	logger.SetOutput(stderr)
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	defer logger.Close()

	encoder.RegisterDefaults(cfg.Tools.FFmpeg)

	env := &cliEnv{cfg: cfg, stdout: stdout, stderr: stderr}
	if err := cmd.run(env, args[1:]); err != nil {
		printError(stderr, err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: wanrunner <command> [flags]")
	fmt.Fprintln(w)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-13s %s\n", name, commands[name].summary)
	}
}

// printError shows the cause, its category and any remediation hints.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
	if c := models.Category(err); c != "" {
		fmt.Fprintf(w, "category: %s\n", c)
	}
	if code, ok := models.ExitCode(err); ok {
		fmt.Fprintf(w, "exit code: %d\n", code)
	}
	for _, h := range models.Hints(err) {
		fmt.Fprintf(w, "hint: %s\n", strings.ReplaceAll(h, "\n", "\n      "))
	}
}

// openHistory opens the success and failure stores. Another process may
// hold them; history is then skipped rather than failing the run.
func openHistory() func() {
	if err := os.MkdirAll(config.GetDataDir(), 0o755); err != nil {
		logger.Warnf("history disabled: %v", err)
		return func() {}
	}
	if err := success.Init(config.GetSuccessDBPath()); err != nil {
		logger.Warnf("success history disabled: %v", err)
	}
	if err := failures.Init(config.GetFailuresDBPath()); err != nil {
		logger.Warnf("failure history disabled: %v", err)
	}
	return func() {
		success.Close()
		failures.Close()
	}
}

// openCredentials is needed only when a run publishes its output.
func openCredentials() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(config.GetCredentialsDBPath()), 0o755); err != nil {
		return nil, err
	}
	if err := credentials.OpenDB(config.GetCredentialsDBPath()); err != nil {
		return nil, models.WithHint(
			models.Wrapf(models.ErrConfiguration, err, "open credentials store"),
			"stop a running server or publish through it instead")
	}
	return func() { credentials.CloseDB() }, nil
}
