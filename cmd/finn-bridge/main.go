package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/getfinn/bridge/internal/agent"
	"github.com/getfinn/bridge/internal/config"
	"github.com/getfinn/bridge/internal/logging"
)

// Version info - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

type options struct {
	configPath string
	dev        bool
	version    bool
	help       bool
	logLevel   string
	jsonLogs   bool
	tool       string
	workDir    string
	noWatch    bool
	jsonOutput bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts options

	flagSet := pflag.NewFlagSet("finn-bridge", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	// Everything after the subcommand belongs to the tool
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&opts.configPath, "config", config.Path(), "path to the bridge config file")
	flagSet.BoolVar(&opts.dev, "dev", false, "connect to the local relay server")
	flagSet.BoolVar(&opts.version, "version", false, "print version information and exit")
	flagSet.BoolVarP(&opts.help, "help", "h", false, "show help")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.BoolVar(&opts.jsonLogs, "json-logs", false, "write logs as JSON lines")
	flagSet.StringVar(&opts.tool, "tool", "", "path to the claude binary")
	flagSet.StringVar(&opts.workDir, "work-dir", "", "working directory for spawned commands")
	flagSet.BoolVar(&opts.noWatch, "no-watch", false, "don't watch credential files for changes")
	flagSet.BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return 0
		}
		return 2
	}

	if opts.help {
		printHelp(stderr, flagSet)
		return 0
	}

	if opts.version {
		fmt.Fprintf(stdout, "Finn Bridge\n")
		fmt.Fprintf(stdout, "  Version:    %s\n", Version)
		fmt.Fprintf(stdout, "  Build Time: %s\n", BuildTime)
		return 0
	}

	cfg, err := config.LoadFrom(opts.configPath, opts.dev)
	if err != nil {
		fmt.Fprintf(stderr, "error: failed to load config: %v\n", err)
		return 1
	}
	opts.apply(cfg)

	logger := logging.New(cfg.LogLevel, stderr)
	if opts.jsonLogs {
		logger = logging.NewJSON(cfg.LogLevel, stderr)
	}
	slog.SetDefault(logger)

	a := agent.New(cfg, logger)

	ctx, stop := notifyContext(context.Background())
	defer stop()

	rest := flagSet.Args()
	command := "daemon"
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	switch command {
	case "daemon":
		logger.Info("===========================================")
		logger.Info("   Finn Bridge " + Version)
		logger.Info("===========================================")
		if opts.dev {
			logger.Info("🔧 Running in development mode (local relay)")
		}
		if err := a.Start(ctx); err != nil {
			logger.Error("Failed to start agent", logging.Error(err))
			return 1
		}
		logger.Info("Bridge stopped")
		return 0
	case "status":
		return runStatus(ctx, a, stdout)
	case "exec":
		return runExec(ctx, a, joinCommand(rest), opts.jsonOutput, stdout, stderr)
	case "run":
		return runStream(ctx, a, joinCommand(rest), opts.jsonOutput, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "error: unknown command %q\n", command)
		printHelp(stderr, flagSet)
		return 2
	}
}

// apply lets command line flags override the loaded configuration.
func (o options) apply(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.tool != "" {
		cfg.ToolBinary = o.tool
	}
	if o.workDir != "" {
		cfg.WorkDir = o.workDir
	}
	if o.noWatch {
		cfg.WatchCredentials = false
	}
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `Finn bridge: runs the Claude Code CLI on behalf of the Finn apps.

Usage:
  finn-bridge [flags]                  connect to the relay and serve requests
  finn-bridge [flags] status           print installation and login state
  finn-bridge [flags] exec <command>   run a command and print its output
  finn-bridge [flags] run <command>    run a command and stream its events

Commands are passed to claude as arguments, for example:
  finn-bridge run -p "explain this repository"

Flags:
`)
	flagSet.PrintDefaults()
}
