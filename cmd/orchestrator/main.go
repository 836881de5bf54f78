package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/voicecore/orchestrator/pkg/config"
	"github.com/voicecore/orchestrator/pkg/lifecycle"
	"github.com/voicecore/orchestrator/pkg/observability"
)

// Exit codes per the operational contract: 0 clean shutdown, 1 fatal
// init, 2 fatal runtime.
const (
	exitOK           = 0
	exitFatalInit    = 1
	exitFatalRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("orchestrator", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a config file (optional)")
	logLevel := flags.String("log-level", "info", "minimum log level (debug|info|warn|error)")
	flags.String("http_addr", ":8080", "listen address for the HTTP adapter")
	flags.String("persistence.root_dir", "./data", "root directory for file-backed persistence")
	flags.Int("pipeline.worker_count", 8, "command pipeline worker count")
	flags.Int("pipeline.queue_capacity", 1024, "command queue capacity")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitFatalInit
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitFatalInit
	}

	logger := observability.NewLoggerWithLevel("orchestrator", observability.LogLevel(*logLevel))

	sup, err := lifecycle.New(cfg, logger)
	if err != nil {
		logger.Error("initialization failed", map[string]interface{}{"error": err.Error()})
		return exitFatalInit
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		logger.Error("runtime failure", map[string]interface{}{"error": err.Error()})
		return exitFatalRuntime
	}
	return exitOK
}
