package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/servicewarden/warden/internal/agent"
	"github.com/servicewarden/warden/internal/clock"
	"github.com/servicewarden/warden/internal/config"
	"github.com/servicewarden/warden/internal/executor"
	"github.com/servicewarden/warden/internal/logging"
)

var version = "dev"

func main() {
	cfg := config.LoadAgent()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	exec, err := executor.New(executor.Config{
		Timeout:       cfg.ExecTimeout,
		SystemctlPath: cfg.SystemctlPath,
	}, log)
	if err != nil {
		log.Error("failed to create executor", "error", err)
		os.Exit(1)
	}

	// The HTTP timeout must outlast the longest server-side queue wait;
	// the loop polls with wait=0 but keeps headroom for slow links.
	client := agent.NewClient(cfg.ServerURL, cfg.Token, cfg.ExecTimeout)

	a := agent.New(agent.Config{
		PollInterval:   cfg.PollInterval,
		RestartRetries: cfg.RestartRetries,
		RetryDelay:     cfg.RetryDelay,
	}, client, exec, clock.Real{}, log)

	log.Info("warden-agent started", "version", version, "server", cfg.ServerURL)
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("warden-agent shutdown complete")
}
