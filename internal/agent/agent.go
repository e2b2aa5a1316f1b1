// Package agent implements the per-host agent: it heartbeats to the
// control plane, polls for claimed actions, drives them through the
// command executor, and reports the results. One bad action must never
// take the agent down, so every iteration error ends in a log line and a
// backoff, not an exit.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/servicewarden/warden/internal/action"
	"github.com/servicewarden/warden/internal/clock"
	"github.com/servicewarden/warden/internal/executor"
	"github.com/servicewarden/warden/internal/logging"
)

// ControlPlane is the subset of the client API the loop needs.
type ControlPlane interface {
	FetchQueue(ctx context.Context, max int, wait time.Duration) ([]Task, error)
	Report(ctx context.Context, actionID, status string, exitCode *int, message string) error
	Heartbeat(ctx context.Context) error
}

// CommandRunner executes one systemd command, falling back to system
// scope when the user manager is unreachable.
type CommandRunner interface {
	ExecuteWithFallback(ctx context.Context, kind action.Kind, unit string) executor.Result
}

// Config holds agent runtime settings.
type Config struct {
	PollInterval   time.Duration // delay between loop iterations
	RestartRetries int           // extra attempts for failed restarts
	RetryDelay     time.Duration // delay before a restart re-attempt
}

// Agent is the runtime loop. Call Run to start; it blocks until ctx is
// cancelled.
type Agent struct {
	cfg    Config
	api    ControlPlane
	runner CommandRunner
	clk    clock.Clock
	log    *logging.Logger
}

// New creates an Agent.
func New(cfg Config, api ControlPlane, runner CommandRunner, clk clock.Clock, log *logging.Logger) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Agent{cfg: cfg, api: api, runner: runner, clk: clk, log: log}
}

// Run is the main loop: heartbeat, poll one task, execute, report,
// sleep. Iteration failures back off exponentially (1s up to 30s) and
// reset after a clean pass.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting", "poll_interval", a.cfg.PollInterval)

	bo := newBackoff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := a.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.next()
			a.log.Warn("iteration failed", "error", err, "backoff", wait)
			if err := clock.Sleep(ctx, a.clk, wait); err != nil {
				return err
			}
			continue
		}

		bo.reset()
		if err := clock.Sleep(ctx, a.clk, a.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// iterate runs one pass: heartbeat (best-effort), claim, execute,
// report. Only poll and report failures count as iteration errors.
func (a *Agent) iterate(ctx context.Context) error {
	if err := a.api.Heartbeat(ctx); err != nil {
		a.log.Warn("heartbeat failed", "error", err)
	}

	tasks, err := a.api.FetchQueue(ctx, 1, 0)
	if err != nil {
		return fmt.Errorf("poll queue: %w", err)
	}

	for _, task := range tasks {
		if err := a.handle(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// handle executes one claimed task and reports the outcome. The task is
// already marked running server side, so only a terminal status goes
// back.
func (a *Agent) handle(ctx context.Context, task Task) error {
	a.log.Info("executing action", "id", task.ID, "service", task.ServiceID, "kind", task.Kind, "unit", task.Unit)

	res := a.execute(ctx, task)

	status := string(action.StatusFailed)
	if res.Success {
		status = string(action.StatusSucceeded)
	}
	exitCode := res.ExitCode
	if err := a.api.Report(ctx, task.ID, status, &exitCode, res.Message); err != nil {
		return fmt.Errorf("report action %s: %w", task.ID, err)
	}

	a.log.Info("action reported", "id", task.ID, "status", status, "exit_code", exitCode, "duration", res.Duration)
	return nil
}

// execute runs the task's command. A failed restart that did not time
// out gets one delayed re-attempt per configured retry; the last
// attempt's result is what gets reported.
func (a *Agent) execute(ctx context.Context, task Task) executor.Result {
	kind := action.Kind(task.Kind)
	if task.Unit == "" {
		return executor.Result{
			Success:  false,
			ExitCode: action.ExitCodeFailure,
			Message:  fmt.Sprintf("no unit known for service %q", task.ServiceID),
		}
	}

	res := a.runner.ExecuteWithFallback(ctx, kind, task.Unit)

	for attempt := 0; attempt < a.cfg.RestartRetries; attempt++ {
		if kind != action.KindRestart || res.Success || res.IsTimeout {
			break
		}
		a.log.Warn("restart failed, retrying", "id", task.ID, "unit", task.Unit, "delay", a.cfg.RetryDelay)
		if err := clock.Sleep(ctx, a.clk, a.cfg.RetryDelay); err != nil {
			return res
		}
		res = a.runner.ExecuteWithFallback(ctx, kind, task.Unit)
	}
	return res
}

// backoff is exponential with a cap: 1s, 2s, 4s, ... 30s.
type backoff struct {
	attempt  int
	base     time.Duration
	maxDelay time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		base:     time.Second,
		maxDelay: 30 * time.Second,
	}
}

func (b *backoff) next() time.Duration {
	shift := b.attempt
	if shift > 30 {
		shift = 30
	}
	delay := b.base << uint(shift)
	if delay > b.maxDelay || delay < 0 {
		delay = b.maxDelay
	}
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
}
