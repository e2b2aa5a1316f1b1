// Package executor runs allow-listed systemctl commands with a timeout
// and returns classified, sanitized results. It never lets an error
// escape as a Go error from Execute; every outcome, including validation
// failures and timeouts, is a Result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/servicewarden/warden/internal/action"
	"github.com/servicewarden/warden/internal/clock"
	"github.com/servicewarden/warden/internal/logging"
	"github.com/servicewarden/warden/internal/metrics"
)

// DefaultUnitPattern matches systemd unit names Warden will touch:
// alphanumerics plus ._@- with a .service/.socket/.timer/.path suffix.
// Injection is prevented structurally (argument-array invocation) and by
// this allow-list, not by escaping.
const DefaultUnitPattern = `^[a-zA-Z0-9][a-zA-Z0-9_.@-]*\.(service|socket|timer|path)$`

// DefaultTimeout bounds a single systemctl invocation.
const DefaultTimeout = 60 * time.Second

// Result is the outcome of one command execution.
type Result struct {
	Success   bool          `json:"success"`
	ExitCode  int           `json:"exit_code"`
	Message   string        `json:"message"`
	IsTimeout bool          `json:"is_timeout"`
	Duration  time.Duration `json:"duration"`

	// Unavailable marks a transport/availability failure: the service
	// manager itself could not be reached, as opposed to the unit
	// reporting a failure. It drives the user-to-system scope fallback.
	Unavailable bool `json:"-"`
}

// Runner spawns the actual process. Tests substitute a fake so no
// systemctl is ever invoked.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (exitCode int, stderr string, err error)
}

// execRunner invokes the command via os/exec. Arguments are passed as an
// array; no shell is ever involved.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (int, string, error) {
	var stderr strings.Builder
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return 0, stderr.String(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), stderr.String(), nil
	}
	return action.ExitCodeFailure, stderr.String(), err
}

// Config holds executor settings.
type Config struct {
	Timeout       time.Duration // per-invocation bound, DefaultTimeout when zero
	UnitPattern   string        // unit-name allow-list, DefaultUnitPattern when empty
	SystemctlPath string        // defaults to "systemctl"
}

// Executor validates and runs service-control commands.
type Executor struct {
	cfg     Config
	pattern *regexp.Regexp
	runner  Runner
	clk     clock.Clock
	log     *logging.Logger
}

// New creates an Executor. An invalid UnitPattern is an error: a broken
// allow-list must not degrade to allowing everything.
func New(cfg Config, log *logging.Logger) (*Executor, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UnitPattern == "" {
		cfg.UnitPattern = DefaultUnitPattern
	}
	if cfg.SystemctlPath == "" {
		cfg.SystemctlPath = "systemctl"
	}
	pattern, err := regexp.Compile(cfg.UnitPattern)
	if err != nil {
		return nil, fmt.Errorf("compile unit pattern: %w", err)
	}
	return &Executor{
		cfg:     cfg,
		pattern: pattern,
		runner:  execRunner{},
		clk:     clock.Real{},
		log:     log,
	}, nil
}

// SetRunner replaces the process runner. Used by tests.
func (e *Executor) SetRunner(r Runner) { e.runner = r }

// SetClock replaces the clock. Used by tests.
func (e *Executor) SetClock(c clock.Clock) { e.clk = c }

// ValidUnitName reports whether unit passes the allow-list pattern.
func (e *Executor) ValidUnitName(unit string) bool {
	return e.pattern.MatchString(unit)
}

// Execute validates and runs one command against a unit. When system is
// false the user-scoped service manager is used (systemctl --user).
func (e *Executor) Execute(ctx context.Context, kind action.Kind, unit string, system bool) Result {
	if !action.ValidKind(kind) {
		return Result{
			Success:  false,
			ExitCode: action.ExitCodeFailure,
			Message:  fmt.Sprintf("command %q is not allowed; permitted commands are start, stop, restart, status", kind),
		}
	}
	if !e.ValidUnitName(unit) {
		return Result{
			Success:  false,
			ExitCode: action.ExitCodeFailure,
			Message:  fmt.Sprintf("unit name %q does not match the allowed pattern", Sanitize(unit)),
		}
	}

	args := make([]string, 0, 3)
	if !system {
		args = append(args, "--user")
	}
	args = append(args, string(kind), unit)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := e.clk.Now()
	exitCode, stderr, err := e.runner.Run(runCtx, e.cfg.SystemctlPath, args...)
	elapsed := e.clk.Since(start)
	metrics.ExecutionDuration.Observe(elapsed.Seconds())

	if runCtx.Err() == context.DeadlineExceeded {
		e.log.Warn("command timed out", "kind", kind, "unit", unit, "timeout", e.cfg.Timeout)
		return Result{
			Success:   false,
			ExitCode:  action.ExitCodeTimeout,
			IsTimeout: true,
			Message:   fmt.Sprintf("%s %s timed out after %s", kind, unit, e.cfg.Timeout),
			Duration:  elapsed,
		}
	}
	if err != nil {
		// Spawn failure: systemctl itself could not be run.
		return Result{
			Success:     false,
			ExitCode:    action.ExitCodeFailure,
			Message:     Sanitize(fmt.Sprintf("failed to invoke %s: %v", e.cfg.SystemctlPath, err)),
			Duration:    elapsed,
			Unavailable: true,
		}
	}
	if exitCode == 0 {
		return Result{
			Success:  true,
			ExitCode: 0,
			Message:  fmt.Sprintf("%s %s succeeded", kind, unit),
			Duration: elapsed,
		}
	}

	return Result{
		Success:     false,
		ExitCode:    exitCode,
		Message:     failureMessage(kind, unit, exitCode, stderr),
		Duration:    elapsed,
		Unavailable: managerUnavailable(stderr),
	}
}

// managerUnavailable recognises stderr that means the service manager
// itself was unreachable rather than the unit failing.
func managerUnavailable(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "failed to connect to bus") ||
		strings.Contains(lower, "failed to connect to user service manager")
}

// ExecuteWithFallback attempts the command against the user-scoped
// service manager first and falls back to the privileged system scope
// when the user manager is unavailable. A unit that merely reports
// failure does not trigger the fallback.
func (e *Executor) ExecuteWithFallback(ctx context.Context, kind action.Kind, unit string) Result {
	res := e.Execute(ctx, kind, unit, false)
	if res.Unavailable {
		e.log.Debug("user service manager unavailable, falling back to system scope", "unit", unit)
		return e.Execute(ctx, kind, unit, true)
	}
	return res
}

// failureMessage builds a bounded, sanitized message for a nonzero exit,
// naming the likely cause when stderr makes it recognisable.
func failureMessage(kind action.Kind, unit string, exitCode int, stderr string) string {
	hint := ""
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "not loaded"):
		hint = " (unit not found)"
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "access denied") || strings.Contains(lower, "interactive authentication required"):
		hint = " (permission denied)"
	case strings.Contains(lower, "failed to start") || strings.Contains(lower, "failed with result"):
		hint = " (service failed to start)"
	}

	msg := fmt.Sprintf("%s %s exited with code %d%s", kind, unit, exitCode, hint)
	if trimmed := strings.TrimSpace(stderr); trimmed != "" {
		msg += ": " + Sanitize(trimmed)
	}
	return action.TruncateMessage(msg)
}
