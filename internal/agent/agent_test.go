package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/servicewarden/warden/internal/action"
	"github.com/servicewarden/warden/internal/clock"
	"github.com/servicewarden/warden/internal/executor"
	"github.com/servicewarden/warden/internal/logging"
)

// fakeAPI scripts queue responses and records reports.
type fakeAPI struct {
	tasks      [][]Task
	fetchCalls int
	heartbeats int
	reports    []reportCall
	reportErr  error
}

type reportCall struct {
	actionID string
	status   string
	exitCode int
	message  string
}

func (f *fakeAPI) FetchQueue(ctx context.Context, max int, wait time.Duration) ([]Task, error) {
	idx := f.fetchCalls
	f.fetchCalls++
	if idx >= len(f.tasks) {
		return nil, nil
	}
	return f.tasks[idx], nil
}

func (f *fakeAPI) Report(ctx context.Context, actionID, status string, exitCode *int, message string) error {
	code := 0
	if exitCode != nil {
		code = *exitCode
	}
	f.reports = append(f.reports, reportCall{actionID: actionID, status: status, exitCode: code, message: message})
	return f.reportErr
}

func (f *fakeAPI) Heartbeat(ctx context.Context) error {
	f.heartbeats++
	return nil
}

// fakeRunner plays back scripted results per attempt.
type fakeRunner struct {
	results []executor.Result
	calls   int
}

func (f *fakeRunner) ExecuteWithFallback(ctx context.Context, kind action.Kind, unit string) executor.Result {
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		return f.results[len(f.results)-1]
	}
	return f.results[idx]
}

func testAgent(t *testing.T, cfg Config, api *fakeAPI, runner *fakeRunner) *Agent {
	t.Helper()
	return New(cfg, api, runner, clock.Real{}, logging.New(false))
}

func TestIterateExecutesAndReports(t *testing.T) {
	api := &fakeAPI{tasks: [][]Task{{{ID: "a1", Kind: "restart", ServiceID: "nginx", Unit: "nginx.service"}}}}
	runner := &fakeRunner{results: []executor.Result{{Success: true, ExitCode: 0, Message: "restart nginx.service succeeded"}}}
	a := testAgent(t, Config{RetryDelay: time.Millisecond}, api, runner)

	if err := a.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if api.heartbeats != 1 {
		t.Errorf("heartbeats = %d, want 1", api.heartbeats)
	}
	if len(api.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(api.reports))
	}
	got := api.reports[0]
	if got.actionID != "a1" || got.status != "succeeded" || got.exitCode != 0 {
		t.Errorf("report = %+v, want a1/succeeded/0", got)
	}
}

func TestRestartRetrySecondAttemptWins(t *testing.T) {
	api := &fakeAPI{tasks: [][]Task{{{ID: "a1", Kind: "restart", ServiceID: "nginx", Unit: "nginx.service"}}}}
	runner := &fakeRunner{results: []executor.Result{
		{Success: false, ExitCode: 1, Message: "restart nginx.service exited with code 1"},
		{Success: true, ExitCode: 0, Message: "restart nginx.service succeeded"},
	}}
	a := testAgent(t, Config{RestartRetries: 1, RetryDelay: time.Millisecond}, api, runner)

	if err := a.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if runner.calls != 2 {
		t.Fatalf("runner calls = %d, want 2 (one retry)", runner.calls)
	}
	got := api.reports[0]
	if got.status != "succeeded" || got.exitCode != 0 {
		t.Errorf("report = %+v, want second attempt's success", got)
	}
}

func TestRestartRetryNotTriggeredByTimeout(t *testing.T) {
	api := &fakeAPI{tasks: [][]Task{{{ID: "a1", Kind: "restart", ServiceID: "nginx", Unit: "nginx.service"}}}}
	runner := &fakeRunner{results: []executor.Result{
		{Success: false, ExitCode: action.ExitCodeTimeout, IsTimeout: true, Message: "restart nginx.service timed out"},
	}}
	a := testAgent(t, Config{RestartRetries: 1, RetryDelay: time.Millisecond}, api, runner)

	if err := a.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if runner.calls != 1 {
		t.Errorf("runner calls = %d, want 1 (no retry on timeout)", runner.calls)
	}
	if api.reports[0].exitCode != action.ExitCodeTimeout {
		t.Errorf("exitCode = %d, want %d", api.reports[0].exitCode, action.ExitCodeTimeout)
	}
}

func TestNoRetryForNonRestartKinds(t *testing.T) {
	api := &fakeAPI{tasks: [][]Task{{{ID: "a1", Kind: "start", ServiceID: "nginx", Unit: "nginx.service"}}}}
	runner := &fakeRunner{results: []executor.Result{
		{Success: false, ExitCode: 1, Message: "start nginx.service exited with code 1"},
	}}
	a := testAgent(t, Config{RestartRetries: 1, RetryDelay: time.Millisecond}, api, runner)

	if err := a.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if runner.calls != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls)
	}
	if api.reports[0].status != "failed" {
		t.Errorf("status = %q, want failed", api.reports[0].status)
	}
}

func TestMissingUnitReportsFailure(t *testing.T) {
	api := &fakeAPI{tasks: [][]Task{{{ID: "a1", Kind: "start", ServiceID: "nginx"}}}}
	runner := &fakeRunner{results: []executor.Result{{Success: true}}}
	a := testAgent(t, Config{}, api, runner)

	if err := a.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if runner.calls != 0 {
		t.Errorf("runner calls = %d, want 0 for missing unit", runner.calls)
	}
	got := api.reports[0]
	if got.status != "failed" || got.exitCode != action.ExitCodeFailure {
		t.Errorf("report = %+v, want failed/%d", got, action.ExitCodeFailure)
	}
}

func TestReportFailureSurfacesAsIterationError(t *testing.T) {
	api := &fakeAPI{
		tasks:     [][]Task{{{ID: "a1", Kind: "start", ServiceID: "nginx", Unit: "nginx.service"}}},
		reportErr: errors.New("server unreachable"),
	}
	runner := &fakeRunner{results: []executor.Result{{Success: true}}}
	a := testAgent(t, Config{}, api, runner)

	if err := a.iterate(context.Background()); err == nil {
		t.Fatal("iterate = nil, want error when report fails")
	}
}

func TestBackoffSequence(t *testing.T) {
	bo := newBackoff()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := bo.next(); got != w {
			t.Errorf("next() #%d = %s, want %s", i, got, w)
		}
	}
	bo.reset()
	if got := bo.next(); got != time.Second {
		t.Errorf("next() after reset = %s, want 1s", got)
	}
}
