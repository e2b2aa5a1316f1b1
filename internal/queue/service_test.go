package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/servicewarden/warden/internal/action"
	"github.com/servicewarden/warden/internal/auth"
	"github.com/servicewarden/warden/internal/clock"
	"github.com/servicewarden/warden/internal/executor"
	"github.com/servicewarden/warden/internal/logging"
	"github.com/servicewarden/warden/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedHost(t *testing.T, st *store.Store) {
	t.Helper()
	if err := st.PutHost(store.Host{ID: "web-1", Name: "Web 1"}); err != nil {
		t.Fatalf("PutHost: %v", err)
	}
	if err := st.PutService(store.Service{
		ID:           "nginx",
		HostID:       "web-1",
		Unit:         "nginx.service",
		AllowStart:   true,
		AllowStop:    false,
		AllowRestart: true,
	}); err != nil {
		t.Fatalf("PutService: %v", err)
	}
}

func testService(t *testing.T, st *store.Store) *Service {
	t.Helper()
	return New(Config{}, st, nil, nil, nil, nil, clock.Real{}, logging.New(false))
}

func TestCreateQueuesAction(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	svc := testService(t, st)

	res, err := svc.Create(context.Background(), CreateRequest{
		HostID:      "web-1",
		ServiceID:   "nginx",
		Kind:        action.KindRestart,
		RequestedBy: "ops",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Replayed {
		t.Error("Replayed = true for a fresh action")
	}
	if res.Action.Status != action.StatusQueued {
		t.Errorf("Status = %s, want queued", res.Action.Status)
	}
	if res.Action.RequestedBy != "ops" {
		t.Errorf("RequestedBy = %q, want ops", res.Action.RequestedBy)
	}
}

func TestCreateRequestedByFallsBack(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	svc := testService(t, st)

	res, err := svc.Create(context.Background(), CreateRequest{
		HostID:    "web-1",
		ServiceID: "nginx",
		Kind:      action.KindStart,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Action.RequestedBy != "unknown" {
		t.Errorf("RequestedBy = %q, want unknown", res.Action.RequestedBy)
	}
}

func TestCreateValidation(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	svc := testService(t, st)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
		want any
	}{
		{"unknown kind", CreateRequest{HostID: "web-1", ServiceID: "nginx", Kind: "enable"}, &ValidationError{}},
		{"missing host", CreateRequest{HostID: "ghost", ServiceID: "nginx", Kind: action.KindStart}, &NotFoundError{}},
		{"missing service", CreateRequest{HostID: "web-1", ServiceID: "ghost", Kind: action.KindStart}, &NotFoundError{}},
		{"disallowed command", CreateRequest{HostID: "web-1", ServiceID: "nginx", Kind: action.KindStop}, &ValidationError{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.req)
			if err == nil {
				t.Fatal("Create succeeded, want error")
			}
			switch tc.want.(type) {
			case *ValidationError:
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("err = %v (%T), want *ValidationError", err, err)
				}
			case *NotFoundError:
				var nerr *NotFoundError
				if !errors.As(err, &nerr) {
					t.Fatalf("err = %v (%T), want *NotFoundError", err, err)
				}
			}
		})
	}
}

func TestCreateStatusAlwaysPermitted(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	svc := testService(t, st)

	// nginx has AllowStop=false but status needs no flag.
	if _, err := svc.Create(context.Background(), CreateRequest{
		HostID:    "web-1",
		ServiceID: "nginx",
		Kind:      action.KindStatus,
	}); err != nil {
		t.Fatalf("Create(status): %v", err)
	}
}

func TestCreateIdempotentReplay(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	svc := testService(t, st)
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateRequest{
		HostID:         "web-1",
		ServiceID:      "nginx",
		Kind:           action.KindRestart,
		IdempotencyKey: "req-1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	second, err := svc.Create(ctx, CreateRequest{
		HostID:         "web-1",
		ServiceID:      "nginx",
		Kind:           action.KindRestart,
		IdempotencyKey: "req-1",
	})
	if err != nil {
		t.Fatalf("Create replay: %v", err)
	}
	if !second.Replayed {
		t.Fatal("Replayed = false, want true")
	}
	if second.Action.ID != first.Action.ID {
		t.Errorf("replayed ID = %q, want %q", second.Action.ID, first.Action.ID)
	}
	if n, _ := st.CountActions(); n != 1 {
		t.Errorf("CountActions = %d, want 1", n)
	}
}

func TestCreateIdempotencyBeforeValidation(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	svc := testService(t, st)
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateRequest{
		HostID:         "web-1",
		ServiceID:      "nginx",
		Kind:           action.KindRestart,
		IdempotencyKey: "req-1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A replay referencing a now-invalid host still returns the original
	// action: the replay check runs before host/service validation.
	second, err := svc.Create(ctx, CreateRequest{
		HostID:         "ghost",
		ServiceID:      "ghost",
		Kind:           action.KindRestart,
		IdempotencyKey: "req-1",
	})
	if err != nil {
		t.Fatalf("Create replay: %v", err)
	}
	if !second.Replayed || second.Action.ID != first.Action.ID {
		t.Errorf("replay = %+v, want original action %q", second, first.Action.ID)
	}
}

func TestCreateRateLimited(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	limiter := auth.NewRateLimiter(1, time.Minute)
	svc := New(Config{}, st, nil, limiter, nil, nil, clock.Real{}, logging.New(false))
	ctx := context.Background()

	req := CreateRequest{HostID: "web-1", ServiceID: "nginx", Kind: action.KindRestart, RequestedBy: "ops"}
	if _, err := svc.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := svc.Create(ctx, req)
	var rerr *RateLimitError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v (%T), want *RateLimitError", err, err)
	}
	if rerr.RetryAfter < 1 {
		t.Errorf("RetryAfter = %d, want >= 1", rerr.RetryAfter)
	}
}

func TestClaimBounds(t *testing.T) {
	st := testStore(t)
	svc := testService(t, st)
	ctx := context.Background()

	bad := []struct {
		max  int
		wait time.Duration
	}{
		{0, 0},
		{11, 0},
		{1, -time.Second},
		{1, 26 * time.Second},
	}
	for _, tc := range bad {
		_, err := svc.Claim(ctx, "web-1", tc.max, tc.wait)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Claim(max=%d, wait=%s) err = %v, want *ValidationError", tc.max, tc.wait, err)
		}
	}

	// Boundary values are legal.
	if _, err := svc.Claim(ctx, "web-1", 10, 0); err != nil {
		t.Errorf("Claim(max=10, wait=0) err = %v, want nil", err)
	}
}

func TestClaimEmptyQueueNoDelay(t *testing.T) {
	st := testStore(t)
	svc := testService(t, st)

	start := time.Now()
	got, err := svc.Claim(context.Background(), "web-1", 1, 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("claimed %d actions from empty queue", len(got))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Claim(wait=0) took %s, want immediate return", elapsed)
	}
}

func TestClaimReturnsUnit(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	svc := testService(t, st)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{HostID: "web-1", ServiceID: "nginx", Kind: action.KindRestart}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := svc.Claim(ctx, "web-1", 1, 0)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("claimed %d actions, want 1", len(got))
	}
	if got[0].Unit != "nginx.service" {
		t.Errorf("Unit = %q, want nginx.service", got[0].Unit)
	}
	if got[0].Status != action.StatusRunning {
		t.Errorf("Status = %s, want running", got[0].Status)
	}
}

func TestClaimWaitsForWork(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	svc := testService(t, st)
	ctx := context.Background()

	go func() {
		time.Sleep(200 * time.Millisecond)
		_, _ = svc.Create(ctx, CreateRequest{HostID: "web-1", ServiceID: "nginx", Kind: action.KindStart})
	}()

	got, err := svc.Claim(ctx, "web-1", 1, 5*time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("claimed %d actions, want 1", len(got))
	}
}

func TestClaimHonorsCancellation(t *testing.T) {
	st := testStore(t)
	svc := testService(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := svc.Claim(ctx, "web-1", 1, 25*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Claim err = %v, want context.Canceled", err)
	}
}

func TestReportLifecycle(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	svc := testService(t, st)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateRequest{HostID: "web-1", ServiceID: "nginx", Kind: action.KindRestart})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Claim(ctx, "web-1", 1, 0); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	code := 0
	updated, err := svc.Report(ctx, "web-1", res.Action.ID, action.StatusSucceeded, &code, "restart nginx.service succeeded")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if updated.Status != action.StatusSucceeded {
		t.Errorf("Status = %s, want succeeded", updated.Status)
	}
	if updated.FinishedAt == nil {
		t.Error("FinishedAt = nil after terminal report")
	}
}

func TestReportOwnership(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	svc := testService(t, st)
	ctx := context.Background()

	res, err := svc.Create(ctx, CreateRequest{HostID: "web-1", ServiceID: "nginx", Kind: action.KindRestart})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Claim(ctx, "web-1", 1, 0); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	_, err = svc.Report(ctx, "web-2", res.Action.ID, action.StatusSucceeded, nil, "")
	var oerr *OwnershipError
	if !errors.As(err, &oerr) {
		t.Fatalf("Report err = %v (%T), want *OwnershipError", err, err)
	}

	// The rejected report must leave the action untouched.
	got, err := st.GetAction(res.Action.ID)
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if got.Status != action.StatusRunning {
		t.Errorf("Status after rejected report = %s, want running", got.Status)
	}
}

func TestReportErrors(t *testing.T) {
	st := testStore(t)
	seedHost(t, st)
	svc := testService(t, st)
	ctx := context.Background()

	_, err := svc.Report(ctx, "web-1", "missing", action.StatusSucceeded, nil, "")
	var nerr *NotFoundError
	if !errors.As(err, &nerr) {
		t.Errorf("unknown action err = %v, want *NotFoundError", err)
	}

	res, err := svc.Create(ctx, CreateRequest{HostID: "web-1", ServiceID: "nginx", Kind: action.KindRestart})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Reporting a terminal status on a queued action violates the FSM.
	_, err = svc.Report(ctx, "web-1", res.Action.ID, action.StatusSucceeded, nil, "")
	var te *action.TransitionError
	if !errors.As(err, &te) {
		t.Errorf("queued->succeeded err = %v, want *TransitionError", err)
	}

	// queued is never a reportable status.
	_, err = svc.Report(ctx, "web-1", res.Action.ID, action.StatusQueued, nil, "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("report queued err = %v, want *ValidationError", err)
	}
}

func TestLocalHostExecutesInline(t *testing.T) {
	st := testStore(t)
	if err := st.PutHost(store.Host{ID: "local", Name: "Control Plane"}); err != nil {
		t.Fatalf("PutHost: %v", err)
	}
	if err := st.PutService(store.Service{
		ID: "nginx", HostID: "local", Unit: "nginx.service", AllowRestart: true,
	}); err != nil {
		t.Fatalf("PutService: %v", err)
	}

	exec, err := executor.New(executor.Config{}, logging.New(false))
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	exec.SetRunner(okRunner{})

	svc := New(Config{LocalHostID: "local"}, st, exec, nil, nil, nil, clock.Real{}, logging.New(false))

	res, err := svc.Create(context.Background(), CreateRequest{
		HostID:    "local",
		ServiceID: "nginx",
		Kind:      action.KindRestart,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Action.Status != action.StatusSucceeded {
		t.Fatalf("Status = %s, want succeeded (inline execution)", res.Action.Status)
	}
	if res.Action.ExitCode == nil || *res.Action.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", res.Action.ExitCode)
	}
	if res.Action.StartedAt == nil || res.Action.FinishedAt == nil {
		t.Error("inline execution left StartedAt/FinishedAt unset")
	}
}

func TestLocalHostFailureIsCaptured(t *testing.T) {
	st := testStore(t)
	if err := st.PutHost(store.Host{ID: "local"}); err != nil {
		t.Fatalf("PutHost: %v", err)
	}
	if err := st.PutService(store.Service{
		ID: "nginx", HostID: "local", Unit: "nginx.service", AllowStart: true,
	}); err != nil {
		t.Fatalf("PutService: %v", err)
	}

	exec, err := executor.New(executor.Config{}, logging.New(false))
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	exec.SetRunner(failRunner{})

	svc := New(Config{LocalHostID: "local"}, st, exec, nil, nil, nil, clock.Real{}, logging.New(false))

	res, err := svc.Create(context.Background(), CreateRequest{
		HostID:    "local",
		ServiceID: "nginx",
		Kind:      action.KindStart,
	})
	if err != nil {
		t.Fatalf("Create: %v (executor failures must become failed actions)", err)
	}
	if res.Action.Status != action.StatusFailed {
		t.Errorf("Status = %s, want failed", res.Action.Status)
	}
}

type okRunner struct{}

func (okRunner) Run(ctx context.Context, name string, args ...string) (int, string, error) {
	return 0, "", nil
}

type failRunner struct{}

func (failRunner) Run(ctx context.Context, name string, args ...string) (int, string, error) {
	return 1, "Job for nginx.service failed", nil
}
