// Package queue is the action control core: admin-facing creation with
// idempotency and permission checks, agent-facing long-poll claiming,
// and report ingestion. All status changes flow through the action FSM;
// all coordination between the create path and the claim path happens in
// the store's transactions.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/servicewarden/warden/internal/action"
	"github.com/servicewarden/warden/internal/auth"
	"github.com/servicewarden/warden/internal/clock"
	"github.com/servicewarden/warden/internal/events"
	"github.com/servicewarden/warden/internal/executor"
	"github.com/servicewarden/warden/internal/logging"
	"github.com/servicewarden/warden/internal/metrics"
	"github.com/servicewarden/warden/internal/notify"
	"github.com/servicewarden/warden/internal/store"
)

// Poll parameter bounds, enforced before any store access.
const (
	MinBatch = 1
	MaxBatch = 10
	MaxWait  = 25 * time.Second

	// pollInterval is the sleep between claim attempts during a long poll.
	pollInterval = 500 * time.Millisecond
)

// Config holds queue service settings.
type Config struct {
	// LocalHostID, when non-empty, names the host the control plane
	// itself runs on. Actions for it execute inline instead of waiting
	// for an agent poll.
	LocalHostID string
}

// Service implements action creation, claiming, and report ingestion.
type Service struct {
	cfg      Config
	store    *store.Store
	exec     *executor.Executor
	limiter  *auth.RateLimiter
	bus      *events.Bus
	notifier *notify.Multi
	clk      clock.Clock
	log      *logging.Logger
}

// New creates a Service. exec may be nil when no local host is
// configured; bus and notifier may be nil.
func New(cfg Config, st *store.Store, exec *executor.Executor, limiter *auth.RateLimiter, bus *events.Bus, notifier *notify.Multi, clk clock.Clock, log *logging.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		exec:     exec,
		limiter:  limiter,
		bus:      bus,
		notifier: notifier,
		clk:      clk,
		log:      log,
	}
}

// CreateRequest carries one admin action-creation call. Principal and
// origin checks have already happened at the HTTP layer.
type CreateRequest struct {
	HostID         string
	ServiceID      string
	Kind           action.Kind
	RequestedBy    string
	IdempotencyKey string
}

// CreateResult is the outcome of Create. Replayed is true when the
// idempotency key matched an existing action.
type CreateResult struct {
	Action   action.Action
	Replayed bool
}

// Create validates and persists a new action. Validation order is fixed:
// rate limit, idempotency replay, host existence, service existence and
// membership, command permission. The idempotency check short-circuits
// before host/service validation; the original request already passed
// it once. For the configured local host the action is executed inline
// and returned already finished.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	identity := req.RequestedBy
	if identity == "" {
		identity = "unknown"
	}

	if s.limiter != nil {
		if ok, retryAfter := s.limiter.Allow(identity); !ok {
			metrics.RateLimited.Inc()
			return CreateResult{}, &RateLimitError{RetryAfter: retryAfter}
		}
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetActionByIdempotencyKey(req.IdempotencyKey)
		if err == nil {
			metrics.ActionsReplayed.Inc()
			return CreateResult{Action: existing, Replayed: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return CreateResult{}, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	if !action.ValidKind(req.Kind) {
		return CreateResult{}, &ValidationError{Msg: fmt.Sprintf("unknown action kind %q", req.Kind)}
	}
	if req.HostID == "" || req.ServiceID == "" {
		return CreateResult{}, &ValidationError{Msg: "hostId and serviceId are required"}
	}

	if _, err := s.store.GetHost(req.HostID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return CreateResult{}, &NotFoundError{Msg: fmt.Sprintf("host %q not found", req.HostID)}
		}
		return CreateResult{}, fmt.Errorf("host lookup: %w", err)
	}

	svc, err := s.store.GetService(req.HostID, req.ServiceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return CreateResult{}, &NotFoundError{Msg: fmt.Sprintf("service %q not found on host %q", req.ServiceID, req.HostID)}
		}
		return CreateResult{}, fmt.Errorf("service lookup: %w", err)
	}

	if !kindPermitted(svc, req.Kind) {
		return CreateResult{}, &ValidationError{Msg: fmt.Sprintf("service %q does not permit %s", req.ServiceID, req.Kind)}
	}

	id, err := newActionID()
	if err != nil {
		return CreateResult{}, fmt.Errorf("generate action id: %w", err)
	}
	a := action.Action{
		ID:             id,
		HostID:         req.HostID,
		ServiceID:      req.ServiceID,
		Kind:           req.Kind,
		Status:         action.Initial(),
		RequestedAt:    s.clk.Now().UTC(),
		RequestedBy:    identity,
		IdempotencyKey: req.IdempotencyKey,
	}

	created, replayed, err := s.store.CreateAction(a)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create action: %w", err)
	}
	if replayed {
		// Lost a creation race on the same idempotency key.
		metrics.ActionsReplayed.Inc()
		return CreateResult{Action: created, Replayed: true}, nil
	}

	metrics.ActionsCreated.WithLabelValues(string(created.Kind)).Inc()
	s.publish(events.EventActionCreated, created, "action queued")
	s.log.Info("action created", "id", created.ID, "host", created.HostID, "service", created.ServiceID, "kind", created.Kind, "by", identity)

	if s.cfg.LocalHostID != "" && created.HostID == s.cfg.LocalHostID {
		finished := s.executeLocal(ctx, created, svc.Unit)
		return CreateResult{Action: finished}, nil
	}

	return CreateResult{Action: created}, nil
}

// kindPermitted maps a command kind to the service's named allow flag.
// Status is always permitted.
func kindPermitted(svc store.Service, kind action.Kind) bool {
	switch kind {
	case action.KindStart:
		return svc.AllowStart
	case action.KindStop:
		return svc.AllowStop
	case action.KindRestart:
		return svc.AllowRestart
	case action.KindStatus:
		return true
	}
	return false
}

// executeLocal drives an action for the control plane's own host through
// the full lifecycle inline: claim, execute, finalize. The contract with
// the admin is "you always get back an Action"; executor panics and
// store errors are captured into a failed terminal state, never surfaced
// as an opaque server fault.
func (s *Service) executeLocal(ctx context.Context, a action.Action, unit string) action.Action {
	now := s.clk.Now().UTC()
	running, err := s.store.ApplyReport(a.ID, "", action.StatusRunning, nil, "", now)
	if err != nil {
		s.log.Error("local execution failed to mark running", "id", a.ID, "error", err)
		return s.finalizeLocal(a, action.ExitCodeFailure, "internal error before execution: "+err.Error())
	}

	res := s.runLocal(ctx, running.Kind, unit)

	exitCode := res.ExitCode
	to := action.StatusFailed
	if res.Success {
		to = action.StatusSucceeded
	}
	finished, err := s.store.ApplyReport(a.ID, "", to, &exitCode, res.Message, s.clk.Now().UTC())
	if err != nil {
		s.log.Error("local execution failed to finalize", "id", a.ID, "error", err)
		return running
	}

	metrics.ReportsTotal.WithLabelValues(string(to)).Inc()
	s.publish(events.EventActionFinished, finished, finished.Message)
	s.notifyFinished(ctx, finished)
	return finished
}

// runLocal invokes the executor, converting a panic into a failure
// result so the action always closes out.
func (s *Service) runLocal(ctx context.Context, kind action.Kind, unit string) (res executor.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("local executor panic", "panic", r)
			res = executor.Result{
				Success:  false,
				ExitCode: action.ExitCodeFailure,
				Message:  fmt.Sprintf("executor panic: %v", r),
			}
		}
	}()
	return s.exec.ExecuteWithFallback(ctx, kind, unit)
}

// finalizeLocal force-fails an action that could not run, preserving the
// audit trail.
func (s *Service) finalizeLocal(a action.Action, exitCode int, msg string) action.Action {
	finished, err := s.store.ApplyReport(a.ID, "", action.StatusFailed, &exitCode, msg, s.clk.Now().UTC())
	if err != nil {
		s.log.Error("failed to record local failure", "id", a.ID, "error", err)
		return a
	}
	return finished
}

// ClaimedAction is a claimed action joined with the systemd unit the
// agent should drive. Agents know hosts and tokens, not the service
// catalog, so the unit travels with the claim.
type ClaimedAction struct {
	action.Action
	Unit string `json:"unit"`
}

// Claim hands out up to max queued actions for hostID, long-polling up
// to wait. Bounds are validated before any store access. An empty slice
// with a nil error means the wait elapsed with nothing queued.
func (s *Service) Claim(ctx context.Context, hostID string, max int, wait time.Duration) ([]ClaimedAction, error) {
	if max < MinBatch || max > MaxBatch {
		return nil, &ValidationError{Msg: fmt.Sprintf("max must be between %d and %d", MinBatch, MaxBatch)}
	}
	if wait < 0 || wait > MaxWait {
		return nil, &ValidationError{Msg: fmt.Sprintf("wait must be between 0 and %d seconds", int(MaxWait.Seconds()))}
	}

	start := s.clk.Now()
	for {
		claimed, err := s.store.ClaimQueued(hostID, max, s.clk.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("claim queued: %w", err)
		}
		if len(claimed) > 0 {
			metrics.ActionsClaimed.Add(float64(len(claimed)))
			metrics.LongPollDuration.Observe(s.clk.Since(start).Seconds())
			out := make([]ClaimedAction, 0, len(claimed))
			for _, a := range claimed {
				s.publish(events.EventActionClaimed, a, "claimed by agent")
				ca := ClaimedAction{Action: a}
				if svc, err := s.store.GetService(a.HostID, a.ServiceID); err == nil {
					ca.Unit = svc.Unit
				}
				out = append(out, ca)
			}
			return out, nil
		}

		remaining := wait - s.clk.Since(start)
		if remaining <= 0 {
			metrics.LongPollDuration.Observe(s.clk.Since(start).Seconds())
			return nil, nil
		}
		d := pollInterval
		if remaining < d {
			d = remaining
		}
		if err := clock.Sleep(ctx, s.clk, d); err != nil {
			return nil, err
		}
	}
}

// Report applies an agent's status report to an action. reporterHostID
// is the reporting agent's own host; reports for another host's action
// are refused without touching the action.
func (s *Service) Report(ctx context.Context, reporterHostID, actionID string, to action.Status, exitCode *int, message string) (action.Action, error) {
	if actionID == "" {
		return action.Action{}, &ValidationError{Msg: "actionId is required"}
	}
	if !action.ValidStatus(to) || to == action.StatusQueued {
		return action.Action{}, &ValidationError{Msg: fmt.Sprintf("status must be one of running, succeeded, failed; got %q", to)}
	}

	updated, err := s.store.ApplyReport(actionID, reporterHostID, to, exitCode, message, s.clk.Now().UTC())
	if err != nil {
		var te *action.TransitionError
		switch {
		case errors.Is(err, store.ErrNotFound):
			return action.Action{}, &NotFoundError{Msg: fmt.Sprintf("action %q not found", actionID)}
		case errors.Is(err, store.ErrHostMismatch):
			metrics.ReportsRejected.Inc()
			return action.Action{}, &OwnershipError{Msg: "action belongs to a different host"}
		case errors.As(err, &te):
			metrics.ReportsRejected.Inc()
			return action.Action{}, te
		}
		return action.Action{}, fmt.Errorf("apply report: %w", err)
	}

	metrics.ReportsTotal.WithLabelValues(string(to)).Inc()
	if action.IsTerminal(to) {
		s.publish(events.EventActionFinished, updated, updated.Message)
		s.notifyFinished(ctx, updated)
	}
	s.log.Info("report applied", "id", updated.ID, "host", updated.HostID, "status", updated.Status)
	return updated, nil
}

// Heartbeat records that a host's agent checked in.
func (s *Service) Heartbeat(hostID string) error {
	metrics.HeartbeatsTotal.Inc()
	if s.bus != nil {
		s.bus.Publish(events.SSEEvent{
			Type:      events.EventAgentHeartbeat,
			HostID:    hostID,
			Timestamp: s.clk.Now().UTC(),
		})
	}
	return s.store.TouchAgent(hostID, s.clk.Now().UTC())
}

func (s *Service) publish(t events.EventType, a action.Action, msg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.SSEEvent{
		Type:      t,
		ActionID:  a.ID,
		HostID:    a.HostID,
		Message:   msg,
		Timestamp: s.clk.Now().UTC(),
	})
}

func (s *Service) notifyFinished(ctx context.Context, a action.Action) {
	if s.notifier == nil {
		return
	}
	evt := notify.Event{
		ActionID:  a.ID,
		HostID:    a.HostID,
		ServiceID: a.ServiceID,
		Kind:      string(a.Kind),
		Timestamp: s.clk.Now().UTC(),
	}
	switch {
	case a.Status == action.StatusSucceeded:
		evt.Type = notify.EventActionSucceeded
	case a.ExitCode != nil && *a.ExitCode == action.ExitCodeTimeout:
		evt.Type = notify.EventActionTimeout
		evt.Error = a.Message
	default:
		evt.Type = notify.EventActionFailed
		evt.Error = a.Message
	}
	s.notifier.Notify(ctx, evt)
}

// newActionID creates a random 16-char hex action ID.
func newActionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
