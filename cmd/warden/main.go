package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/servicewarden/warden/internal/auth"
	"github.com/servicewarden/warden/internal/clock"
	"github.com/servicewarden/warden/internal/config"
	"github.com/servicewarden/warden/internal/events"
	"github.com/servicewarden/warden/internal/executor"
	"github.com/servicewarden/warden/internal/inventory"
	"github.com/servicewarden/warden/internal/logging"
	"github.com/servicewarden/warden/internal/metrics"
	"github.com/servicewarden/warden/internal/notify"
	"github.com/servicewarden/warden/internal/prune"
	"github.com/servicewarden/warden/internal/queue"
	"github.com/servicewarden/warden/internal/store"
	"github.com/servicewarden/warden/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.InventoryPath != "" {
		inv, err := inventory.Load(cfg.InventoryPath)
		if err != nil {
			log.Error("failed to load inventory", "path", cfg.InventoryPath, "error", err)
			os.Exit(1)
		}
		if err := inventory.Apply(inv, db, log); err != nil {
			log.Error("failed to apply inventory", "error", err)
			os.Exit(1)
		}
	}

	if err := bootstrapAdmin(cfg, db, log); err != nil {
		log.Error("failed to bootstrap admin account", "error", err)
		os.Exit(1)
	}

	// Build notification chain.
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, nil))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID, cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTQoS))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	notifier := notify.NewMulti(log, notifiers...)

	clk := clock.Real{}
	bus := events.New()

	exec, err := executor.New(executor.Config{
		Timeout:       cfg.ExecTimeout,
		SystemctlPath: cfg.SystemctlPath,
	}, log)
	if err != nil {
		log.Error("failed to create executor", "error", err)
		os.Exit(1)
	}

	limiter := auth.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	svc := queue.New(queue.Config{LocalHostID: cfg.LocalHostID}, db, exec, limiter, bus, notifier, clk, log)

	pruner := prune.New(prune.Config{
		Schedule:  cfg.PruneSchedule,
		Retention: cfg.PruneRetention,
		Batch:     cfg.PruneBatch,
		DryRun:    cfg.PruneDryRun,
	}, db, clk, log)
	if err := pruner.Start(); err != nil {
		log.Error("failed to start pruner", "error", err)
		os.Exit(1)
	}
	defer pruner.Stop()

	if cfg.TextfilePath != "" {
		go textfileLoop(ctx, cfg.TextfilePath, cfg.TextfileInterval, log)
	}
	go limiterCleanupLoop(ctx, limiter)

	resolver := auth.NewResolver(&sessionAdapter{db}, &agentTokenAdapter{db})
	srv := web.NewServer(web.Dependencies{
		Actions:        svc,
		Reader:         db,
		Credentials:    db,
		Auth:           resolver,
		EventBus:       bus,
		LoginLimiter:   auth.NewRateLimiter(cfg.LoginLimitMax, time.Minute),
		AllowedOrigins: cfg.AllowedOrigins,
		SessionTTL:     cfg.SessionTTL,
		Log:            log,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("warden started", "version", version, "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("warden shutdown complete")
}

// bootstrapAdmin creates the configured admin account when it does not
// exist yet. Existing accounts are never overwritten, so a stale env
// password cannot silently reset credentials.
func bootstrapAdmin(cfg *config.Config, db *store.Store, log *logging.Logger) error {
	if cfg.AdminUser == "" {
		return nil
	}
	if _, err := db.GetAdmin(cfg.AdminUser); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := auth.ValidatePassword(cfg.AdminPassword); err != nil {
		return fmt.Errorf("WARDEN_ADMIN_PASSWORD: %w", err)
	}
	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	if err := db.PutAdmin(store.Admin{Username: cfg.AdminUser, PasswordHash: hash}); err != nil {
		return err
	}
	log.Info("admin account created", "username", cfg.AdminUser)
	return nil
}

// textfileLoop periodically writes metrics for the node_exporter
// textfile collector.
func textfileLoop(ctx context.Context, path string, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("metrics textfile write failed", "path", path, "error", err)
			}
		}
	}
}

// limiterCleanupLoop evicts expired rate-limit windows.
func limiterCleanupLoop(ctx context.Context, limiter *auth.RateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Cleanup()
		}
	}
}

// --- Adapters bridging the store to the auth lookups ---

// sessionAdapter converts store.Store to auth.SessionLookup.
type sessionAdapter struct{ s *store.Store }

func (a *sessionAdapter) LookupSession(token string, now time.Time) (string, error) {
	sess, err := a.s.GetSession(token, now)
	if err != nil {
		return "", err
	}
	return sess.Username, nil
}

// agentTokenAdapter converts store.Store to auth.AgentTokenLookup.
type agentTokenAdapter struct{ s *store.Store }

func (a *agentTokenAdapter) LookupAgentToken(tokenHash string) (string, error) {
	h, err := a.s.GetHostByTokenHash(tokenHash)
	if err != nil {
		return "", err
	}
	return h.ID, nil
}
