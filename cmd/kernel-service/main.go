// cmd/kernel-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"actionplane/internal/audit"
	"actionplane/internal/guard"
	"actionplane/internal/httpapi"
	"actionplane/internal/idempotency"
	"actionplane/internal/identity"
	"actionplane/internal/kernel"
	"actionplane/internal/packs/iam"
	"actionplane/internal/packs/settings"
	"actionplane/internal/packs/webhooks"
	"actionplane/internal/ratelimit"
	"actionplane/pkg/config"
	"actionplane/pkg/db"
	"actionplane/pkg/kv"
	"actionplane/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	var pool = db.MustConnect(cfg, log)

	var (
		ids   identity.Store
		hooks webhooks.Store
		setts settings.Store
		sink  audit.Sink
	)
	if pool != nil {
		ctx := context.Background()
		if err := identity.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		if err := audit.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		if err := webhooks.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		if err := settings.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		ids = identity.NewPostgresStore(pool)
		hooks = webhooks.NewPostgresStore(pool)
		setts = settings.NewPostgresStore(pool)
		sink = audit.NewPostgresSink(pool)
	} else {
		ids = identity.NewMemoryStore()
		hooks = webhooks.NewMemoryStore()
		setts = settings.NewMemoryStore()
		sink = audit.NewMemorySink()
	}

	var kvs kv.Store
	if rdb := db.MustRedis(cfg, log); rdb != nil {
		kvs = kv.NewRedis(rdb)
	} else {
		kvs = kv.NewMemory()
	}

	verifier := identity.NewVerifier(ids, cfg.VerificationTokenTTL)
	registry, err := kernel.BuildRegistry(
		iam.New(ids, verifier),
		webhooks.New(hooks),
		settings.New(setts),
	)
	if err != nil {
		log.Fatalw("registry", "err", err)
	}

	writer := audit.NewWriter(sink, log, audit.WriterOptions{
		BufferSize: cfg.AuditBuffer,
		FlushEvery: cfg.AuditFlush,
	})

	router := kernel.NewRouter(kernel.Deps{
		Log:         log,
		Registry:    registry,
		Resolver:    identity.NewResolver(ids),
		Idempotency: idempotency.New(kvs, idempotency.Options{TTL: cfg.IdempotencyTTL, WaitMax: cfg.IdempotencyWait}),
		Limiter:     ratelimit.New(kvs),
		Ceilings:    ratelimit.NewCeilingEnforcer(kvs),
		Guard:       guard.NewEvaluator(settings.GuardSource(setts), log),
		Audit:       writer,
		TierLimits:  tierLimits(cfg),
		Timeout:     cfg.RequestTimeout,
	})

	api := httpapi.NewServer(cfg, log, router, registry, sink, httpapi.NewMetrics(writer.Dropped))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Routes()}
	go func() {
		log.Infow("kernel-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	// Close after Shutdown so in-flight dispatches still get their audit rows.
	writer.Close()
	fmt.Println("kernel-service stopped")
}

// tierLimits turns the configured quota tables into the limiter's window
// form. Tenants on a tier the table does not know get the free tier.
func tierLimits(cfg config.Config) func(string) ratelimit.Limits {
	return func(tier string) ratelimit.Limits {
		t, ok := cfg.Tiers[tier]
		if !ok {
			t = cfg.Tiers["free"]
		}
		return ratelimit.Limits{
			APIKey:   ratelimit.Windows(t.APIKey.Burst5m, t.APIKey.Hourly, t.APIKey.Daily),
			Tenant:   ratelimit.Windows(t.Tenant.Burst5m, t.Tenant.Hourly, t.Tenant.Daily),
			SourceIP: ratelimit.Windows(t.SourceIP.Burst5m, t.SourceIP.Hourly, t.SourceIP.Daily),
		}
	}
}
