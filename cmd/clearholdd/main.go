// Command clearholdd runs the Clearhold settlement kernel as an HTTP
// service: policy decisioning, gate lifecycle, receipt verification,
// settlement ledger, escalations, and disputes behind one API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearhold-labs/clearhold/core/pkg/api"
	"github.com/clearhold-labs/clearhold/core/pkg/config"
	"github.com/clearhold-labs/clearhold/core/pkg/crypto"
	"github.com/clearhold-labs/clearhold/core/pkg/dispute"
	"github.com/clearhold-labs/clearhold/core/pkg/escalation"
	"github.com/clearhold-labs/clearhold/core/pkg/gate"
	"github.com/clearhold-labs/clearhold/core/pkg/observability"
	"github.com/clearhold-labs/clearhold/core/pkg/policy"
	"github.com/clearhold-labs/clearhold/core/pkg/replay"
	"github.com/clearhold-labs/clearhold/core/pkg/settle"
	"github.com/clearhold-labs/clearhold/core/pkg/store"
	"github.com/clearhold-labs/clearhold/core/pkg/verify"
	"github.com/clearhold-labs/clearhold/core/pkg/webhook"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const sweepInterval = time.Minute

func main() {
	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Durable state: gates, decisions, receipts, and the journal all
	// share one SQLite database.
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	st, err := store.NewSQLiteStore(db)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}
	journal, err := store.NewSQLiteJournal(db)
	if err != nil {
		log.Fatalf("init journal: %v", err)
	}

	ledger := settle.NewLedger().WithAppender(journal)
	persisted, err := journal.LoadEntries(ctx)
	if err != nil {
		log.Fatalf("load journal: %v", err)
	}
	if err := ledger.Restore(persisted); err != nil {
		log.Fatalf("restore ledger: %v", err)
	}
	logger.Info("ledger restored", "entries", len(persisted))

	replays, err := buildReplayLedger(ctx, cfg, db)
	if err != nil {
		log.Fatalf("init replay ledger: %v", err)
	}

	signer, err := loadOrGenerateSigner(cfg.SigningKeyID)
	if err != nil {
		log.Fatalf("init signer: %v", err)
	}
	keys := crypto.NewKeyRing()
	keys.AddSigner(signer)
	logger.Info("signing key loaded", "key_id", signer.KeyID(), "public_key", signer.PublicKey())

	engine, err := policy.NewEngine()
	if err != nil {
		log.Fatalf("init policy engine: %v", err)
	}
	verifier := verify.NewVerifier(signer)
	enforcer := escalation.NewEnforcer().WithKeyRing(keys)
	escalations := escalation.NewManager(signer)

	profiles := config.NewProfiles(cfg.ProfilesDir, defaultProfile())

	// Terminal transitions go to the audit timeline and, when configured,
	// to the tenant webhook endpoint.
	timeline := observability.NewTimeline()
	sink := observability.Fanout{timeline}
	var dispatcher *webhook.Dispatcher
	if cfg.WebhookURL != "" {
		dispatcher = webhook.NewDispatcher(webhook.NewHTTPDeliverer(cfg.WebhookURL, 10*time.Second)).
			WithLogger(logger)
		sink = append(sink, dispatcher)
		logger.Info("webhook dispatcher enabled", "url", cfg.WebhookURL)
	}

	gates := gate.NewService(st, replays, ledger, verifier, engine, enforcer, escalations).
		WithLogger(logger).
		WithEvents(sink).
		WithPolicyProvider(profiles.PolicyProvider()).
		WithTrustProvider(profiles.TrustProvider())

	disputes := dispute.NewEngine(st, gates).WithLogger(logger)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "clearhold-kernel",
		Environment:  getenvDefault("ENVIRONMENT", "development"),
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.TracingEnabled,
		Insecure:     true,
	})
	if err != nil {
		log.Fatalf("init observability: %v", err)
	}

	server := api.NewServer(gates, disputes, st, signer).WithLogger(logger)
	limiter := api.NewRateLimiter(50, 100)
	handler := api.WithRequestID(limiter.Middleware(api.Telemetry(obs)(server.Routes())))

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	go runSweeper(sweepCtx, logger, gates, escalations)

	go func() {
		logger.Info("clearhold kernel listening", "port", cfg.Port, "replay_backend", cfg.ReplayBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if dispatcher != nil {
		dispatcher.Close()
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown failed", "error", err)
	}
}

// runSweeper drives the time-based transitions: verifying gates past the
// dispute window refund, pending escalations past their TTL expire.
func runSweeper(ctx context.Context, logger *slog.Logger, gates *gate.Service, escalations *escalation.Manager) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := gates.SweepVerifying(ctx)
			if err != nil {
				logger.Error("verifying sweep failed", "error", err)
			} else if len(swept) > 0 {
				logger.Info("timed-out gates refunded", "gates", swept)
			}
			if expired := escalations.ExpirePending(ctx); len(expired) > 0 {
				logger.Info("escalations expired", "escalations", expired)
			}
		}
	}
}

func buildReplayLedger(ctx context.Context, cfg *config.Config, sqliteDB *sql.DB) (replay.Ledger, error) {
	switch cfg.ReplayBackend {
	case "memory":
		return replay.NewMemoryLedger(), nil
	case "sqlite":
		return replay.NewSQLiteLedger(sqliteDB)
	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, err
		}
		return replay.NewPostgresLedger(db), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		return replay.NewRedisLedger(client, 15*time.Minute), nil
	default:
		return nil, errors.New("unknown replay backend: " + cfg.ReplayBackend)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// defaultProfile applies to tenants without a profile file: no CEL rules,
// escalate on high risk, evidence hashes checked but no provider
// signature demanded.
func defaultProfile() config.TenantProfile {
	return config.TenantProfile{
		Policy: policy.Policy{
			PolicyID:   "default",
			Version:    "1",
			OnHighRisk: policy.BlockEscalate,
		},
		Split: settle.DefaultSplit(),
	}
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
