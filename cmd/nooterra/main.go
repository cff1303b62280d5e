// Command nooterra runs the control plane server.
//
//	nooterra [serve]        run the HTTP server (default)
//	nooterra bootstrap      provision a tenant and print its API key
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooterra/nooterra/pkg/agent"
	"github.com/nooterra/nooterra/pkg/api"
	"github.com/nooterra/nooterra/pkg/config"
	"github.com/nooterra/nooterra/pkg/crypto"
	"github.com/nooterra/nooterra/pkg/dispute"
	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/evidence"
	"github.com/nooterra/nooterra/pkg/marketplace"
	"github.com/nooterra/nooterra/pkg/observability"
	"github.com/nooterra/nooterra/pkg/pipeline"
	"github.com/nooterra/nooterra/pkg/run"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/tenants"
	"github.com/nooterra/nooterra/pkg/x402"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; tests call it directly.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "serve", "server":
		return runServe(stderr)
	case "bootstrap":
		return runBootstrap(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		fmt.Fprintln(stdout, "usage: nooterra [serve|bootstrap]")
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		return 2
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

// openStore builds the configured backend and, for SQL backends, provisions
// the schema. The second return value closes the underlying DB.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, *sql.DB, error) {
	noop := func() error { return nil }
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemoryStore(), noop, nil, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		st := store.NewPostgresStore(db)
		if err := st.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return st, db.Close, db, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		st := store.NewSQLiteStore(db)
		if err := st.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return st, db.Close, db, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "nooterra-core",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, closeStore, db, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	defer func() { _ = closeStore() }()

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fmt.Fprintf(stderr, "redis: %v\n", err)
			return 1
		}
		st = store.NewIdempotencyCache(st, redis.NewClient(opts), 24*time.Hour)
		log.Info("idempotency cache enabled")
	}

	var keychain tenants.Keychain
	if db != nil && cfg.StoreDriver == "postgres" {
		prov := tenants.NewPostgresProvisioner(db)
		if err := prov.Init(ctx); err != nil {
			fmt.Fprintf(stderr, "tenants: %v\n", err)
			return 1
		}
		keychain = prov
	} else {
		mem := tenants.NewMemoryKeychain()
		// Dev convenience: a single tenant with a key printed once at boot.
		if _, raw, err := mem.Issue(ctx, "dev", "default"); err == nil {
			log.Info("dev tenant provisioned", "tenantId", "dev", "apiKey", raw)
		}
		keychain = mem
	}

	keys := crypto.NewRegistry()
	if cfg.ServerKeyID != "" {
		signer, err := crypto.NewSigner(cfg.ServerKeyID)
		if err != nil {
			fmt.Fprintf(stderr, "server key: %v\n", err)
			return 1
		}
		if _, err := keys.RegisterSigner(signer, "", crypto.KeyPurposeServer); err != nil {
			fmt.Fprintf(stderr, "server key: %v\n", err)
			return 1
		}
		log.Info("run chain signing enabled", "keyId", cfg.ServerKeyID)
	}

	policies, err := run.NewPolicyEvaluator()
	if err != nil {
		fmt.Fprintf(stderr, "policy evaluator: %v\n", err)
		return 1
	}
	var fallback *run.Policy
	if profiles, err := config.LoadAllProfiles(cfg.ProfilesDir); err == nil && len(profiles) > 0 {
		log.Info("settlement profiles loaded", "count", len(profiles), "dir", cfg.ProfilesDir)
		if p, ok := profiles[cfg.DefaultProfile]; ok {
			fallback = p.ToPolicy()
			log.Info("default settlement profile bound", "code", p.Code)
		} else if cfg.DefaultProfile != "" {
			fmt.Fprintf(stderr, "unknown DEFAULT_SETTLEMENT_PROFILE %q\n", cfg.DefaultProfile)
			return 1
		}
	}

	blobs, err := evidence.NewBlobStoreFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "evidence store: %v\n", err)
		return 1
	}

	ids := events.UUIDGenerator{}
	runs := &run.Engine{Store: st, Keys: keys, IDs: ids, Policies: policies, ServerKeyID: cfg.ServerKeyID, FallbackPolicy: fallback}
	gates := &x402.Engine{Store: st, Keys: keys, IDs: ids, Policies: policies}
	srv := &api.Server{
		Store:     st,
		Agents:    &agent.Engine{Store: st, IDs: ids},
		Runs:      runs,
		Market:    &marketplace.Engine{Store: st, Keys: keys, IDs: ids, Runs: runs},
		Disputes:  &dispute.Engine{Store: st, Keys: keys, IDs: ids, Runs: runs, Gates: gates},
		Gates:     gates,
		Pipe:      &pipeline.Pipeline{Store: st, Log: log},
		Evidence:  blobs,
		Obs:       obs,
		Keychain:  keychain,
		OpsSecret: cfg.OpsTokenSecret,
		Limiter:   api.NewTenantRateLimiter(50, 100),
		Log:       log,
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpSrv.Addr, "store", cfg.StoreDriver)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(stderr, "shutdown: %v\n", err)
			return 1
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return 1
		}
	}
	return 0
}

func runBootstrap(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "tenant display name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *name == "" {
		fmt.Fprintln(stderr, "bootstrap requires -name")
		return 2
	}

	cfg := config.Load()
	if cfg.StoreDriver != "postgres" {
		fmt.Fprintln(stderr, "bootstrap requires STORE_DRIVER=postgres")
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "open postgres: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	prov := tenants.NewPostgresProvisioner(db)
	if err := prov.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	tenant, rawKey, err := prov.Create(ctx, tenants.CreateRequest{Name: *name})
	if err != nil {
		fmt.Fprintf(stderr, "create tenant: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "tenantId: %s\n", tenant.ID)
	fmt.Fprintf(stdout, "apiKey:   %s\n", rawKey)
	fmt.Fprintln(stdout, "store the key now; it is not retrievable later")
	return 0
}
