package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	database "github.com/Armour007/aura-core/internal"
	"github.com/Armour007/aura-core/internal/api"
	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/capability"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/config"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/guard"
	"github.com/Armour007/aura-core/internal/mesh"
	"github.com/Armour007/aura-core/internal/metrics"
	"github.com/Armour007/aura-core/internal/node"
	"github.com/Armour007/aura-core/internal/transport"
	"github.com/Armour007/aura-core/internal/types"
)

func main() {
	adminToken := flag.Bool("admin-token", false, "print an admin capability JWT for this node and exit")
	tokenTTL := flag.Duration("admin-token-ttl", 24*time.Hour, "lifetime of the printed admin token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(auraerr.ExitCode(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *adminToken {
		err = printAdminToken(ctx, cfg, *tokenTTL)
	} else {
		err = run(ctx, cfg)
	}
	if err != nil {
		log.Printf("aurad: %v", err)
		os.Exit(auraerr.ExitCode(err))
	}
}

// seed returns the configured authority seed, or a random one when unset.
// A random seed gives the process a fresh identity every start.
func seed(cfg config.Config) (uint64, error) {
	if cfg.AuthoritySeed != 0 {
		return cfg.AuthoritySeed, nil
	}
	log.Println("Warning: AURA_AUTHORITY_SEED not set, using an ephemeral identity")
	return effects.OSRandom{}.RandomRange(1, 1<<63)
}

func run(ctx context.Context, cfg config.Config) error {
	logger := effects.NewLogger(cfg.LogLevel, os.Stderr, cfg.LogJSON)
	console := effects.NewLogrusConsole(logger)

	tracing := false
	if cfg.OTelEnabled {
		shutdown, ok := metrics.SetupOTelFromEnv("aura-core")
		defer func() { _ = shutdown(context.Background()) }()
		tracing = ok
	}

	s, err := seed(cfg)
	if err != nil {
		return err
	}
	self := types.AuthorityFromSeed(s)
	checks := map[string]api.Check{}

	var db *sqlx.DB
	if cfg.Storage == config.StorageSQL {
		if db, err = database.Connect(ctx, cfg.DBDriver, cfg.DBDSN); err != nil {
			return err
		}
		defer db.Close()
		if ran, err := database.Migrate(ctx, db); err != nil {
			return err
		} else if len(ran) > 0 {
			log.Printf("Applied %d migrations", len(ran))
		}
		checks["db"] = func(ctx context.Context) error { return db.PingContext(ctx) }
	}
	st, err := node.OpenStorage(ctx, cfg, db, nil)
	if err != nil {
		return err
	}

	var budgets guard.BudgetStore
	if cfg.Storage == config.StorageRedis {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		budgets = guard.NewRedisBudgets(rc, "aura:budget:", cfg.FlowBudget)
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}

	opts := node.Options{
		Seed:       s,
		Console:    console,
		Storage:    st,
		Budgets:    budgets,
		FlowBudget: cfg.FlowBudget,
		Guard:      cfg.Guard(),
		GC:         cfg.SnapshotGC,
		Runtime:    choreo.Config{PollInterval: cfg.PollInterval, TimeoutMs: uint64(cfg.CeremonyTimeout / time.Millisecond)},
	}
	if cfg.NatsURL != "" {
		nt, err := transport.DialNats(cfg.NatsURL, self, transport.NatsConfig{
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerOpenFor:   cfg.BreakerOpenFor,
			Console:          console,
		})
		if err != nil {
			return err
		}
		defer nt.Close()
		if err := nt.Announce(ctx); err != nil {
			return err
		}
		bus, err := mesh.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return err
		}
		defer bus.Close()
		opts.Transport, opts.Bus = nt, bus
	} else {
		log.Println("AURA_NATS_URL not set, running without peers")
		opts.Registry = transport.NewRegistry()
	}

	a, err := node.New(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	if _, err := a.Subscribe(ctx, types.ContextFromHash(crypto.Hash(self[:]))); err != nil {
		return err
	}
	if err := a.StartScheduler(ctx, cfg.SnapshotCron, cfg.AntiEntropyCron); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(a, api.Options{Checks: checks, Tracing: tracing}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Println("Starting aurad admin server on :" + cfg.HTTPPort + "...")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- auraerr.Wrap(auraerr.KindNetwork, "aurad.listen", err)
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		log.Println("signal received, shutting down...")
	case err := <-errc:
		return err
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// printAdminToken issues a capability over the admin operations, signed by
// this node's device key, and prints it as a JWT.
func printAdminToken(ctx context.Context, cfg config.Config, ttl time.Duration) error {
	if cfg.AuthoritySeed == 0 {
		return auraerr.New(auraerr.KindInvalid, "aurad.admin_token", "AURA_AUTHORITY_SEED is required to mint admin tokens")
	}
	a, err := node.New(ctx, node.Options{Seed: cfg.AuthoritySeed, Registry: transport.NewRegistry()})
	if err != nil {
		return err
	}
	defer a.Close()
	now := a.Clock().NowMs() / 1000
	exp := now + uint64(ttl/time.Second)
	tok, err := capability.Issue(ctx, a.Signer, capability.Token{
		Device:    a.Device,
		Authority: a.ID,
		Permissions: []capability.Permission{
			{Operation: "journal:*", Scope: "admin"},
			{Operation: "sync:*", Scope: "admin"},
		},
		IssuedAt:  now,
		ExpiresAt: &exp,
	})
	if err != nil {
		return err
	}
	jwt, err := capability.EncodeJWT(tok, a.Signer.PrivateKey(), api.KeyID(a.Signer.PublicKey()))
	if err != nil {
		return err
	}
	fmt.Println(jwt)
	return nil
}
