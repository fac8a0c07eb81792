package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"botgate.io/internal/config"
	"botgate.io/internal/events"
	"botgate.io/internal/gateway"
	"botgate.io/internal/httpapi"
	"botgate.io/internal/keystore"
	"botgate.io/internal/obs"
	"botgate.io/internal/policy"
	"botgate.io/internal/quota"
	"botgate.io/internal/registration"
	"botgate.io/internal/store/pg"
	"botgate.io/internal/telemetry"
	"botgate.io/internal/tenancy"
	"botgate.io/internal/token"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backends groups the storage chosen by configuration.
type backends struct {
	db       *sql.DB
	rdb      *redis.Client
	store    tenancy.Store
	ledger   quota.Ledger
	keys     keystore.Repository
	cache    keystore.Cache
	sessions telemetry.SessionStore
	receipts telemetry.Receipts
	errs     telemetry.ErrorLog
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger().WithField("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("botgate stopped")
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg config.Config, log logrus.FieldLogger) error {
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	if cfg.SigningKeyFile != "" {
		if err := seedSigningKey(ctx, b.keys, cfg.SigningKeyFile, cfg.SigningKeyTTL); err != nil {
			return err
		}
	}

	bus := events.NewBus()
	go logEvents(ctx, bus)

	keyOpts := []keystore.Option{
		keystore.WithCache(b.cache),
		keystore.WithCacheTTL(cfg.KeyCacheTTL),
		keystore.WithRotateAfter(cfg.KeyRotateAfter),
		keystore.WithFetchTimeout(cfg.KeyFetchTimeout),
		keystore.WithSigningTTL(cfg.SigningKeyTTL),
		keystore.WithEvents(bus),
	}
	if cfg.JWKSURL != "" {
		keyOpts = append(keyOpts, keystore.WithFetcher(keystore.HTTPFetcher{
			URL:    cfg.JWKSURL,
			Client: &http.Client{Timeout: cfg.KeyFetchTimeout},
		}))
	}
	keys, err := keystore.New(ctx, b.keys, keyOpts...)
	if err != nil {
		return err
	}
	defer keys.Close()

	codec := token.NewCodec(keys, token.WithIssuer(cfg.Issuer))
	pol := policy.NewEvaluator(b.store, policy.WithSuperAdmins(cfg.SuperAdmins...))

	proxy := gateway.New(codec, pol, b.store, quota.Instrumented{Ledger: b.ledger, Source: "proxy"},
		gateway.WithOriginTimeout(cfg.OriginTimeout),
		gateway.WithReservationTTL(cfg.ReservationTTL),
		gateway.WithDefaultMaxTokens(cfg.DefaultMaxTokensPerRequest),
		gateway.WithMaxBodyBytes(cfg.ProxyMaxBodyBytes),
		gateway.WithMaxResponseBytes(cfg.ProxyMaxResponseBytes),
		gateway.WithEvents(bus),
	)
	reg := registration.NewService(b.store,
		registration.WithEvents(bus),
		registration.WithBcryptCost(cfg.BcryptCost),
		registration.WithLogger(obs.Logger().WithField("component", "registration")),
	)
	tel := telemetry.NewService(b.store, pol, codec, quota.Instrumented{Ledger: b.ledger, Source: "telemetry"},
		b.sessions, b.errs,
		telemetry.WithEvents(bus),
		telemetry.WithReceipts(b.receipts),
		telemetry.WithLogger(obs.Logger().WithField("component", "telemetry")),
	)

	ready := httpapi.ReadyProbe{DB: b.db}
	if b.rdb != nil {
		ready.Redis = b.rdb
	}
	api := httpapi.New(httpapi.Deps{
		Tokens:       codec,
		Keys:         keys,
		Policy:       pol,
		Ledger:       quota.Instrumented{Ledger: b.ledger, Source: "admin"},
		Proxy:        proxy,
		Registration: reg,
		Telemetry:    tel,
		Events:       bus,
		Ready:        ready,
		Version:      version,
	},
		httpapi.WithAPIKey(cfg.ServiceAPIKey),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSecond),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	gsrv := grpc.NewServer()
	httpapi.NewGRPCHealth(ready).Register(gsrv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).WithField("version", version).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if cfg.GRPCAddr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			log.WithField("addr", cfg.GRPCAddr).Info("grpc listening")
			if err := gsrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		obs.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		gsrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	b := &backends{}
	if cfg.PostgresDSN != "" {
		st, err := pg.Open(cfg.PostgresDSN, pg.WithMaxConns(cfg.PostgresMaxConns))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		b.db = st.DB()
	}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		b.rdb = redis.NewClient(opt)
	}

	var pgStore *pg.Store
	if b.db != nil {
		pgStore = pg.New(b.db)
	}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		b.store = pgStore
		b.keys = pgStore.Keys()
		b.errs = pgStore.ErrorLog()
	default:
		b.store = tenancy.NewInMemory()
		b.keys = keystore.NewMemoryRepository()
		b.errs = telemetry.NewMemoryErrorLog()
	}

	limits := quota.DirectoryLimits{Dir: b.store, Default: cfg.DefaultTokenLimit}
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		b.ledger = pgStore.Ledger(limits)
	case config.BackendRedis:
		b.ledger = quota.NewRedisLedger(b.rdb, limits, "botgate")
	default:
		b.ledger = quota.NewInMemory(limits)
	}

	switch cfg.KeyCacheBackend {
	case config.BackendRedis:
		b.cache = keystore.NewRedisCache(b.rdb)
	case config.BackendFile:
		fc, err := keystore.NewFileCache(cfg.KeyCacheDir)
		if err != nil {
			b.close()
			return nil, err
		}
		b.cache = fc
	default:
		b.cache = keystore.NewMemoryCache()
	}

	if b.rdb != nil {
		b.sessions = telemetry.NewRedisSessions(b.rdb)
		b.receipts = telemetry.NewRedisReceipts(b.rdb)
	} else {
		b.sessions = telemetry.NewMemorySessions()
		b.receipts = telemetry.NewMemoryReceipts()
	}
	return b, nil
}

func (b *backends) close() {
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
}

// seedSigningKey installs the PEM key from path when the repository has no active key.
func seedSigningKey(ctx context.Context, repo keystore.Repository, path string, ttl time.Duration) error {
	if _, err := repo.Active(ctx); err == nil {
		return nil
	} else if !errors.Is(err, keystore.ErrNoActiveKey) {
		return fmt.Errorf("load signing key: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	priv, err := keystore.ParsePrivateKey(data)
	if err != nil {
		return err
	}
	now := time.Now()
	stored, err := keystore.NewStoredKey(priv, now, now.Add(ttl))
	if err != nil {
		return err
	}
	return repo.Rotate(ctx, stored)
}

func logEvents(ctx context.Context, bus *events.Bus) {
	log := obs.Logger().WithField("component", "events")
	for evt := range bus.Subscribe(ctx) {
		entry := log.WithFields(logrus.Fields{
			"kind":      string(evt.Kind),
			"user_id":   evt.UserID,
			"tenant_id": evt.TenantID,
			"bot_id":    evt.BotID,
		})
		for k, v := range evt.Attrs {
			entry = entry.WithField(k, v)
		}
		switch evt.Kind {
		case events.KindLedgerInconsistency, events.KindBotError:
			entry.Warn("event")
		default:
			entry.Info("event")
		}
	}
}
