// Package app wires the ArqonBus server runtime: config, logging, the
// WebSocket gateway and its collaborators, history backends, and the HTTP
// surface.
//
// It is intentionally small and deterministic: every component is built once
// from the immutable config snapshot and injected from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/novelbytelabs/arqonbus/cmd/identity"
	"github.com/novelbytelabs/arqonbus/cmd/internal/bus"
	"github.com/novelbytelabs/arqonbus/cmd/internal/casil"
	"github.com/novelbytelabs/arqonbus/cmd/internal/command"
	"github.com/novelbytelabs/arqonbus/cmd/internal/history"
	"github.com/novelbytelabs/arqonbus/cmd/internal/metrics"
	"github.com/novelbytelabs/arqonbus/cmd/internal/telemetry"
	"github.com/novelbytelabs/arqonbus/cmd/security/secret"
)

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"

// App owns the wired server runtime and its closable resources.
type App struct {
	cfg Config
	log Logger

	metrics *metrics.Metrics
	emitter *telemetry.Emitter
	store   history.Store
	dbPool  *pgxpool.Pool
	rdb     *redis.Client
	gateway *bus.Gateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	m := metrics.New()
	emitter := telemetry.NewEmitter(log, telemetry.LogSink{Log: log}, m, cfg.TelemetryQueueDepth)

	inspector, err := newInspector(cfg, log, emitter, m)
	if err != nil {
		emitter.Close(time.Second)
		return nil, err
	}

	limits := history.Limits{
		DefaultLimit:    cfg.HistoryDefaultLimit,
		MaxLimit:        cfg.HistoryMaxLimit,
		ReplayMaxWindow: cfg.HistoryReplayMaxWindow,
	}
	store, dbPool, rdb, err := newHistoryStore(ctx, cfg, log, m, emitter, limits)
	if err != nil {
		emitter.Close(time.Second)
		return nil, err
	}

	auth, err := newAuthenticator(cfg, log)
	if err != nil {
		closeHistory(log, store, dbPool, rdb)
		emitter.Close(time.Second)
		return nil, err
	}

	validator, err := bus.NewValidator(bus.ValidatorConfig{
		IDPattern:       cfg.IDPattern,
		ClockSkew:       cfg.ClockSkew,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	})
	if err != nil {
		closeHistory(log, store, dbPool, rdb)
		emitter.Close(time.Second)
		return nil, err
	}

	registry := bus.NewRegistry(bus.ParseDuplicatePolicy(cfg.DuplicatePolicy))
	rooms := bus.NewRooms(log, cfg.AutoCreateChannels, cfg.AutoCreateOffTenants)
	router := bus.NewRouter(log, registry, rooms, store, m, bus.RouterConfig{
		PersistDirect:   cfg.PersistDirect,
		PersistRedacted: cfg.PersistRedacted,
	})
	executor := command.NewExecutor(log, registry, rooms, router, store, limits,
		inspector, m, emitter, Version)

	gw := bus.NewGateway(log, auth, validator, registry, rooms, router, inspector,
		executor, m, emitter, bus.GatewayConfig{
			OriginRequired:    cfg.OriginRequired,
			AllowedOrigins:    cfg.AllowedOrigins,
			DevInsecure:       cfg.DevInsecure,
			MaxFrameBytes:     cfg.MaxFrameBytes,
			WriteTimeout:      cfg.WSWriteTimeout,
			ReadIdleTimeout:   cfg.ReadIdleTimeout,
			SendQueueSize:     cfg.SendQueueSize,
			SaturationGrace:   cfg.SaturationGrace,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			HeartbeatMisses:   cfg.HeartbeatMisses,
			RateEvents:        cfg.RateEvents,
			RateWindow:        cfg.RateWindow,
			ProcessingBudget:  cfg.ProcessingBudget,
		})

	return &App{
		cfg:     cfg,
		log:     log,
		metrics: m,
		emitter: emitter,
		store:   store,
		dbPool:  dbPool,
		rdb:     rdb,
		gateway: gw,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.gateway, a.store, a.metrics)

	var handler http.Handler = mux
	if len(a.cfg.CORSAllowedOrigins) > 0 {
		handler = WithCORS(handler, a.cfg, a.log)
	}
	handler = WithSecurityHeaders(handler)
	handler = WithRequestLogging(handler, a.log)

	// No Read/WriteTimeout on purpose: /ws connections are long-lived and
	// hijacked; their liveness is the gateway heartbeat's job.
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"version", Version,
		"history_backend", a.store.Backend(),
		"auth_mode", a.cfg.AuthMode,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	a.close()
	if err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	a.emitter.Close(2 * time.Second)
	closeHistory(a.log, a.store, a.dbPool, a.rdb)
}

func closeHistory(log Logger, store history.Store, pool *pgxpool.Pool, rdb *redis.Client) {
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error("history.close.fail", "err", err)
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Error("redis.close.fail", "err", err)
		}
	}
	if pool != nil {
		pool.Close()
	}
}

// newInspector loads the CASIL policy file and builds the engine. No file
// means the engine defaults, which keep inspection disabled.
func newInspector(cfg Config, log Logger, emitter *telemetry.Emitter, m *metrics.Metrics) (*casil.Engine, error) {
	policy := casil.DefaultConfig()
	if cfg.CASILPolicyFile != "" {
		raw, err := os.ReadFile(cfg.CASILPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("read casil policy %s: %w", cfg.CASILPolicyFile, err)
		}
		policy, err = casil.ParseConfig(raw)
		if err != nil {
			return nil, fmt.Errorf("parse casil policy %s: %w", cfg.CASILPolicyFile, err)
		}
	}
	return casil.NewEngine(log, policy, nil, emitter, m)
}

// newHistoryStore selects the backend. Durable backends (redis, postgres)
// are wrapped in the failover store so an outage degrades to the in-memory
// ring instead of failing appends.
func newHistoryStore(
	ctx context.Context,
	cfg Config,
	log Logger,
	m *metrics.Metrics,
	emitter *telemetry.Emitter,
	limits history.Limits,
) (history.Store, *pgxpool.Pool, *redis.Client, error) {
	policy := history.DropOldest
	if cfg.HistoryDropPolicy == "drop_newest" {
		policy = history.DropNewest
	}
	ring := history.NewMemoryStore(cfg.HistoryCapacity, policy, limits)

	switch cfg.HistoryBackend {
	case "", "memory":
		log.Info("history.backend", "backend", "memory", "capacity", cfg.HistoryCapacity)
		return ring, nil, nil, nil

	case "redis":
		if cfg.RedisAddr == "" {
			return nil, nil, nil, errors.New("history backend redis requires ARQONBUS_REDIS_ADDR")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		durable, err := history.NewRedisStore(rdb, limits, cfg.RedisMaxLen)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, nil, err
		}
		log.Info("history.backend", "backend", "redis", "addr", cfg.RedisAddr)
		return history.NewFailoverStore(log, durable, ring, m, emitter, cfg.HistoryProbeInterval), nil, rdb, nil

	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, nil, errors.New("history backend postgres requires ARQONBUS_DATABASE_URL")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		durable, err := history.NewPostgresStore(pool, limits, history.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		log.Info("history.backend", "backend", "postgres", "schema", cfg.DBSchema)
		return history.NewFailoverStore(log, durable, ring, m, emitter, cfg.HistoryProbeInterval), pool, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown history backend: %q", cfg.HistoryBackend)
	}
}

// newAuthenticator selects the auth mode. "none" is the pass-through dev
// authenticator and must not reach production deployments.
func newAuthenticator(cfg Config, log Logger) (identity.Authenticator, error) {
	switch cfg.AuthMode {
	case "", "none":
		log.Warn("auth.mode.none", "note", "credentials are not verified; dev only")
		return identity.NewDevAuthenticator(cfg.DefaultTenant), nil

	case "static":
		if cfg.StaticCredentialsFile == "" {
			return nil, errors.New("auth mode static requires ARQONBUS_STATIC_CREDENTIALS_FILE")
		}
		raw, err := os.ReadFile(cfg.StaticCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read static credentials: %w", err)
		}
		var entries []identity.StaticCredential
		if err := yaml.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("parse static credentials: %w", err)
		}
		return identity.NewStaticAuthenticator(log, entries, secret.DefaultConfig())

	case "jwt":
		if cfg.JWTSecret == "" {
			return nil, errors.New("auth mode jwt requires ARQONBUS_JWT_SECRET")
		}
		return identity.NewJWTAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTLeeway)

	default:
		return nil, fmt.Errorf("unknown auth mode: %q", cfg.AuthMode)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
