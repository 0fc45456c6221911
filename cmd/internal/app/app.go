// Package app wires the credo server runtime: config, logging, stores, the
// authentication service, and HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"credo/cmd/identity"
	authapi "credo/cmd/internal/auth/api"
	"credo/cmd/internal/auth/audit"
	"credo/cmd/internal/auth/authn"
	"credo/cmd/internal/auth/session"
	"credo/cmd/internal/ratelimit"
	"credo/cmd/security/token"
)

// App owns every long-lived dependency of the server.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	redis *redis.Client

	registry    *prometheus.Registry
	httpMetrics *httpMetrics

	events *audit.Dispatcher
	feed   *audit.Feed

	sessCfg session.Config
	codec   keyRingSetter

	svc  *authn.Service
	auth *authapi.Handler
}

// keyRingSetter is implemented by both access token codecs.
type keyRingSetter interface {
	KeyRing() *token.KeyRing
	SetKeyRing(*token.KeyRing) error
}

// New constructs a fully wired App. On error every resource opened so far is
// released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("auth config: %w", err)
	}
	ring, err := sessCfg.KeyRing()
	if err != nil {
		return nil, err
	}
	warnExpiringKeys(ring, time.Now(), log)

	codec, err := token.NewCodec(sessCfg.TokenFormat, ring, token.Options{
		Issuer: sessCfg.Issuer,
		Skew:   sessCfg.ClockSkew,
	})
	if err != nil {
		return nil, err
	}

	passwords, err := identity.PasswordsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("password config: %w", err)
	}

	hasher, err := refreshHasher(cfg, log)
	if err != nil {
		return nil, err
	}

	setter, ok := codec.(keyRingSetter)
	if !ok {
		return nil, fmt.Errorf("codec %T cannot swap key rings", codec)
	}

	a := &App{cfg: cfg, log: log, sessCfg: sessCfg, codec: setter}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	principals, tokens, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		a.redis, err = NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		log.Info("redis.enabled")
	} else {
		log.Info("redis.disabled", "effect", "login throttling and event pub/sub off")
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.httpMetrics = newHTTPMetrics(a.registry)

	a.feed = audit.NewFeed(log, audit.FeedConfig{AllowedOrigins: cfg.FeedOrigins})
	sinks := audit.MultiSink{audit.NewLogSink(log), a.feed}
	if a.redis != nil {
		sinks = append(sinks, audit.NewRedisSink(a.redis, cfg.EventChannel, log))
	}
	a.events = audit.NewDispatcher(audit.DispatcherConfig{
		BufferSize: cfg.AuditBufferSize,
		DropIfFull: true,
	}, sinks)
	a.registerEventMetrics()

	a.svc, err = authn.NewService(sessCfg, authn.Deps{
		Principals: principals,
		Passwords:  passwords,
		Tokens:     tokens,
		Codec:      codec,
		Hasher:     hasher,
		Audit:      a.events,
		Metrics:    authn.NewMetrics(a.registry),
		Log:        log,
	})
	if err != nil {
		return nil, err
	}

	opts := []authapi.HandlerOption{
		authapi.WithEventFeed(a.feed),
		authapi.WithAudit(a.events),
	}
	if a.redis != nil {
		opts = append(opts, authapi.WithLimiter(ratelimit.New(a.redis, ratelimit.LoadConfigFromEnv())))
	}
	a.auth, err = authapi.NewHandler(log, authapi.LoadConfigFromEnv(), a.svc, opts...)
	if err != nil {
		return nil, err
	}

	log.Info("auth.ready",
		"token_format", sessCfg.TokenFormat,
		"signing_kid", ring.Active().ID(),
		"access_ttl", sessCfg.AccessTokenTTL,
		"refresh_ttl", sessCfg.RefreshTokenTTL,
		"refresh_hash_keyed", hasher.Keyed(),
	)
	return a, nil
}

// ReloadSigningKeys re-reads the signing keys and swaps them into the running
// codec. On error the current ring stays in use.
func (a *App) ReloadSigningKeys() error {
	ring, err := a.sessCfg.KeyRing()
	if err != nil {
		a.log.Error("security.signing_keys.reload.fail", "err", err)
		return err
	}
	prev := a.codec.KeyRing().Active().ID()
	if err := a.codec.SetKeyRing(ring); err != nil {
		a.log.Error("security.signing_keys.reload.fail", "err", err)
		return err
	}
	warnExpiringKeys(ring, time.Now(), a.log)
	a.log.Info("security.signing_keys.reloaded", "previous_kid", prev, "signing_kid", ring.Active().ID())
	return nil
}

// watchKeyReloads reloads signing keys on SIGHUP until ctx is done. Keys from
// the environment cannot change in a running process, so only a key file is
// watched.
func (a *App) watchKeyReloads(ctx context.Context) {
	if a.sessCfg.SigningKeysFile == "" {
		return
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				_ = a.ReloadSigningKeys()
			}
		}
	}()
}

// openStores picks Postgres when a database URL is configured and in-memory
// stores otherwise.
func (a *App) openStores(ctx context.Context) (identity.Store, session.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return identity.NewMemoryStore(), session.NewMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	a.pool = pool

	principals, err := identity.NewPostgresStore(pool, identity.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, err
	}
	tokens, err := session.NewPostgresStore(pool, a.cfg.DBSchema)
	if err != nil {
		return nil, nil, err
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return principals, tokens, nil
}

func (a *App) registerEventMetrics() {
	a.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "credo",
			Subsystem: "audit",
			Name:      "events_dropped_total",
			Help:      "Security events discarded because the dispatch buffer was full.",
		}, func() float64 { return float64(a.events.Dropped()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "credo",
			Subsystem: "audit",
			Name:      "feed_subscribers",
			Help:      "Connected security event feed monitors.",
		}, func() float64 { return float64(a.feed.Subscribers()) }),
	)
}

// Run starts the HTTP server and blocks until ctx is canceled or the server
// fails. Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.watchKeyReloads(ctx)

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil, "redis_enabled", a.redis != nil)

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
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// Close flushes pending security events and releases connections. It is safe
// to call more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.events != nil {
		a.events.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.log.Warn("redis.close.fail", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
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
