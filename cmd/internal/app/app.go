// Package app wires the tether relay runtime: config, logging, HTTP routes,
// and the websocket gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tether/cmd/internal/backbone"
	"tether/cmd/internal/publisher"
	"tether/cmd/internal/relay"
	"tether/cmd/internal/sideeffect"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the relay server runtime: it owns HTTP server wiring and gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	metricsReg *prometheus.Registry

	gateway *relay.Gateway

	notifierPub *publisher.Publisher
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, dbPool, dbEnabled, presence, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := relay.NewMetrics(metricsReg)

	notifier, notifierPub, err := newNotifier(cfg, log)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	gateway := relay.NewGateway(
		log,
		relay.NewRegistry(log),
		newTokenValidator(cfg),
		presence,
		notifier,
		metrics,
	)

	return &App{
		cfg:         cfg,
		log:         log,
		store:       st,
		dbPool:      dbPool,
		dbEnabled:   dbEnabled,
		metricsReg:  metricsReg,
		gateway:     gateway,
		notifierPub: notifierPub,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway, a.metricsReg)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", runtimeBaseURL(a.cfg.HTTPAddr),
		"ws_url", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/ws",
		"db_enabled", a.dbEnabled,
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
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.notifierPub != nil {
		a.notifierPub.Close()
	}
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
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

// newTokenValidator builds the device credential check from config.
// With RequireTokenHMAC the configured values are digests.
func newTokenValidator(cfg Config) relay.TokenValidator {
	roles := make(map[string]string, len(cfg.ExecutorDevices))
	for _, deviceID := range cfg.ExecutorDevices {
		roles[deviceID] = relay.RoleExecutor
	}

	if cfg.RequireTokenHMAC {
		return &relay.HashedTokenValidator{Digests: cfg.DeviceTokens, Roles: roles}
	}
	return &relay.StaticTokenValidator{Tokens: cfg.DeviceTokens, Roles: roles}
}

// newNotifier wires lifecycle side-effects onto the backbone when a broker
// socket is configured; otherwise relay events stay local.
func newNotifier(cfg Config, log Logger) (relay.Notifier, *publisher.Publisher, error) {
	if cfg.NotifyBrokerSocket == "" {
		return relay.NopNotifier{}, nil, nil
	}

	conn, err := backbone.NewAblyConn(backbone.Options{
		BrokerSocketPath: cfg.NotifyBrokerSocket,
		BrokerToken:      cfg.NotifyBrokerToken,
		Audience:         "relay_notifier",
		DeviceID:         cfg.NotifyDeviceID,
		Logger:           log,
	})
	if err != nil {
		return nil, nil, err
	}

	pub, err := publisher.New(conn, publisher.Options{
		DefaultChannel: cfg.NotifyChannel,
		Logger:         log,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	// Connect lazily bounded; a cold backbone must not block server start.
	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pub.Connect(connectCtx); err != nil {
		log.Warn("notifier.connect.fail", "err", err)
	}

	return &backboneNotifier{pub: pub}, pub, nil
}

// backboneNotifier publishes relay lifecycle events as side-effects.
type backboneNotifier struct {
	pub *publisher.Publisher
}

func (n *backboneNotifier) SessionEnded(ctx context.Context, sessionID, deviceID string) {
	_ = n.pub.Publish(ctx, sideeffect.SideEffect{
		Type:      sideeffect.SessionClosed,
		SessionID: sessionID,
		DeviceID:  deviceID,
	})
}

func (n *backboneNotifier) MemberLeft(ctx context.Context, sessionID, deviceID string) {
	_ = n.pub.Publish(ctx, sideeffect.SideEffect{
		Type:      sideeffect.SessionUpdated,
		SessionID: sessionID,
		DeviceID:  deviceID,
		Status:    "member_left",
	})
}

// newStore decides between Postgres-backed presence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, relay.PresenceStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, relay.NewInMemoryPresenceStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresPresenceStore.Close() is a no-op
	presence, err := relay.NewPostgresPresenceStore(pool) // default schema "tether"
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool, presence: presence}, pool, true, presence, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	presence relay.PresenceStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.presence != nil {
		_ = s.presence.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// runtimeBaseURL converts a bind address into a dialable HTTP base URL.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL maps an HTTP base URL onto its websocket scheme.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
