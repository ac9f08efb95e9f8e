package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/applypilot/creditgate/internal/api"
	"github.com/applypilot/creditgate/internal/app/admin"
	"github.com/applypilot/creditgate/internal/app/ledger"
	"github.com/applypilot/creditgate/internal/app/payment"
	"github.com/applypilot/creditgate/internal/app/session"
	"github.com/applypilot/creditgate/internal/infra/gateway"
	"github.com/applypilot/creditgate/internal/infra/sqlite"
)

const shutdownTimeout = 10 * time.Second

// Daemon owns the database and the services built on it.
type Daemon struct {
	Config   Config
	Logger   *slog.Logger
	DB       *sqlite.DB
	Ledger   *ledger.Service
	Sessions *session.Manager
	Payments *payment.Reconciler
	Admin    *admin.Service
}

// New opens the store and wires every service. cfg must have passed
// Validate.
func New(cfg Config, logger *slog.Logger) (*Daemon, error) {
	db, err := sqlite.OpenWithOptions(cfg.Database.Dir, sqlite.Options{
		BusyTimeout:  mustDuration(cfg.Database.BusyTimeout),
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	storeTimeout := mustDuration(cfg.Database.StoreTimeout)

	l := ledger.New(db, ledger.Config{
		EarlyAdopterLimit: cfg.Ledger.EarlyAdopterLimit,
		EarlyAdopterGrant: cfg.Ledger.EarlyAdopterGrant,
		StoreTimeout:      storeTimeout,
	}, ledger.WithLogger(logger))

	sm := session.New(db, session.Config{
		TTL:           mustDuration(cfg.Session.TTL),
		Grace:         mustDuration(cfg.Session.Grace),
		SweepInterval: mustDuration(cfg.Session.SweepInterval),
		StoreTimeout:  storeTimeout,
	}, session.WithLogger(logger), session.WithSuspensionChecker(l))

	var gw payment.Gateway
	if cfg.Gateway.BaseURL != "" {
		client, err := gateway.New(gateway.Config{
			BaseURL: cfg.Gateway.BaseURL,
			APIKey:  cfg.Gateway.APIKey,
			Timeout: mustDuration(cfg.Gateway.Timeout),
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		gw = client
	} else {
		logger.Warn("gateway.base_url not set; duplicate subscriptions cannot be canceled")
	}
	if cfg.Payment.WebhookSecret == "" {
		logger.Warn("payment webhook secret not set; every webhook will be rejected")
	}

	verifier := payment.NewVerifier(cfg.Payment.WebhookSecret)
	verifier.Tolerance = mustDuration(cfg.Payment.Tolerance)

	rec := payment.New(l, db, gw, verifier, payment.Config{
		StoreTimeout:   storeTimeout,
		GatewayTimeout: mustDuration(cfg.Gateway.Timeout),
	}, payment.WithLogger(logger))

	return &Daemon{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Ledger:   l,
		Sessions: sm,
		Payments: rec,
		Admin:    admin.New(l, sm, logger),
	}, nil
}

// Close releases the database.
func (d *Daemon) Close() error { return d.DB.Close() }

// Handler builds the HTTP handler.
func (d *Daemon) Handler() http.Handler {
	srv := api.NewServer(d.Ledger, d.Sessions, d.Payments, d.Admin)
	srv.SetLogger(d.Logger)
	srv.SetAdminAllowList(d.Config.AdminAllowed)
	srv.SetRequestTimeout(mustDuration(d.Config.API.RequestTimeout))
	srv.SetMaxInFlight(d.Config.API.MaxInFlight)
	srv.SetHealthCheck(d.DB.Ping)
	if d.Config.API.Metrics {
		srv.EnableMetrics()
	}
	return srv.Handler()
}

// Addr is the listen address.
func (d *Daemon) Addr() string {
	return net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
}

// Run serves HTTP and sweeps sessions until ctx is cancelled, then shuts
// down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		d.Sessions.Start(ctx)
	}()

	httpSrv := &http.Server{
		Addr:              d.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		d.Logger.Info("creditgate listening", "addr", httpSrv.Addr, "db", d.DB.Path())
		serveErr <- httpSrv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = fmt.Errorf("shutdown: %w", serr)
	}
	cancel()
	<-sweeperDone
	d.Logger.Info("creditgate stopped")
	return err
}
