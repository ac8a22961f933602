package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wacast/internal/config"
	"wacast/internal/dispatch"
	"wacast/internal/httpserver"
	"wacast/internal/logging"
	"wacast/internal/observability"
	"wacast/internal/providers/whatsapp"
	"wacast/internal/service"
	"wacast/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	dbStore := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	sendTimeout, err := time.ParseDuration(cfg.WASendTimeout)
	if err != nil {
		slog.Error("invalid WA_SEND_TIMEOUT", "err", err)
		os.Exit(1)
	}

	wa := &whatsapp.Client{
		AccessToken:   cfg.WAAccessToken,
		PhoneNumberID: cfg.WAPhoneNumberID,
		HTTP:          &http.Client{Timeout: sendTimeout + 2*time.Second},
		BaseURL:       cfg.WABaseURL,
		APIVersion:    cfg.WAAPIVersion,
	}

	var limiter *rate.Limiter
	if cfg.WARPSGuardrail > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.WARPSGuardrail), cfg.WABurst)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "whatsapp",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	dispatcher := &dispatch.Dispatcher{
		Store:       dbStore,
		Sender:      wa,
		Limiter:     limiter,
		Breaker:     cb,
		SendTimeout: sendTimeout,
	}

	svc := &service.CampaignService{
		Store:       dbStore,
		Dispatcher:  dispatcher,
		DispatchCtx: ctx,
	}

	// Campaigns left in sending by a previous process have no loop; pick
	// them back up before serving traffic.
	if n, err := svc.ResumeInFlight(ctx); err != nil {
		slog.Error("resume of interrupted campaigns failed", "err", err)
	} else if n > 0 {
		slog.Info("resumed interrupted campaigns", "count", n)
	}

	s := httpserver.New()
	api := &httpserver.API{Svc: svc}

	v1 := s.Mux.PathPrefix("/v1").Subrouter()
	v1.Use(httpserver.APIKeyAuth(cfg.APIKey))
	v1.Use(httpserver.Metrics(observability.APIRequests))
	api.Register(v1)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(s.Mux),
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
