package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"ledgerlink.org/internal/app"
	"ledgerlink.org/internal/auth"
	"ledgerlink.org/internal/config"
	"ledgerlink.org/internal/httpapi"
	"ledgerlink.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo("api", version, commit)
	if cfg.AuthSecret != "" {
		auth.SetSecret(cfg.AuthSecret)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("wire services")
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.HTTP(version).Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE subscribers hold the connection open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCServer(a.Ready, version)
	health.Register(grpcSrv)
	go health.Watch(ctx, 15*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("grpc listen")
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.WithError(err).Error("grpc serve")
		}
	}()

	go func() {
		log.WithField("addr", srv.Addr).WithField("version", version).Info("starting ledgerlink-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	go sweepConsents(ctx, a, cfg.SweepEvery, cfg.ConsentWarn)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Info("stopped")
}

func sweepConsents(ctx context.Context, a *app.App, every, warn time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		rep, err := a.Consent.Sweep(ctx, time.Now().UTC(), warn)
		if err != nil && ctx.Err() == nil {
			obs.Logger().WithError(err).Warn("consent sweep failed")
		} else if err == nil {
			obs.Logger().WithField("expired", len(rep.Expired)).WithField("expiring", len(rep.Expiring)).Info("consent sweep")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
