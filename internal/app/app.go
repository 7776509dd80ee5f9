// Package app assembles the services shared by the api and syncctl binaries.
package app

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ledgerlink.org/internal/batch"
	"ledgerlink.org/internal/config"
	"ledgerlink.org/internal/consent"
	"ledgerlink.org/internal/credentials"
	"ledgerlink.org/internal/httpapi"
	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/lock"
	"ledgerlink.org/internal/obs"
	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/reconcile"
	"ledgerlink.org/internal/store/pg"
	"ledgerlink.org/internal/stream"
	"ledgerlink.org/internal/syncstate"
)

// App holds one fully wired instance of the engine.
type App struct {
	Config    config.Config
	Registry  *provider.Registry
	Stream    *stream.Stream
	Consent   *consent.Manager
	Sync      *batch.Orchestrator
	Reconcile *reconcile.Service
	Tracker   syncstate.Tracker
	Ledger    ledger.Source
	Ready     httpapi.ReadyProbe

	closers []func() error
}

// New wires services from cfg. Without a DSN everything stays in memory; that
// mode accepts a missing seal key and seals with a throwaway one.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg, Stream: stream.New()}
	log := obs.Logger()

	sealer, err := cfg.Sealer()
	if err != nil {
		if cfg.PGDSN != "" {
			return nil, err
		}
		log.Warn("no seal key configured; using an ephemeral key")
		if sealer, err = ephemeralSealer(); err != nil {
			return nil, err
		}
	}

	var (
		creds   credentials.Store
		matches reconcile.Repository
	)
	if cfg.PGDSN != "" {
		st, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		a.Ready.DB = st.DB()
		a.Tracker = st.Tracker()
		a.Ledger = st.Ledger()
		creds = st.Credentials(sealer)
		matches = st.Matches()
	} else {
		log.Warn("LEDGERLINK_PG_DSN not set; state is kept in memory")
		a.Tracker = syncstate.NewInMemory()
		a.Ledger = ledger.NewInMemory()
		creds = credentials.NewInMemory(sealer)
		matches = reconcile.NewInMemory()
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, rdb.Close)
		a.Ready.Redis = rdb
		locker = lock.Chain{locker, lock.NewRedis(rdb, lock.WithTTL(cfg.Sync.PendingLease))}
	}

	a.Registry = cfg.Registry(nil)
	a.Consent = consent.NewManager(creds, a.Registry, consent.WithLocker(locker), consent.WithStream(a.Stream))
	a.Sync = batch.New(cfg.Sync, a.Ledger, a.Tracker, a.Consent, a.Registry,
		batch.WithLocker(locker), batch.WithStream(a.Stream))
	a.Reconcile = reconcile.NewService(a.Ledger, a.Registry, a.Consent, matches, cfg.Reconcile,
		reconcile.WithStream(a.Stream))

	if err := a.Ready.Check(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("backing stores not ready: %w", err)
	}
	return a, nil
}

// HTTP builds the HTTP API over the wired services.
func (a *App) HTTP(version string) *httpapi.API {
	return httpapi.New(httpapi.Deps{
		Ready:       a.Ready,
		Version:     version,
		Sync:        a.Sync,
		Connections: a.Consent,
		Reconcile:   a.Reconcile,
		Records:     a.Tracker,
		Stream:      a.Stream,
		DevTokens:   a.Config.DevTokens,
	})
}

// Close releases backing connections in reverse order of opening.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func ephemeralSealer() (credentials.Sealer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return credentials.NewXChaCha(key)
}
