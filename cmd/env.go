package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/circlesave/circle-matcher/internal/config"
	"github.com/circlesave/circle-matcher/internal/geo"
	"github.com/circlesave/circle-matcher/internal/matching"
	"github.com/circlesave/circle-matcher/internal/naming"
	"github.com/circlesave/circle-matcher/internal/resilience"
	"github.com/circlesave/circle-matcher/internal/runlock"
	"github.com/circlesave/circle-matcher/internal/store"
	"github.com/circlesave/circle-matcher/pkg/geocode"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "circles.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLocker returns the Redis lock when redis.url is set and the in-process
// lock otherwise. The returned close func is never nil.
func initLocker(ctx context.Context) (runlock.Locker, func(), error) {
	if cfg.Redis.URL == "" {
		return runlock.NewLocal(), func() {}, nil
	}
	l, err := runlock.NewRedis(ctx, cfg.Redis.URL, time.Duration(cfg.Redis.LockTTLSecs)*time.Second)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}

func newGeocoder(gc config.GeocodeConfig) *geocode.Client {
	var providers []geocode.Provider
	switch gc.Provider {
	case "opencage":
		providers = append(providers, geocode.NewOpenCageProvider(gc.OpenCageKey, nil))
		if gc.GoogleKey != "" {
			providers = append(providers, geocode.NewGoogleProvider(gc.GoogleKey, nil))
		}
	case "google":
		providers = append(providers, geocode.NewGoogleProvider(gc.GoogleKey, nil))
	}
	return geocode.NewClient(
		geocode.WithProviders(providers...),
		geocode.WithCountry(gc.CountryCode, gc.CountryName),
		geocode.WithMinInterval(time.Duration(gc.MinIntervalMs)*time.Millisecond),
		geocode.WithTimeout(time.Duration(gc.TimeoutSecs)*time.Second),
		geocode.WithRetry(resilience.FromRetryConfig(gc.RetryAttempts, 0, 0)),
		geocode.WithCircuitBreaker(resilience.FromCircuitConfig(gc.CircuitThreshold, gc.CircuitResetSecs)),
		geocode.WithReverseLookup(gc.ReverseLookup),
	)
}

func newResolver(st store.Store, gc config.GeocodeConfig, client *geocode.Client) *geo.Resolver {
	return geo.NewResolver(st, client,
		geo.WithCacheTTL(time.Duration(gc.CacheTTLDays)*24*time.Hour),
		geo.WithCountry(gc.CountryCode),
	)
}

// engine holds everything a matching run needs.
type engine struct {
	Store        store.Store
	Resolver     *geo.Resolver
	Orchestrator *matching.Orchestrator
	closeLock    func()
}

// Close releases the lock client and the store.
func (e *engine) Close() {
	if e.closeLock != nil {
		e.closeLock()
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}

func initEngine(ctx context.Context) (*engine, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engine{Store: st}
	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, err
	}

	locker, closeLock, err := initLocker(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closeLock = closeLock

	namer, err := naming.New(cfg.Naming, st)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Resolver = newResolver(st, cfg.Geocode, newGeocoder(cfg.Geocode))
	env.Orchestrator = matching.New(cfg.Matching, matching.Deps{
		Repo:      st,
		Locations: env.Resolver,
		Distance:  geo.NewCalculator(env.Resolver),
		Namer:     namer,
		Locker:    locker,
	})
	return env, nil
}
