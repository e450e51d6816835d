// Package geo resolves postal codes to coordinates through the location
// cache and the geocoding client, and computes distances between postal
// codes with a deterministic fallback when resolution fails.
package geo

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/circlesave/circle-matcher/internal/model"
	"github.com/circlesave/circle-matcher/pkg/geocode"
)

// ErrNotFound is returned when a postal code cannot be resolved from the
// cache or any provider.
var ErrNotFound = eris.New("geo: postal code not resolved")

// Cache is the persistent location cache.
type Cache interface {
	// GetCachedCoordinates returns nil, nil on a miss.
	GetCachedCoordinates(ctx context.Context, postalCode string) (*model.LocationEntry, error)
	UpsertCachedCoordinates(ctx context.Context, entry model.LocationEntry) error
}

// Geocoder looks up postal codes with an external provider.
type Geocoder interface {
	Enabled() bool
	Lookup(ctx context.Context, postalCode string) (*geocode.Result, error)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL treats cache entries older than ttl as misses. Zero keeps
// entries forever.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

// WithCountry sets the country stamped on cache entries.
func WithCountry(code string) ResolverOption {
	return func(r *Resolver) {
		r.country = code
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// Resolver resolves postal codes: cache first, then the geocoder, persisting
// accepted results. Results and misses are memoized until Reset so a run
// resolves each code at most once.
type Resolver struct {
	cache    Cache
	geocoder Geocoder
	ttl      time.Duration
	country  string
	now      func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	memo  map[string]*model.LocationEntry // nil value = known miss
}

// NewResolver creates a Resolver. geocoder may be nil to run cache-only.
func NewResolver(cache Cache, geocoder Geocoder, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		cache:    cache,
		geocoder: geocoder,
		country:  "ca",
		now:      time.Now,
		memo:     make(map[string]*model.LocationEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reset clears the in-run memo.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo = make(map[string]*model.LocationEntry)
}

// Resolve returns the location for postalCode or ErrNotFound. Cache and
// provider failures are logged and reported as ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, postalCode string) (*model.LocationEntry, error) {
	code := model.NormalizePostalCode(postalCode)
	if code == "" {
		return nil, ErrNotFound
	}

	r.mu.RLock()
	entry, seen := r.memo[code]
	r.mu.RUnlock()
	if seen {
		if entry == nil {
			return nil, ErrNotFound
		}
		return entry, nil
	}

	v, _, _ := r.group.Do(code, func() (any, error) {
		entry := r.resolve(ctx, code)
		r.mu.Lock()
		r.memo[code] = entry
		r.mu.Unlock()
		return entry, nil
	})
	entry = v.(*model.LocationEntry)
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (r *Resolver) resolve(ctx context.Context, code string) *model.LocationEntry {
	log := zap.L().With(zap.String("postal_code", code))

	cached, err := r.cache.GetCachedCoordinates(ctx, code)
	if err != nil {
		log.Warn("geo: cache read failed", zap.Error(err))
		cached = nil
	}
	if cached != nil && !r.stale(cached) {
		return cached
	}

	if r.geocoder == nil || !r.geocoder.Enabled() {
		return cached
	}

	res, err := r.geocoder.Lookup(ctx, code)
	if err != nil {
		if geocode.IsNotFound(err) {
			log.Debug("geo: no provider result", zap.Error(err))
		} else {
			log.Warn("geo: provider failed, using fallback", zap.Error(err))
		}
		// A stale entry beats the heuristic.
		return cached
	}

	entry := &model.LocationEntry{
		PostalCode: code,
		Coordinates: model.Coordinates{
			Latitude:  res.Latitude,
			Longitude: res.Longitude,
		},
		City:       res.City,
		Region:     res.Region,
		Country:    r.country,
		GeocodedAt: r.now().UTC(),
	}
	if err := r.cache.UpsertCachedCoordinates(ctx, *entry); err != nil {
		log.Warn("geo: cache write failed", zap.Error(err))
	}
	return entry
}

func (r *Resolver) stale(e *model.LocationEntry) bool {
	return r.ttl > 0 && r.now().Sub(e.GeocodedAt) > r.ttl
}

// Prefetch resolves distinct codes ahead of scoring. Cache reads run with
// the given concurrency; provider calls are serialized by the geocoder's
// limiter.
func (r *Resolver) Prefetch(ctx context.Context, codes []string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	seen := make(map[string]struct{}, len(codes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, c := range codes {
		code := model.NormalizePostalCode(c)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		g.Go(func() error {
			_, _ = r.Resolve(gctx, code)
			return nil
		})
	}
	_ = g.Wait()
}

// WarmReport summarizes a cache warmup.
type WarmReport struct {
	Total    int `json:"total"`
	Geocoded int `json:"geocoded"`
	Failed   int `json:"failed"`
}

// Warm resolves each code sequentially so uncached codes land in the cache
// before a matching run. It stops early if ctx is cancelled.
func (r *Resolver) Warm(ctx context.Context, codes []string) WarmReport {
	report := WarmReport{Total: len(codes)}
	for i, code := range codes {
		if ctx.Err() != nil {
			report.Failed += len(codes) - i
			break
		}
		if _, err := r.Resolve(ctx, code); err != nil {
			report.Failed++
			continue
		}
		report.Geocoded++
		if (i+1)%100 == 0 {
			zap.L().Info("geo: warmup progress",
				zap.Int("done", i+1),
				zap.Int("total", len(codes)),
			)
		}
	}
	return report
}
