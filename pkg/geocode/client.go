// Package geocode resolves postal codes to coordinates through external
// geocoding providers (OpenCage primary, Google fallback) with rate limiting,
// retries and a circuit breaker per provider.
package geocode

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/circlesave/circle-matcher/internal/resilience"
)

const userAgent = "circle-matcher/1.0"

// Query is a forward geocoding request for one postal code.
type Query struct {
	PostalCode  string // normalized, see NormalizePostalCode
	CountryCode string // ISO 3166-1 alpha-2, lower case
	CountryName string
}

// Result holds the geocoding output for a postal code.
type Result struct {
	Latitude    float64
	Longitude   float64
	PostalCode  string // as reported by the provider
	CountryCode string
	City        string
	Region      string
	Source      string // "opencage" or "google"
}

// Place holds reverse geocoding output.
type Place struct {
	City   string
	Region string
}

// Provider represents a single geocoding backend.
type Provider interface {
	Name() string
	// Forward geocodes q. A provider with no result returns a
	// GeocodingError of KindNotFound.
	Forward(ctx context.Context, q Query) (*Result, error)
	Reverse(ctx context.Context, lat, lng float64, countryCode string) (*Place, error)
}

// Option configures the Client.
type Option func(*Client)

// WithProviders sets the providers tried in order.
func WithProviders(providers ...Provider) Option {
	return func(c *Client) {
		c.providers = providers
	}
}

// WithCountry restricts lookups to one country.
func WithCountry(code, name string) Option {
	return func(c *Client) {
		c.countryCode = code
		c.countryName = name
	}
}

// WithMinInterval spaces provider call starts at least d apart.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRetry sets the retry policy for transient provider errors.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithCircuitBreaker sets the per-provider circuit breaker policy.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerCfg = cfg
	}
}

// WithReverseLookup enables city/region enrichment when the forward result
// lacks them.
func WithReverseLookup(enabled bool) Option {
	return func(c *Client) {
		c.reverse = enabled
	}
}

// Client geocodes postal codes by trying providers in order until one returns
// a validated result.
type Client struct {
	providers   []Provider
	breakers    map[string]*resilience.CircuitBreaker
	breakerCfg  resilience.CircuitBreakerConfig
	retry       resilience.RetryConfig
	limiter     *rate.Limiter
	inflight    chan struct{} // one provider call at a time
	timeout     time.Duration
	countryCode string
	countryName string
	reverse     bool
}

// NewClient creates a Client with the given options.
func NewClient(opts ...Option) *Client {
	c := &Client{
		breakerCfg:  resilience.DefaultCircuitBreakerConfig(),
		retry:       resilience.DefaultRetryConfig(),
		limiter:     rate.NewLimiter(rate.Every(1100*time.Millisecond), 1),
		inflight:    make(chan struct{}, 1),
		timeout:     10 * time.Second,
		countryCode: "ca",
		countryName: "Canada",
		reverse:     true,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breakerCfg.ShouldTrip = tripsBreaker
	c.breakers = make(map[string]*resilience.CircuitBreaker, len(c.providers))
	for _, p := range c.providers {
		name := p.Name()
		cfg := c.breakerCfg
		cfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("geocode: circuit state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		c.breakers[name] = resilience.NewCircuitBreaker(cfg)
	}
	return c
}

// Enabled reports whether any provider is configured.
func (c *Client) Enabled() bool {
	return len(c.providers) > 0
}

// Lookup geocodes a postal code. The returned error is always a
// *GeocodingError when non-nil.
func (c *Client) Lookup(ctx context.Context, postalCode string) (*Result, error) {
	q := Query{
		PostalCode:  NormalizePostalCode(postalCode),
		CountryCode: c.countryCode,
		CountryName: c.countryName,
	}
	if len(c.providers) == 0 {
		return nil, &GeocodingError{Kind: KindNotFound, Provider: "none", PostalCode: q.PostalCode}
	}

	var lastErr error
	for _, p := range c.providers {
		res, err := c.forward(ctx, p, q)
		if err == nil {
			err = Validate(q, res)
		}
		if err != nil {
			zap.L().Debug("geocode: provider miss",
				zap.String("provider", p.Name()),
				zap.String("postal_code", q.PostalCode),
				zap.Error(err),
			)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if c.reverse && (res.City == "" || res.Region == "") {
			c.enrich(ctx, p, res)
		}
		return res, nil
	}
	return nil, lastErr
}

func (c *Client) forward(ctx context.Context, p Provider, q Query) (*Result, error) {
	return call(ctx, c, p, q.PostalCode, func(ctx context.Context) (*Result, error) {
		return p.Forward(ctx, q)
	})
}

func (c *Client) enrich(ctx context.Context, p Provider, res *Result) {
	place, err := call(ctx, c, p, res.PostalCode, func(ctx context.Context) (*Place, error) {
		return p.Reverse(ctx, res.Latitude, res.Longitude, c.countryCode)
	})
	if err != nil || place == nil {
		zap.L().Debug("geocode: reverse lookup failed",
			zap.String("provider", p.Name()),
			zap.Float64("lat", res.Latitude),
			zap.Float64("lng", res.Longitude),
			zap.Error(err),
		)
		return
	}
	if res.City == "" {
		res.City = place.City
	}
	if res.Region == "" {
		res.Region = place.Region
	}
}

// call runs fn through the provider's breaker and the retry policy. Each
// attempt holds the client's single in-flight slot from the limiter wait
// until fn returns, so provider calls never overlap.
func call[T any](ctx context.Context, c *Client, p Provider, code string, fn func(ctx context.Context) (T, error)) (T, error) {
	retry := c.retry
	retry.OnRetry = resilience.LogRetry(p.Name(), code)

	val, err := resilience.ExecuteVal(ctx, c.breakers[p.Name()], func(ctx context.Context) (T, error) {
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (T, error) {
			var zero T
			if err := c.acquire(ctx); err != nil {
				return zero, &GeocodingError{Kind: KindCanceled, Provider: p.Name(), PostalCode: code, Err: err}
			}
			defer c.release()

			if err := c.limiter.Wait(ctx); err != nil {
				return zero, &GeocodingError{Kind: KindCanceled, Provider: p.Name(), PostalCode: code, Err: err}
			}
			callCtx := ctx
			if c.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, c.timeout)
				defer cancel()
			}
			return fn(callCtx)
		})
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return val, &GeocodingError{Kind: KindCircuitOpen, Provider: p.Name(), PostalCode: code, Err: err}
	}
	return val, err
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.inflight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.inflight
}

// CircuitStates reports each provider's breaker state by provider name.
func (c *Client) CircuitStates() map[string]string {
	states := make(map[string]string, len(c.breakers))
	for name, cb := range c.breakers {
		states[name] = cb.State().String()
	}
	return states
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
