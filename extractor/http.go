package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DefaultBaseURL is the public Chizhik web API.
const DefaultBaseURL = "https://app.chizhik.club/api/v1/"

const (
	pathOffers   = "x5id/offers/active_inout/"
	pathCities   = "geo/cities/"
	pathTree     = "catalog/unauthorized/categories/"
	pathProducts = "catalog/unauthorized/products/"

	maxBody     = 16 << 20
	maxErrBody  = 512
	defaultUA   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0 Safari/537.36"
	defaultWait = 30 * time.Second
)

type httpConfig struct {
	baseURL   string
	proxy     string
	userAgent string
	timeout   time.Duration
	retryMax  int
	log       *zap.Logger
	transport http.RoundTripper
}

// HTTPOption configures an HTTP client.
type HTTPOption func(*httpConfig)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) HTTPOption {
	return func(c *httpConfig) { c.baseURL = u }
}

// WithProxy routes every request through the given proxy URL.
func WithProxy(proxy string) HTTPOption {
	return func(c *httpConfig) { c.proxy = proxy }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(c *httpConfig) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithRequestTimeout bounds a single HTTP attempt.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetryMax sets how many times a failed request is retried by the
// transport before the error reaches the caller.
func WithRetryMax(n int) HTTPOption {
	return func(c *httpConfig) {
		if n >= 0 {
			c.retryMax = n
		}
	}
}

// WithLogger sets the logger for transport retries.
func WithLogger(l *zap.Logger) HTTPOption {
	return func(c *httpConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTransport replaces the base transport. Mostly for tests.
func WithTransport(rt http.RoundTripper) HTTPOption {
	return func(c *httpConfig) { c.transport = rt }
}

// HTTP talks to the Chizhik web API. The cookie jar it builds during Warmup
// is the session; Close discards it.
type HTTP struct {
	base      *url.URL
	userAgent string
	rc        *retryablehttp.Client
	closed    atomic.Bool
}

var _ Client = (*HTTP)(nil)

// NewHTTP builds a client without contacting the upstream.
func NewHTTP(opts ...HTTPOption) (*HTTP, error) {
	cfg := httpConfig{
		baseURL:   DefaultBaseURL,
		userAgent: defaultUA,
		timeout:   defaultWait,
		retryMax:  2,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	base, err := url.Parse(cfg.baseURL)
	if err != nil {
		return nil, fmt.Errorf("extractor: base url: %w", err)
	}

	transport := cfg.transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.proxy != "" {
			pu, err := url.Parse(cfg.proxy)
			if err != nil {
				return nil, fmt.Errorf("extractor: proxy url: %w", err)
			}
			t.Proxy = http.ProxyURL(pu)
		}
		transport = t
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("extractor: cookie jar: %w", err)
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport, Jar: jar, Timeout: cfg.timeout}
	rc.RetryMax = cfg.retryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = zapLeveled{cfg.log.Sugar()}
	// Hand exhausted 5xx answers back so they surface as *StatusError.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTP{base: base, userAgent: cfg.userAgent, rc: rc}, nil
}

// NewHTTPFactory returns a Factory creating a warmed-up HTTP client per
// session.
func NewHTTPFactory(opts ...HTTPOption) Factory {
	return func(ctx context.Context) (Client, error) {
		c, err := NewHTTP(opts...)
		if err != nil {
			return nil, err
		}
		if err := c.Warmup(ctx); err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
		return c, nil
	}
}

// Warmup loads the API root so the upstream issues its session cookies.
func (c *HTTP) Warmup(ctx context.Context) error {
	_, err := c.get(ctx, "", nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
		// The root answers 404 on some deployments; cookies are set anyway.
		return nil
	}
	return err
}

// ActiveOffers fetches the current promotional offers.
func (c *HTTP) ActiveOffers(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, pathOffers, nil)
}

// Cities searches cities by name, one page at a time.
func (c *HTTP) Cities(ctx context.Context, search string, page int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("name", search)
	q.Set("page", strconv.Itoa(page))
	return c.get(ctx, pathCities, q)
}

// Tree fetches the category tree, for cityID when it is set.
func (c *HTTP) Tree(ctx context.Context, cityID string) (json.RawMessage, error) {
	q := url.Values{}
	if cityID != "" {
		q.Set("city_id", cityID)
	}
	return c.get(ctx, pathTree, q)
}

// Products fetches one page of a category listing.
func (c *HTTP) Products(ctx context.Context, cityID string, categoryID, page int) (json.RawMessage, error) {
	q := url.Values{}
	if cityID != "" {
		q.Set("city_id", cityID)
	}
	q.Set("category_id", strconv.Itoa(categoryID))
	q.Set("page", strconv.Itoa(page))
	return c.get(ctx, pathProducts, q)
}

// Close ends the session. Later calls fail with ErrClosed.
func (c *HTTP) Close(context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.rc.HTTPClient.CloseIdleConnections()
	return nil
}

func (c *HTTP) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	u := c.base.JoinPath(path)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("extractor: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.rc.Do(req)
	if err != nil {
		if c.closed.Load() {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &StatusError{Code: resp.StatusCode, Path: "/" + path, Body: string(body)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("extractor: read %s: %w", path, err)
	}
	if path != "" && !json.Valid(body) {
		return nil, fmt.Errorf("extractor: %s: response is not JSON", "/"+path)
	}
	return json.RawMessage(body), nil
}

// zapLeveled adapts a sugared zap logger to retryablehttp.LeveledLogger.
type zapLeveled struct{ s *zap.SugaredLogger }

func (z zapLeveled) Error(msg string, kv ...any) { z.s.Errorw(msg, kv...) }
func (z zapLeveled) Info(msg string, kv ...any)  { z.s.Debugw(msg, kv...) }
func (z zapLeveled) Debug(msg string, kv ...any) { z.s.Debugw(msg, kv...) }
func (z zapLeveled) Warn(msg string, kv ...any)  { z.s.Warnw(msg, kv...) }
