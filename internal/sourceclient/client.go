package sourceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gather-ingest/internal/logging"

	"github.com/rs/zerolog"
)

// EndpointClass buckets endpoints that share a vendor rate limit. Vendors
// commonly give search a much tighter budget than plain reads.
type EndpointClass string

const (
	ClassGeneral EndpointClass = "general"
	ClassSearch  EndpointClass = "search"
)

// LimiterParams are the token-bucket settings for one endpoint class.
type LimiterParams struct {
	RequestsPerMinute float64
	Burst             int
}

// limiterKey identifies one shared bucket. Limiters are process-global per
// (tenant, source, class) so historical and incremental extractors for the
// same tenant draw from one budget.
type limiterKey struct {
	TenantID string
	Source   string
	Class    EndpointClass
}

var (
	limiterMu  sync.Mutex
	limiters   = map[limiterKey]*rate.Limiter{}
)

func sharedLimiter(tenantID, source string, class EndpointClass, params LimiterParams) *rate.Limiter {
	limiterMu.Lock()
	defer limiterMu.Unlock()
	key := limiterKey{TenantID: tenantID, Source: source, Class: class}
	if l, ok := limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(params.RequestsPerMinute/60.0), params.Burst)
	limiters[key] = l
	return l
}

// Options configures a base client.
type Options struct {
	TenantID string
	Source   string
	BaseURL  string
	// Token is sent as a Bearer credential. Pylon-style API keys go through
	// the same header.
	Token string
	// Limits maps endpoint classes to bucket parameters. Absent classes
	// fall back to ClassGeneral's bucket.
	Limits map[EndpointClass]LimiterParams
	// ProbeRateHeader enables a one-shot limiter upgrade from the
	// X-RateLimit-Limit header on the first successful response.
	ProbeRateHeader bool
}

// Client is the rate-limited HTTP client shared by all vendor clients for
// one (tenant, source). It never retries internally; 429/5xx/timeouts all
// surface as RateLimitedError for the caller's Retry wrapper.
type Client struct {
	http     *http.Client
	baseURL  string
	token    string
	tenantID string
	source   string
	limits   map[EndpointClass]*rate.Limiter
	log      zerolog.Logger

	probeOnce   sync.Once
	probeHeader bool
}

// NewClient builds a client with capped connection pooling and split
// connect/read timeouts.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		MaxConnsPerHost:     15,
		MaxIdleConnsPerHost: 15,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout: 5 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	limits := map[EndpointClass]*rate.Limiter{}
	general, ok := opts.Limits[ClassGeneral]
	if !ok {
		// Lowest published tier when the vendor exposes nothing.
		general = LimiterParams{RequestsPerMinute: 150, Burst: 10}
	}
	limits[ClassGeneral] = sharedLimiter(opts.TenantID, opts.Source, ClassGeneral, general)
	for class, params := range opts.Limits {
		if class == ClassGeneral {
			continue
		}
		limits[class] = sharedLimiter(opts.TenantID, opts.Source, class, params)
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   35 * time.Second,
		},
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		token:       opts.Token,
		tenantID:    opts.TenantID,
		source:      opts.Source,
		limits:      limits,
		log:         logging.WithTenant("sourceclient."+opts.Source, opts.TenantID),
		probeHeader: opts.ProbeRateHeader,
	}
}

func (c *Client) limiter(class EndpointClass) *rate.Limiter {
	if l, ok := c.limits[class]; ok {
		return l
	}
	return c.limits[ClassGeneral]
}

// Do issues one request and decodes a JSON response into out (out may be
// nil). Method is GET/POST/etc; body non-nil is JSON-encoded.
func (c *Client) Do(ctx context.Context, class EndpointClass, method, path string, query url.Values, body any, out any) error {
	if err := c.limiter(class).Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			// Reflow through the standard retry wrapper.
			return &RateLimitedError{RetryAfter: 10 * time.Second}
		}
		return err
	}
	defer resp.Body.Close()

	if c.probeHeader {
		c.probeOnce.Do(func() { c.maybeUpgradeLimiter(class, resp) })
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response from %s %s: %w", method, path, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	return c.mapError(resp, raw, path)
}

func (c *Client) mapError(resp *http.Response, body []byte, path string) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &RateLimitedError{RetryAfter: 10 * time.Second}
	case resp.StatusCode == http.StatusPaymentRequired:
		return &PaymentRequiredError{}
	case resp.StatusCode == http.StatusPreconditionFailed:
		// Asana signals an expired sync token with 412 and, helpfully,
		// hands back a fresh one in the error body.
		return &InvalidSyncTokenError{FreshToken: extractSyncToken(body)}
	case resp.StatusCode == http.StatusForbidden && bytes.Contains(body, []byte("service_account")):
		return &ServiceAccountOnlyError{}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return &NotFoundError{StatusCode: resp.StatusCode, EntityID: path}
	default:
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// maybeUpgradeLimiter reads the vendor's advertised per-minute budget from
// the first response and widens the default bucket if the plan allows more.
func (c *Client) maybeUpgradeLimiter(class EndpointClass, resp *http.Response) {
	v := resp.Header.Get("X-RateLimit-Limit")
	if v == "" {
		return
	}
	perMinute, err := strconv.ParseFloat(v, 64)
	if err != nil || perMinute <= 0 {
		return
	}
	l := c.limiter(class)
	upgraded := rate.Limit(perMinute / 60.0)
	if upgraded > l.Limit() {
		c.log.Info().Float64("requests_per_minute", perMinute).Msg("upgrading rate limiter from probe")
		l.SetLimit(upgraded)
	}
}

// parseRetryAfter accepts delta-seconds or a unix epoch, per RFC 7231 plus
// the epoch form some vendors send.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 10 * time.Second
	}
	// Values that look like an epoch are converted to a delta.
	if n > 1_000_000_000 {
		d := time.Until(time.Unix(n, 0))
		if d < time.Second {
			d = time.Second
		}
		return d
	}
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * time.Second
}

func extractSyncToken(body []byte) string {
	var payload struct {
		Sync string `json:"sync"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Sync
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
