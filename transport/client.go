package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/restgate/restgate"
	"github.com/restgate/restgate/catalog"
)

// maxBackoff caps exponential backoff between retry attempts.
const maxBackoff = 10 * time.Second

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxAttempts sets the retry attempt cap (including the first attempt).
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithLogger sets the slog logger. Logs never include URLs' query values or
// request bodies; redaction happens upstream of this package.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithAllowInsecureHTTP permits plain http for loopback hosts. Intended for
// local testing only.
func WithAllowInsecureHTTP() Option {
	return func(c *Client) { c.allowInsecureHTTP = true }
}

// WithAllowedHosts constrains base and token URLs to the given hostnames.
func WithAllowedHosts(hosts []string) Option {
	return func(c *Client) {
		c.allowedHosts = make(map[string]struct{}, len(hosts))
		for _, h := range hosts {
			c.allowedHosts[strings.ToLower(h)] = struct{}{}
		}
	}
}

// Client executes upstream calls with bounded retry and URL safety checks.
type Client struct {
	http        *http.Client
	tokens      *TokenCache
	log         *slog.Logger
	maxAttempts int

	allowInsecureHTTP bool
	allowedHosts      map[string]struct{}

	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	jitter func() float64
}

// NewClient builds a transport client around the given token cache.
func NewClient(tokens *TokenCache, opts ...Option) *Client {
	c := &Client{
		http:        &http.Client{Timeout: 60 * time.Second},
		tokens:      tokens,
		log:         slog.New(slog.DiscardHandler),
		maxAttempts: 4,
		sleep:       sleepCtx,
		now:         time.Now,
		jitter:      rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Token resolves a bearer token for creds through the shared cache.
func (c *Client) Token(ctx context.Context, creds Credentials) (string, error) {
	if err := c.checkURL(creds.TokenURL); err != nil {
		return "", err
	}
	return c.tokens.Token(ctx, creds)
}

// checkURL enforces the scheme and host constraints on configured endpoints.
func (c *Client) checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !c.allowInsecureHTTP || !isLoopback(u.Hostname()) {
			return fmt.Errorf("plain http is only permitted for loopback hosts, got %q", u.Host)
		}
	default:
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if len(c.allowedHosts) > 0 {
		if _, ok := c.allowedHosts[strings.ToLower(u.Hostname())]; !ok {
			return fmt.Errorf("host %q is not in the allowed host list", u.Hostname())
		}
	}
	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// BuildURL substitutes path parameters (percent-encoded) into the operation
// path and appends the remaining params as query values, in sorted order so
// URLs are deterministic.
func (c *Client) BuildURL(baseURL string, op *catalog.Operation, params map[string]any) (*url.URL, error) {
	if err := c.checkURL(baseURL); err != nil {
		return nil, err
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	path := op.Path
	query := url.Values{}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val := stringifyParam(params[name])
		placeholder := "{" + name + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(val))
			continue
		}
		if p, ok := op.Param(name); ok && p.In == catalog.InPath {
			continue
		}
		query.Set(name, val)
	}

	if strings.Contains(path, "{") {
		return nil, fmt.Errorf("path %q still contains unsubstituted placeholders", path)
	}

	u := base.JoinPath(path)
	u.RawQuery = query.Encode()
	return u, nil
}

func stringifyParam(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, len(t))
		for i, el := range t {
			parts[i] = stringifyParam(el)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ResolveContinuation resolves an upstream-supplied continuation link against
// the base URL and refuses to leave the base's origin. A cross-origin link is
// a hard failure, never silently followed.
func ResolveContinuation(base *url.URL, link string) (*url.URL, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return nil, restgate.Errorf(restgate.StatusOffHostPagination,
			"continuation link is not a valid URL")
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != base.Scheme || resolved.Host != base.Host {
		return nil, restgate.Errorf(restgate.StatusOffHostPagination,
			"continuation link resolves to %s://%s, expected %s://%s",
			resolved.Scheme, resolved.Host, base.Scheme, base.Host)
	}
	return resolved, nil
}

// Response is the decoded outcome of one upstream call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON decodes the response body into a generic value. Numbers stay float64.
func (r *Response) JSON() (any, error) {
	if len(r.Body) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return v, nil
}

// Execute performs one logical upstream call with bounded retry. Statuses
// 408/429/502/503/504 and pure transport errors retry with backoff honoring
// Retry-After; any other status returns immediately. A 2xx response returns
// nil error; 4xx/5xx after retries surface as UpstreamError (or
// UpstreamTimeout for 408/504) with the status preserved and the body kept
// out of the error message.
func (c *Client) Execute(ctx context.Context, method string, u *url.URL, body any, token string) (*Response, error) {
	var lastErr error
	var resp *Response

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.backoff(attempt, resp)); err != nil {
				return nil, err
			}
		}

		res, err := c.doOnce(ctx, method, u, body, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			resp = nil
			c.log.WarnContext(ctx, "upstream.request.retryable",
				slog.String("method", method), slog.Int("attempt", attempt), slog.String("err", err.Error()))
			continue
		}
		resp = res
		if !retryableStatus(res.Status) {
			break
		}
		lastErr = fmt.Errorf("upstream returned status %d", res.Status)
		c.log.WarnContext(ctx, "upstream.status.retryable",
			slog.String("method", method), slog.Int("attempt", attempt), slog.Int("status", res.Status))
	}

	if resp == nil {
		return nil, restgate.Errorf(restgate.StatusUpstreamError,
			"upstream unreachable after %d attempts: %v", c.maxAttempts, lastErr)
	}
	if resp.Status >= 400 {
		status := restgate.StatusUpstreamError
		if resp.Status == http.StatusRequestTimeout || resp.Status == http.StatusGatewayTimeout {
			status = restgate.StatusUpstreamTimeout
		}
		return resp, restgate.Errorf(status, "upstream returned status %d", resp.Status).
			WithDetails(map[string]any{"status": resp.Status})
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, method string, u *url.URL, body any, token string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &Response{Status: res.StatusCode, Header: res.Header, Body: b}, nil
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// backoff computes the wait before the given attempt. The server's
// Retry-After (seconds or HTTP-date) wins when present; otherwise
// exponential doubling capped at maxBackoff. Jitter of up to 10% avoids
// synchronized retries.
func (c *Client) backoff(attempt int, last *Response) time.Duration {
	var d time.Duration
	if last != nil {
		if ra := last.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && secs >= 0 {
				d = time.Duration(secs) * time.Second
			} else if t, err := http.ParseTime(ra); err == nil {
				d = t.Sub(c.now())
			}
		}
	}
	if d <= 0 {
		d = time.Duration(1<<uint(attempt-2)) * 500 * time.Millisecond
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d + time.Duration(c.jitter()*float64(d)/10)
}
