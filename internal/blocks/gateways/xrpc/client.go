// Package xrpc reads relationship records from AT-protocol servers over
// XRPC HTTP. It implements domain.RepositoryReader.
package xrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/domain"
)

const (
	pageLimit       = 100
	maxRetryAfter   = 2 * time.Minute
	defaultTimeout  = 90 * time.Second
	followsCacheLen = 256
)

// TokenSource supplies a bearer token for authenticated requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Options configures a Client.
type Options struct {
	// required parameters
	AppviewURL string
	PLCURL     string

	Retries int           // retry budget per request after the first attempt
	Backoff time.Duration // first backoff, doubled per retry

	ServerURLTTL       time.Duration // zero keeps entries until evicted by size
	ServerURLCacheSize int
	FollowsTTL         time.Duration // zero disables the follows cache

	// options to inject
	HTTPClient *http.Client
	Tokens     TokenSource
	Decoder    RepoDecoder
	Logger     log.Logger
}

// Client is the XRPC RepositoryReader.
type Client struct {
	appview string
	plc     string
	retries int
	backoff time.Duration
	http    *http.Client
	tokens  TokenSource
	decoder RepoDecoder
	logger  log.Logger

	servers *expirable.LRU[string, string]
	follows *expirable.LRU[string, domain.FollowsPage]
}

// sleep waits for d or until ctx is done. Swapped in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// New creates a Client. Missing optional values get defaults.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.AppviewURL) == "" {
		return nil, fmt.Errorf(errBaseURLRequired, "appview")
	}
	if strings.TrimSpace(opts.PLCURL) == "" {
		return nil, fmt.Errorf(errBaseURLRequired, "plc")
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.ServerURLCacheSize <= 0 {
		opts.ServerURLCacheSize = 10000
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	c := &Client{
		appview: strings.TrimRight(opts.AppviewURL, "/"),
		plc:     strings.TrimRight(opts.PLCURL, "/"),
		retries: opts.Retries,
		backoff: opts.Backoff,
		http:    opts.HTTPClient,
		tokens:  opts.Tokens,
		decoder: opts.Decoder,
		logger:  log.With(opts.Logger, map[string]any{"component": "xrpc"}),
		servers: expirable.NewLRU[string, string](opts.ServerURLCacheSize, nil, opts.ServerURLTTL),
	}
	if opts.FollowsTTL > 0 {
		c.follows = expirable.NewLRU[string, domain.FollowsPage](followsCacheLen, nil, opts.FollowsTTL)
	}
	return c, nil
}

func xrpcURL(base, method string, params url.Values) string {
	return strings.TrimRight(base, "/") + "/xrpc/" + method + "?" + params.Encode()
}

// getJSON performs a GET and decodes a JSON body into out.
func (c *Client) getJSON(ctx context.Context, method, rawURL string, out any) error {
	return c.get(ctx, method, rawURL, "application/json", func(body io.Reader) error {
		if err := json.NewDecoder(body).Decode(out); err != nil {
			return fmt.Errorf(errDecodeBody, method, err)
		}
		return nil
	})
}

// get performs a GET with retries on 429, 5xx and network errors, passing
// a successful body to handle.
func (c *Client) get(ctx context.Context, method, rawURL, accept string, handle func(io.Reader) error) error {
	backoff := c.backoff
	for attempt := 0; ; attempt++ {
		retryAfter, err := c.attempt(ctx, method, rawURL, accept, handle)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf(errRequestFailed, method, ctx.Err())
		}
		if attempt >= c.retries || !domain.IsTransient(err) {
			return err
		}
		wait := backoff
		if retryAfter > wait {
			wait = min(retryAfter, maxRetryAfter)
		}
		c.logger.Debug(map[string]any{
			"method":  method,
			"attempt": attempt + 1,
			"wait":    wait.String(),
			"error":   err,
		}, "retrying xrpc request")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		backoff *= 2
	}
}

func (c *Client) attempt(ctx context.Context, method, rawURL, accept string, handle func(io.Reader) error) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf(errBuildRequest, err)
	}
	req.Header.Set("Accept", accept)
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, fmt.Errorf("token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	res, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf(errRequestFailed, method, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return parseRetryAfter(res.Header.Get("Retry-After")), statusError(method, res)
	}
	return 0, handle(res.Body)
}

func statusError(method string, res *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&body)
	return &StatusError{Method: method, Code: res.StatusCode, Name: body.Error, Message: body.Message}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var _ domain.RepositoryReader = (*Client)(nil)
