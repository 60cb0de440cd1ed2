package action

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/personium/personium-core-sub028/bus"
	"github.com/personium/personium-core-sub028/errors"
	"github.com/personium/personium-core-sub028/event"
	"github.com/personium/personium-core-sub028/pkg/tlsutil"
)

// maxResponseBody caps how much of a response is read
const maxResponseBody = 8 << 20

// HTTPConfig configures outbound calls
type HTTPConfig struct {
	Timeout time.Duration        `json:"timeout" yaml:"timeout"`
	TLS     tlsutil.ClientConfig `json:"tls" yaml:"tls"`

	// RateLimit is the per cell request rate in calls per second; zero disables limiting
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`
}

// DefaultHTTPConfig returns the outbound defaults
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:   30 * time.Second,
		RateLimit: 20,
		RateBurst: 40,
	}
}

// Validate checks the configuration for errors
func (c HTTPConfig) Validate() error {
	if c.Timeout <= 0 || c.Timeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "HTTPConfig", "Validate",
			"timeout must be between 0 and 5m")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "HTTPConfig", "Validate",
			"rate_limit and rate_burst cannot be negative")
	}
	return nil
}

// Request is one outbound call
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a completed call
type Response struct {
	StatusCode int
	Body       []byte
}

// Caller performs outbound HTTP for one engine, limiting each cell's request rate
type Caller struct {
	client  *http.Client
	timeout time.Duration
	limit   rate.Limit
	burst   int
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewCaller builds a Caller with its own client
func NewCaller(cfg HTTPConfig, logger *slog.Logger) (*Caller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: cfg.Timeout}
	if !cfg.TLS.IsZero() {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, errors.WrapFatal(err, "Caller", "NewCaller", "load TLS config")
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	return NewCallerWithClient(client, cfg, logger), nil
}

// NewCallerWithClient wraps an existing client
func NewCallerWithClient(client *http.Client, cfg HTTPConfig, logger *slog.Logger) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPConfig().Timeout
	}
	c := &Caller{
		client:   client,
		timeout:  timeout,
		limit:    rate.Inf,
		logger:   logger.With("component", "action-http"),
		limiters: make(map[string]*rate.Limiter),
	}
	if cfg.RateLimit > 0 {
		c.limit = rate.Limit(cfg.RateLimit)
		c.burst = max(cfg.RateBurst, 1)
	}
	return c
}

func (c *Caller) limiter(cellID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[cellID]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[cellID] = l
	}
	return l
}

// Do runs req on behalf of cellID. A call waits for the cell's rate limiter at most for
// the client timeout.
func (c *Caller) Do(ctx context.Context, cellID string, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limit != rate.Inf {
		if err := c.limiter(cellID).Wait(ctx); err != nil {
			return nil, errors.WrapTransient(errors.ErrRateLimited, "Caller", "Do",
				fmt.Sprintf("wait for rate limit of cell %s", cellID))
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Caller", "Do", "build request")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.WrapTransient(err, "Caller", "Do", fmt.Sprintf("%s %s", req.Method, req.URL))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.WrapTransient(err, "Caller", "Do", "read response")
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// call runs req and reduces the outcome to the Info of a result event
func (c *Caller) call(ctx context.Context, cellID, name string, req Request) (string, *Response) {
	resp, err := c.Do(ctx, cellID, req)
	if err != nil {
		c.logger.Warn("Action call failed",
			"action", name, "cell", cellID, "method", req.Method, "url", req.URL, "error", err)
		return StatusTransportFailure, nil
	}
	if resp.StatusCode >= 300 {
		c.logger.Info("Action call returned non-success status",
			"action", name, "cell", cellID, "url", req.URL, "status", resp.StatusCode)
	}
	return statusInfo(resp.StatusCode), resp
}

// commonHeaders are sent on every action call
func commonHeaders(info Info, e *event.Event, via string) http.Header {
	h := make(http.Header)
	setIf(h, bus.HeaderRequestKey, e.RequestKey)
	setIf(h, bus.HeaderEventID, firstNonEmpty(info.EventID, e.EventID))
	setIf(h, bus.HeaderRuleChain, firstNonEmpty(info.RuleChain, e.RuleChain))
	setIf(h, bus.HeaderVia, via)
	return h
}

func jsonHeaders(h http.Header) http.Header {
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	return h
}

func setBearer(h http.Header, tok string) {
	if tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
}

func setIf(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func withSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

// cellURLOf returns the root URL of the cell a service URL belongs to. Under unitURL the
// cell is the first path segment; elsewhere the host itself is the cell.
func cellURLOf(unitURL, service string) string {
	if unitURL != "" {
		if rest, ok := strings.CutPrefix(service, withSlash(unitURL)); ok {
			cell, _, _ := strings.Cut(rest, "/")
			if cell == "" {
				return ""
			}
			return withSlash(unitURL) + cell + "/"
		}
	}
	scheme, rest, ok := strings.Cut(service, "://")
	if !ok {
		return ""
	}
	host, _, _ := strings.Cut(rest, "/")
	if host == "" {
		return ""
	}
	return scheme + "://" + host + "/"
}
