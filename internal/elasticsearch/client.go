// Package elasticsearch wraps go-elasticsearch with the bulk-write and
// index-administration helpers this project needs.
package elasticsearch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
)

// Config carries connection parameters and the bulk retry policy.
type Config struct {
	Addresses []string
	Username  string
	Password  string

	// MaxAttempts bounds how often one batch is sent, first try included.
	MaxAttempts int
	// RetryBackoff is the initial backoff between attempts; it doubles per
	// attempt and is capped at 30s.
	RetryBackoff time.Duration
	// AttemptTimeout bounds a single bulk HTTP attempt.
	AttemptTimeout time.Duration

	// Transport overrides the HTTP transport, used by tests.
	Transport http.RoundTripper
}

// Client wraps go-elasticsearch. It owns the HTTP transport so idle
// connections can be released explicitly; a client that is never closed is
// what used to keep the process alive after the last batch.
type Client struct {
	es             *elasticsearch.Client
	transport      *http.Transport
	maxAttempts    int
	backoff        time.Duration
	attemptTimeout time.Duration
	log            *slog.Logger
}

// New instantiates the Elasticsearch client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = time.Minute
	}

	c := &Client{
		maxAttempts:    cfg.MaxAttempts,
		backoff:        cfg.RetryBackoff,
		attemptTimeout: cfg.AttemptTimeout,
		log:            logger,
	}

	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		// The bulk client drives its own bounded retry loop; the library's
		// transparent retries would hide attempt counts from it.
		DisableRetry: true,
	}
	if cfg.Transport != nil {
		esCfg.Transport = cfg.Transport
	} else {
		c.transport = &http.Transport{MaxIdleConnsPerHost: 10}
		esCfg.Transport = c.transport
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	c.es = es
	return c, nil
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", res.Status())
	}
	return nil
}

// WaitForCluster pings until the cluster answers, with exponential backoff
// between attempts. Returns the last ping error when attempts run out.
func (c *Client) WaitForCluster(ctx context.Context, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 10
	}
	if delay <= 0 {
		delay = 2 * time.Second
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = c.Ping(pingCtx)
		cancel()
		if lastErr == nil {
			return nil
		}

		c.log.Warn("elasticsearch not ready, retrying",
			slog.Any("err", lastErr),
			slog.Int("attempt", i+1),
			slog.Int("max_attempts", attempts),
			slog.Duration("retry_in", delay),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return fmt.Errorf("elasticsearch unavailable after %d attempts: %w", attempts, lastErr)
}

// Close releases pooled transport connections. Must run on every exit path
// of a run so no open socket outlives the work.
func (c *Client) Close() {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
}

// wait sleeps for the attempt's backoff or returns early on cancellation.
func (c *Client) wait(ctx context.Context, attempt int) error {
	d := c.backoff * time.Duration(1<<uint(attempt-1))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
