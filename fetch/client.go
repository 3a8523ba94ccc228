// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package fetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"storj.io/common/memory"
)

// ClientConfig configures an HTTP client. One logical rate limiter is shared
// across all of a client's methods.
type ClientConfig struct {
	RequestsPerSecond float64       `help:"upstream request rate for this client" default:"1"`
	Burst             int           `help:"token bucket capacity" default:"1"`
	Timeout           time.Duration `help:"per-request timeout" default:"30s"`
	ChunkSize         memory.Size   `help:"download copy chunk size" default:"64KiB"`
	UserAgent         string        `help:"User-Agent header sent upstream" default:"feedspine/0.1"`

	Retry RetryConfig
}

// Client issues rate-limited, retried HTTP requests.
type Client struct {
	log     *zap.Logger
	http    *http.Client
	limiter *RateLimiter
	config  ClientConfig
}

// NewClient creates a Client with its own connection pool and token bucket.
func NewClient(log *zap.Logger, config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retry.MaxAttempts < 1 {
		config.Retry = DefaultRetryConfig()
	}
	return &Client{
		log:     log,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: NewRateLimiter(config.RequestsPerSecond, config.Burst),
		config:  config,
	}
}

// Limiter exposes the client's shared rate limiter.
func (client *Client) Limiter() *RateLimiter { return client.limiter }

// Get fetches url, returning the response body.
func (client *Client) Get(ctx context.Context, url string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	return client.do(ctx, http.MethodGet, url, "", nil)
}

// Post sends body to url with the given content type, returning the response
// body.
func (client *Client) Post(ctx context.Context, url, contentType string, body []byte) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	return client.do(ctx, http.MethodPost, url, contentType, body)
}

// GetBytes is an alias of Get.
func (client *Client) GetBytes(ctx context.Context, url string) ([]byte, error) {
	return client.Get(ctx, url)
}

// GetText fetches url as a string.
func (client *Client) GetText(ctx context.Context, url string) (string, error) {
	data, err := client.Get(ctx, url)
	return string(data), err
}

// GetJSON fetches url and decodes the body into target.
func (client *Client) GetJSON(ctx context.Context, url string, target interface{}) error {
	data, err := client.Get(ctx, url)
	if err != nil {
		return err
	}
	return Error.Wrap(json.Unmarshal(data, target))
}

// do runs one rate-limited, retried request and buffers the body.
func (client *Client) do(ctx context.Context, method, url, contentType string, body []byte) ([]byte, error) {
	if _, err := client.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var result []byte
	err := client.config.Retry.Run(ctx, func(ctx context.Context) (Kind, time.Duration, error) {
		resp, kind, override, err := client.attempt(ctx, method, url, contentType, body)
		if err != nil {
			return kind, override, err
		}
		defer func() { _ = resp.Body.Close() }()

		result, err = io.ReadAll(resp.Body)
		if err != nil {
			return classify(err), 0, Error.Wrap(err)
		}
		return "", 0, nil
	})
	return result, err
}

// attempt issues a single upstream request and classifies any failure. On a
// 429 the Retry-After header becomes the backoff override.
func (client *Client) attempt(ctx context.Context, method, url, contentType string, body []byte) (*http.Response, Kind, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, KindOther, 0, Error.Wrap(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if client.config.UserAgent != "" {
		req.Header.Set("User-Agent", client.config.UserAgent)
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return nil, classify(err), 0, Error.Wrap(err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		override := client.config.Retry.BaseDelay
		if header := resp.Header.Get("Retry-After"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil {
				override = time.Duration(seconds) * time.Second
			}
		}
		_ = resp.Body.Close()
		return nil, KindRateLimited, override, ErrRateLimited.New("%s %s: status 429", method, url)
	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, KindServer, 0, Error.New("%s %s: status %d", method, url, resp.StatusCode)
	case resp.StatusCode >= 400:
		_ = resp.Body.Close()
		return nil, KindClient, 0, Error.New("%s %s: status %d", method, url, resp.StatusCode)
	}
	return resp, "", 0, nil
}

// Download streams url into destPath atomically: the body is written to
// destPath+".tmp" and renamed over destPath only after a complete copy. The
// temp file is removed on any error, so the destination is never partial.
// One rate limiter token is spent per invocation regardless of body size.
func (client *Client) Download(ctx context.Context, url, destPath string) (written int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := client.limiter.Acquire(ctx, 1); err != nil {
		return 0, err
	}

	err = client.config.Retry.Run(ctx, func(ctx context.Context) (Kind, time.Duration, error) {
		resp, kind, override, err := client.attempt(ctx, http.MethodGet, url, "", nil)
		if err != nil {
			return kind, override, err
		}
		defer func() { _ = resp.Body.Close() }()

		written, err = client.writeAtomic(resp.Body, destPath)
		if err != nil {
			return classify(err), 0, ErrDownload.Wrap(err)
		}
		return "", 0, nil
	})
	if err != nil {
		return 0, err
	}
	client.log.Debug("downloaded", zap.String("url", url), zap.String("dest", destPath), zap.Int64("bytes", written))
	return written, nil
}

func (client *Client) writeAtomic(body io.Reader, destPath string) (written int64, err error) {
	tmpPath := destPath + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	chunkSize := client.config.ChunkSize.Int64()
	if chunkSize <= 0 {
		chunkSize = 64 * memory.KiB.Int64()
	}
	written, err = io.CopyBuffer(tmp, body, make([]byte, chunkSize))
	if err != nil {
		return 0, err
	}
	if err = tmp.Close(); err != nil {
		return 0, err
	}
	if err = os.Rename(tmpPath, destPath); err != nil {
		return 0, err
	}
	return written, nil
}

// Lines iterates the lines of a streamed response body. The consumer controls
// pacing; nothing beyond the scanner's buffer is held in memory.
type Lines struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// StreamLines opens url for line-by-line consumption. It spends one rate
// limiter token to start; the body is not retried once streaming has begun.
func (client *Client) StreamLines(ctx context.Context, url string) (_ *Lines, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := client.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var resp *http.Response
	err = client.config.Retry.Run(ctx, func(ctx context.Context) (Kind, time.Duration, error) {
		var kind Kind
		var override time.Duration
		resp, kind, override, err = client.attempt(ctx, http.MethodGet, url, "", nil)
		return kind, override, err
	})
	if err != nil {
		return nil, err
	}
	return &Lines{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// Next returns the next line, or false at the end of the body.
func (lines *Lines) Next() (string, bool) {
	if lines.scanner.Scan() {
		return lines.scanner.Text(), true
	}
	return "", false
}

// Err returns the first error hit while scanning, if any.
func (lines *Lines) Err() error {
	return Error.Wrap(lines.scanner.Err())
}

// Close releases the underlying body.
func (lines *Lines) Close() error {
	return Error.Wrap(lines.body.Close())
}

// classify maps transport errors to retryable kinds.
func classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	return KindOther
}
