// Package upstream issues the Messages API call with the first-party CLI
// header set and applies the 401-refresh and 429/529 backoff policy.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"github.com/bridgekit-ai/claude-bridge/internal/auth"
)

const (
	// DefaultBaseURL is the production Messages endpoint host.
	DefaultBaseURL = "https://api.anthropic.com"

	betaHeader       = "oauth-2025-04-20,interleaved-thinking-2025-05-14,claude-code-20250219"
	userAgent        = "claude-cli/2.1.2 (external, cli)"
	anthropicVersion = "2023-06-01"

	requestTimeout = 2 * time.Minute
	maxAttempts    = 3
)

// StatusError carries a terminal upstream HTTP status and its body.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

// Client posts prepared Messages bodies to the upstream.
type Client struct {
	auth       *auth.Manager
	httpClient *http.Client
	baseURL    string
	sleep      func(context.Context, time.Duration) error
}

// NewClient builds a client around the token authority. proxyURL may be
// empty.
func NewClient(authManager *auth.Manager, proxyURL string) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		} else {
			log.Errorf("failed to parse proxy URL %q: %v", proxyURL, err)
		}
	}
	return &Client{
		auth:       authManager,
		httpClient: &http.Client{Transport: transport},
		baseURL:    DefaultBaseURL,
		sleep:      sleepCtx,
	}
}

// NewClientWithBaseURL is the test hook for pointing the client at a local
// httptest server.
func NewClientWithBaseURL(authManager *auth.Manager, baseURL string) *Client {
	c := NewClient(authManager, "")
	c.baseURL = baseURL
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cancelBody propagates the request-scoped timeout cancel to stream close.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Messages POSTs body to the messages endpoint. The response is returned
// with its body open; callers own draining and closing it. Retry policy:
// one refresh-and-retry on 401, exponential backoff on 429/529 and network
// errors, at most three attempts, all under a 2-minute deadline.
func (c *Client) Messages(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)

	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	refreshed := false
	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		resp, errDo := c.do(ctx, token, body, stream)
		if errDo != nil {
			log.Warnf("upstream request failed (attempt %d/%d): %v", attempt+1, maxAttempts, errDo)
			lastErr = errDo
			attempt++
			if attempt < maxAttempts {
				if errSleep := c.sleep(ctx, backoffDelay(attempt)); errSleep != nil {
					cancel()
					return nil, errSleep
				}
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			drain(resp)
			refreshed = true
			newToken, errRefresh := c.auth.ForceRefresh(ctx)
			if errRefresh != nil {
				log.Warnf("token refresh after 401 failed: %v", errRefresh)
				cancel()
				return nil, &StatusError{Code: http.StatusUnauthorized, Body: []byte(`{"type":"error","error":{"type":"authentication_error","message":"OAuth token rejected and refresh failed"}}`)}
			}
			token = newToken
			// The refresh retry does not consume a backoff attempt.
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 529 {
			delay := retryAfter(resp)
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			_ = resp.Body.Close()
			lastErr = &StatusError{Code: resp.StatusCode, Body: errBody}
			attempt++
			if attempt >= maxAttempts {
				break
			}
			if delay == 0 {
				delay = backoffDelay(attempt)
			}
			if errSleep := c.sleep(ctx, delay); errSleep != nil {
				cancel()
				return nil, errSleep
			}
			continue
		}

		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}

	cancel()
	if lastErr == nil {
		lastErr = fmt.Errorf("upstream request failed after %d attempts", maxAttempts)
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, token string, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages?beta=true", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-beta", betaHeader)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("User-Agent", userAgent)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Encoding", "gzip, br, zstd")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if !stream {
		if errDecode := decodeBody(resp); errDecode != nil {
			_ = resp.Body.Close()
			return nil, errDecode
		}
	}
	return resp, nil
}

// decodeBody swaps the response body for a decompressing reader when the
// upstream honoured Accept-Encoding.
func decodeBody(resp *http.Response) error {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		resp.Body = &wrappedBody{Reader: reader, closer: resp.Body}
	case "br":
		resp.Body = &wrappedBody{Reader: brotli.NewReader(resp.Body), closer: resp.Body}
	case "zstd":
		reader, err := zstd.NewReader(resp.Body)
		if err != nil {
			return err
		}
		resp.Body = &wrappedBody{Reader: reader.IOReadCloser(), closer: resp.Body}
	default:
		return nil
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	return nil
}

type wrappedBody struct {
	io.Reader
	closer io.Closer
}

func (w *wrappedBody) Close() error {
	return w.closer.Close()
}

// backoffDelay returns 2s, 4s, 8s for attempts 1, 2, 3.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(2<<(attempt-1)) * time.Second
}

func retryAfter(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
