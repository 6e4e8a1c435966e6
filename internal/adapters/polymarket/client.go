package polymarket

// client.go: shared HTTP plumbing for the CLOB and Gamma APIs.
//
// Every request goes through a per-endpoint-class rate limiter and a retry
// loop with exponential backoff. 429 and 5xx responses retry; 4xx fail fast.

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxRetries  = 3
	baseBackoff = 500 * time.Millisecond
	httpTimeout = 15 * time.Second

	// Sustained request rates, kept well under the documented API limits.
	clobRPS  = 8
	gammaRPS = 4
	bookRPS  = 10
)

// apiError is a non-retryable HTTP failure (4xx).
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
}

// Client is the unauthenticated Polymarket API client. It serves market
// data, the event schedule, and order books.
type Client struct {
	clobBase  string
	gammaBase string
	http      *http.Client

	clobLimiter  *rate.Limiter
	gammaLimiter *rate.Limiter
	bookLimiter  *rate.Limiter

	feed         *PriceFeed
	schedHorizon time.Duration
}

// NewClient creates a client against the given API bases.
func NewClient(clobBase, gammaBase string) *Client {
	return &Client{
		clobBase:     strings.TrimRight(clobBase, "/"),
		gammaBase:    strings.TrimRight(gammaBase, "/"),
		http:         &http.Client{Timeout: httpTimeout},
		clobLimiter:  rate.NewLimiter(rate.Limit(clobRPS), clobRPS),
		gammaLimiter: rate.NewLimiter(rate.Limit(gammaRPS), gammaRPS),
		bookLimiter:  rate.NewLimiter(rate.Limit(bookRPS), bookRPS),
		schedHorizon: 12 * time.Hour,
	}
}

// SetPriceFeed attaches a websocket feed whose prices overlay REST quotes
// when fresher.
func (c *Client) SetPriceFeed(f *PriceFeed) { c.feed = f }

// SetScheduleHorizon bounds how far ahead UpcomingEvents looks.
func (c *Client) SetScheduleHorizon(d time.Duration) {
	if d > 0 {
		c.schedHorizon = d
	}
}

// get performs a rate-limited GET with retries, decoding JSON into out.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, url string, out any) error {
	return c.doWithRetry(ctx, limiter, http.MethodGet, url, nil, out)
}

// post performs a rate-limited POST with retries. body is JSON-encoded.
func (c *Client) post(ctx context.Context, limiter *rate.Limiter, url string, body, out any) error {
	return c.doWithRetry(ctx, limiter, http.MethodPost, url, body, out)
}

func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := jsonAPI.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = b
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		var reader io.Reader
		if payload != nil {
			reader = strings.NewReader(string(payload))
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			c.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 500:
			if attempt == maxRetries {
				return fmt.Errorf("server error %d: %s", resp.StatusCode, truncBody(respBody))
			}
			c.sleep(ctx, attempt)
			continue
		case resp.StatusCode >= 400:
			return &apiError{Status: resp.StatusCode, Body: truncBody(respBody)}
		}

		if out != nil {
			if err := jsonAPI.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep waits for the backoff of the given attempt, with jitter, respecting
// context cancellation.
func (c *Client) sleep(ctx context.Context, attempt int) {
	d := baseBackoff * (1 << attempt)
	d += time.Duration(rand.Int63n(int64(baseBackoff)))
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func truncBody(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
