// Package eloqua provides a client for the Eloqua form submission REST API
// used for CRM sync.
package eloqua

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// APIError reports a non-2xx response from Eloqua. The status code lets
// callers distinguish retryable outages from permanent rejections.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("eloqua: status %d: %s", e.StatusCode, e.Body)
}

// Lead is the CRM payload for one classified submission.
type Lead struct {
	FormID     string            `json:"form_id"`
	Submission string            `json:"submission_id"`
	Email      string            `json:"email"`
	Fields     map[string]string `json:"fields"`
	Flag       string            `json:"flag"`
	SpamScore  float64           `json:"spam_score"`
}

// Client defines the Eloqua operations used by the dispatcher.
type Client interface {
	CreateLead(ctx context.Context, lead *Lead) error
}

// Option configures the Eloqua client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets a per-second rate limit for Eloqua API calls. A burst
// equal to the integer portion of rps is allowed.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

type httpClient struct {
	auth    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an Eloqua client with basic auth (site\user:password).
func NewClient(site, user, password string, opts ...Option) Client {
	creds := fmt.Sprintf("%s\\%s:%s", site, user, password)
	c := &httpClient{
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(creds)),
		baseURL: "https://secure.eloqua.com/api/REST/2.0",
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes an HTTP request with exponential backoff retries on
// transient failures (429, 500, 502, 503). Returns the response body and
// status code on success, or the last error after exhausting retries.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryReq := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, 0, eris.Wrap(err, "eloqua: rewind request body")
			}
			retryReq.Body = body
		}

		resp, err := c.http.Do(retryReq)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "eloqua: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("eloqua: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}
	return nil, 0, lastErr
}

func (c *httpClient) CreateLead(ctx context.Context, lead *Lead) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "eloqua: rate limiter wait")
		}
	}

	payload, err := json.Marshal(lead)
	if err != nil {
		return eris.Wrap(err, "eloqua: marshal lead")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/data/form/submissions", bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "eloqua: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.auth)

	body, status, err := c.retryDo(ctx, req)
	if err != nil {
		return eris.Wrap(err, "eloqua: create lead request")
	}

	if status < 200 || status >= 300 {
		if len(body) > 512 {
			body = body[:512]
		}
		return &APIError{StatusCode: status, Body: string(body)}
	}
	return nil
}
